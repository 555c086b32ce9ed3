package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"mancanexus/internal/circulation"
	"mancanexus/internal/seating"
)

// TestLifecycleInvariants drives random operation sequences through the
// coordinator and checks the stored state after every step.
func TestLifecycleInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := newTestEnv(WithRetry(1, 0))
		ctx := context.Background()

		members := make([]uuid.UUID, rapid.IntRange(1, 3).Draw(t, "members"))
		for i := range members {
			members[i] = e.addMember(t)
		}
		seats := make([]uuid.UUID, rapid.IntRange(1, 3).Draw(t, "seats"))
		for i := range seats {
			seats[i] = e.addSeat(t)
		}
		items := make([]uuid.UUID, rapid.IntRange(1, 6).Draw(t, "items"))
		for i := range items {
			items[i] = e.addItem(t)
		}
		var rentals []uuid.UUID

		requireBusiness := func(t *rapid.T, op string, err error) {
			if err != nil && !IsBusiness(err) {
				t.Fatalf("%s: unexpected failure %v", op, err)
			}
		}

		t.Repeat(map[string]func(*rapid.T){
			"assign": func(t *rapid.T) {
				seat := rapid.SampledFrom(seats).Draw(t, "seat")
				member := rapid.SampledFrom(members).Draw(t, "member")
				before, err := e.store.GetSeat(ctx, seat)
				if err != nil {
					t.Fatal(err)
				}
				_, err = e.svc.AssignSeat(ctx, seat, member)
				requireBusiness(t, "assign", err)
				if (err == nil) != (before.Status == seating.StatusAvailable) {
					t.Fatalf("assign on %s seat returned %v", before.Status, err)
				}
			},
			"release": func(t *rapid.T) {
				_, err := e.svc.ReleaseSeat(ctx, rapid.SampledFrom(seats).Draw(t, "seat"))
				if err != nil {
					t.Fatalf("release: %v", err)
				}
			},
			"checkout": func(t *rapid.T) {
				member := rapid.SampledFrom(members).Draw(t, "member")
				item := rapid.SampledFrom(items).Draw(t, "item")
				v, err := e.svc.Checkout(ctx, checkoutReq(member, item))
				requireBusiness(t, "checkout", err)
				if err == nil {
					rentals = append(rentals, v.ID)
				}
			},
			"return": func(t *rapid.T) {
				if len(rentals) == 0 {
					t.Skip("no rentals yet")
				}
				_, err := e.svc.ReturnItem(ctx, rapid.SampledFrom(rentals).Draw(t, "rental"))
				requireBusiness(t, "return", err)
			},
			"advance": func(t *rapid.T) {
				e.clock.Advance(time.Duration(rapid.IntRange(1, 72).Draw(t, "hours")) * time.Hour)
			},
			"sweep": func(t *rapid.T) {
				_, err := e.svc.SweepOverdue(ctx)
				if err != nil {
					t.Fatalf("sweep: %v", err)
				}
			},
			"": func(t *rapid.T) {
				checkSeats(t, e)
				checkLending(t, e)
			},
		})
	})
}

func checkSeats(t *rapid.T, e *testEnv) {
	seats, err := e.store.ListSeats(context.Background(), seating.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range seats {
		if !s.Consistent() {
			t.Fatalf("seat %s is %s with member %v", s.SeatNumber, s.Status, s.CurrentMemberID)
		}
	}
}

func checkLending(t *rapid.T, e *testEnv) {
	ctx := context.Background()
	all, err := e.store.ListRentals(ctx, circulation.RentalFilter{})
	if err != nil {
		t.Fatal(err)
	}

	openByItem := map[uuid.UUID]int{}
	openByMember := map[uuid.UUID]int{}
	for _, r := range all {
		if (r.ReturnedAt != nil) != (r.Status == circulation.RentalReturned) {
			t.Fatalf("rental %s is %s with returned_at %v", r.ID, r.Status, r.ReturnedAt)
		}
		if !r.DueAt.Equal(r.CheckedOutAt.AddDate(0, 0, circulation.DefaultPeriodDays)) {
			t.Fatalf("rental %s due %v for checkout %v", r.ID, r.DueAt, r.CheckedOutAt)
		}
		if r.Status.Open() {
			openByItem[r.ItemID]++
			openByMember[r.MemberID]++
		}
	}

	for item, n := range openByItem {
		if n > 1 {
			t.Fatalf("item %s has %d open rentals", item, n)
		}
	}
	for member, n := range openByMember {
		if n > circulation.DefaultMaxActive {
			t.Fatalf("member %s holds %d open rentals", member, n)
		}
	}

	open, err := e.store.ListRentals(ctx, circulation.RentalFilter{OnlyOpen: true})
	if err != nil {
		t.Fatal(err)
	}
	rented := map[uuid.UUID]bool{}
	for _, r := range open {
		rented[r.ItemID] = true
	}
	for id := range openByItem {
		it, err := e.store.GetItem(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if it.Status != circulation.ItemRented {
			t.Fatalf("item %s has an open rental but is %s", id, it.Status)
		}
	}
	for _, r := range all {
		if rented[r.ItemID] {
			continue
		}
		it, err := e.store.GetItem(ctx, r.ItemID)
		if err != nil {
			t.Fatal(err)
		}
		if it.Status != circulation.ItemAvailable {
			t.Fatalf("item %s has no open rental but is %s", r.ItemID, it.Status)
		}
	}
}
