package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mancanexus/internal/catalog"
	"mancanexus/internal/circulation"
	"mancanexus/internal/lifecycle"
	"mancanexus/internal/membership"
	"mancanexus/internal/seating"
	"mancanexus/internal/store"
)

// FaultInjector makes store commits fail or slow down.
type FaultInjector interface {
	InjectFaults(failureRate float64, latency time.Duration)
}

// Target is the system under test.
type Target struct {
	Lifecycle lifecycle.Service
	Catalog   catalog.Service
	Members   membership.Service
	Store     store.Store
	// Faults is optional; without it the store-fault experiment is skipped.
	Faults FaultInjector

	MaxActive   int
	Concurrency int
	Duration    time.Duration
	SampleEvery time.Duration
}

// outcomes classifies coordinator results.
type outcomes struct {
	ok, rejected, storeFailures, unclassified atomic.Int64
}

func (o *outcomes) record(err error) {
	var storeErr *lifecycle.StoreError
	switch {
	case err == nil:
		o.ok.Add(1)
	case lifecycle.IsBusiness(err):
		o.rejected.Add(1)
	case errors.As(err, &storeErr):
		o.storeFailures.Add(1)
	default:
		o.unclassified.Add(1)
	}
}

// RegisterExperiments registers the predefined experiments for t.
func RegisterExperiments(e *Engine, t *Target) {
	e.Register(t.SeatStormExperiment())
	e.Register(t.MemberLimitRaceExperiment())
	e.Register(t.ItemContentionExperiment())
	e.Register(t.DoubleReturnExperiment())
	if t.Faults != nil {
		e.Register(t.StoreFaultExperiment(0.3, 2*time.Millisecond))
	}
}

func (t *Target) concurrency() int {
	if t.Concurrency > 0 {
		return t.Concurrency
	}
	return 16
}

func (t *Target) maxActive() int {
	if t.MaxActive > 0 {
		return t.MaxActive
	}
	return circulation.DefaultMaxActive
}

func (t *Target) experiment(name, hypothesis string) Experiment {
	d := t.Duration
	if d <= 0 {
		d = 30 * time.Second
	}
	return Experiment{
		Name:        name,
		Hypothesis:  hypothesis,
		Duration:    d,
		SampleEvery: t.SampleEvery,
	}
}

func tag() string { return uuid.NewString()[:8] }

func (t *Target) newMembers(ctx context.Context, n int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		name := "chaos-" + tag()
		m, err := t.Members.RegisterMember(ctx, name, name+"@chaos.local", "")
		if err != nil {
			return nil, err
		}
		ids[i] = m.ID
	}
	return ids, nil
}

func (t *Target) newItems(ctx context.Context, n int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		it, err := t.Catalog.AddItem(ctx, catalog.AddItemRequest{Code: "CHAOS-" + tag(), Title: "chaos unit"})
		if err != nil {
			return nil, err
		}
		ids[i] = it.ID
	}
	return ids, nil
}

func (t *Target) newSeats(ctx context.Context, n int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		s, err := t.Catalog.AddSeat(ctx, catalog.AddSeatRequest{SeatNumber: "CHAOS-" + tag()})
		if err != nil {
			return nil, err
		}
		ids[i] = s.ID
	}
	return ids, nil
}

// burst runs fn concurrently n times and returns how many calls succeeded.
func burst(n int, fn func(i int) error) int {
	var wg sync.WaitGroup
	var wins atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if fn(i) == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	return int(wins.Load())
}

func (t *Target) seatInconsistencies() Metric {
	return Metric{
		Name: "seat_inconsistencies",
		Query: func(ctx context.Context) (float64, error) {
			seats, err := t.Store.ListSeats(ctx, seating.Filter{})
			if err != nil {
				return 0, err
			}
			bad := 0
			for i := range seats {
				if !seats[i].Consistent() {
					bad++
				}
			}
			return float64(bad), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func (t *Target) multiplyRentedItems() Metric {
	return Metric{
		Name: "items_multiply_rented",
		Query: func(ctx context.Context) (float64, error) {
			open, err := t.Store.ListRentals(ctx, circulation.RentalFilter{OnlyOpen: true})
			if err != nil {
				return 0, err
			}
			perItem := map[uuid.UUID]int{}
			bad := 0
			for _, r := range open {
				perItem[r.ItemID]++
				if perItem[r.ItemID] == 2 {
					bad++
				}
			}
			return float64(bad), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func (t *Target) membersOverLimit() Metric {
	return Metric{
		Name: "members_over_limit",
		Query: func(ctx context.Context) (float64, error) {
			open, err := t.Store.ListRentals(ctx, circulation.RentalFilter{OnlyOpen: true})
			if err != nil {
				return 0, err
			}
			perMember := map[uuid.UUID]int{}
			bad := 0
			for _, r := range open {
				perMember[r.MemberID]++
				if perMember[r.MemberID] == t.maxActive()+1 {
					bad++
				}
			}
			return float64(bad), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func counter(name string, c *atomic.Int64) Metric {
	return Metric{
		Name:      name,
		Query:     func(context.Context) (float64, error) { return float64(c.Load()), nil },
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func zero(v float64) bool { return v == 0 }

// SeatStormExperiment has every member race for one seat, round after round.
func (t *Target) SeatStormExperiment() Experiment {
	var doubleAssigned atomic.Int64
	var results outcomes

	exp := t.experiment("seat-assignment-storm", "Exactly one of many concurrent assigns on a free seat wins")
	exp.SteadyState = []Metric{t.seatInconsistencies(), counter("double_assignments", &doubleAssigned), counter("unclassified_errors", &results.unclassified)}
	exp.Method = []Action{{
		Type:   "concurrent-requests",
		Target: "lifecycle.AssignSeat",
		Execute: func(ctx context.Context) error {
			seats, err := t.newSeats(ctx, 1)
			if err != nil {
				return err
			}
			members, err := t.newMembers(ctx, t.concurrency())
			if err != nil {
				return err
			}
			for ctx.Err() == nil {
				wins := burst(len(members), func(i int) error {
					_, err := t.Lifecycle.AssignSeat(ctx, seats[0], members[i])
					results.record(err)
					return err
				})
				if wins > 1 {
					doubleAssigned.Add(1)
				}
				if _, err := t.Lifecycle.ReleaseSeat(ctx, seats[0]); err != nil && ctx.Err() == nil {
					return err
				}
			}
			return nil
		},
	}}
	exp.Validation = []Assertion{
		{Metric: "double_assignments", Condition: zero, Message: "A seat is never given to two members"},
		{Metric: "seat_inconsistencies", Condition: zero, Message: "Seat status always matches its occupant"},
		{Metric: "unclassified_errors", Condition: zero, Message: "Every failure is a rejection or a store error"},
	}
	return exp
}

// MemberLimitRaceExperiment has one member check out many items at once.
func (t *Target) MemberLimitRaceExperiment() Experiment {
	var results outcomes

	exp := t.experiment("member-limit-race", "Concurrent checkouts by one member never exceed the active loan cap")
	exp.SteadyState = []Metric{t.membersOverLimit(), counter("unclassified_errors", &results.unclassified)}
	exp.Method = []Action{{
		Type:   "concurrent-requests",
		Target: "lifecycle.Checkout",
		Execute: func(ctx context.Context) error {
			members, err := t.newMembers(ctx, 1)
			if err != nil {
				return err
			}
			items, err := t.newItems(ctx, 2*t.maxActive()+2)
			if err != nil {
				return err
			}
			for ctx.Err() == nil {
				burst(len(items), func(i int) error {
					_, err := t.Lifecycle.Checkout(ctx, circulation.CheckoutRequest{MemberID: members[0], ItemID: items[i]})
					results.record(err)
					return err
				})
				if err := t.returnAll(ctx, circulation.RentalFilter{MemberID: &members[0], OnlyOpen: true}); err != nil && ctx.Err() == nil {
					return err
				}
			}
			return nil
		},
	}}
	exp.Validation = []Assertion{
		{Metric: "members_over_limit", Condition: zero, Message: "No member holds more open rentals than the cap"},
		{Metric: "unclassified_errors", Condition: zero, Message: "Every failure is a rejection or a store error"},
	}
	return exp
}

// ItemContentionExperiment has many members race for one item.
func (t *Target) ItemContentionExperiment() Experiment {
	var doubleRented atomic.Int64
	var results outcomes

	exp := t.experiment("item-contention", "One item is lent to at most one member at a time")
	exp.SteadyState = []Metric{t.multiplyRentedItems(), counter("double_rentals", &doubleRented), counter("unclassified_errors", &results.unclassified)}
	exp.Method = []Action{{
		Type:   "concurrent-requests",
		Target: "lifecycle.Checkout",
		Execute: func(ctx context.Context) error {
			items, err := t.newItems(ctx, 1)
			if err != nil {
				return err
			}
			members, err := t.newMembers(ctx, t.concurrency())
			if err != nil {
				return err
			}
			for ctx.Err() == nil {
				wins := burst(len(members), func(i int) error {
					_, err := t.Lifecycle.Checkout(ctx, circulation.CheckoutRequest{MemberID: members[i], ItemID: items[0]})
					results.record(err)
					return err
				})
				if wins > 1 {
					doubleRented.Add(1)
				}
				if err := t.returnAll(ctx, circulation.RentalFilter{ItemID: &items[0], OnlyOpen: true}); err != nil && ctx.Err() == nil {
					return err
				}
			}
			return nil
		},
	}}
	exp.Validation = []Assertion{
		{Metric: "items_multiply_rented", Condition: zero, Message: "No item has two open rentals"},
		{Metric: "double_rentals", Condition: zero, Message: "Only one concurrent checkout of an item wins"},
		{Metric: "unclassified_errors", Condition: zero, Message: "Every failure is a rejection or a store error"},
	}
	return exp
}

// DoubleReturnExperiment returns the same rental from many goroutines.
func (t *Target) DoubleReturnExperiment() Experiment {
	var doubleReturned atomic.Int64
	var results outcomes

	exp := t.experiment("double-return-storm", "A rental is closed exactly once however many returns race")
	exp.SteadyState = []Metric{counter("double_returns", &doubleReturned), counter("unclassified_errors", &results.unclassified)}
	exp.Method = []Action{{
		Type:   "concurrent-requests",
		Target: "lifecycle.ReturnItem",
		Execute: func(ctx context.Context) error {
			members, err := t.newMembers(ctx, 1)
			if err != nil {
				return err
			}
			items, err := t.newItems(ctx, 1)
			if err != nil {
				return err
			}
			for ctx.Err() == nil {
				rental, err := t.Lifecycle.Checkout(ctx, circulation.CheckoutRequest{MemberID: members[0], ItemID: items[0]})
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("checkout: %w", err)
				}
				wins := burst(t.concurrency(), func(int) error {
					_, err := t.Lifecycle.ReturnItem(ctx, rental.ID)
					results.record(err)
					return err
				})
				if wins > 1 {
					doubleReturned.Add(1)
				}
				if wins == 0 {
					// Every return was cut off by the window closing.
					return t.returnAll(context.WithoutCancel(ctx), circulation.RentalFilter{ItemID: &items[0], OnlyOpen: true})
				}
			}
			return nil
		},
	}}
	exp.Validation = []Assertion{
		{Metric: "double_returns", Condition: zero, Message: "Only one concurrent return of a rental succeeds"},
		{Metric: "unclassified_errors", Condition: zero, Message: "Every failure is a rejection or a store error"},
	}
	return exp
}

// StoreFaultExperiment runs a mixed workload while commits fail at
// failureRate and take latency longer.
func (t *Target) StoreFaultExperiment(failureRate float64, latency time.Duration) Experiment {
	var results outcomes

	exp := t.experiment("store-commit-faults", "Failed commits surface as store errors and leave no partial state")
	exp.SteadyState = []Metric{
		t.seatInconsistencies(),
		t.multiplyRentedItems(),
		t.membersOverLimit(),
		counter("unclassified_errors", &results.unclassified),
		{
			Name:      "store_failures",
			Query:     func(context.Context) (float64, error) { return float64(results.storeFailures.Load()), nil },
			Threshold: Threshold{Operator: ">=", Value: 0},
		},
	}
	exp.Method = []Action{{
		Type:   "failure",
		Target: "store.commit",
		Execute: func(ctx context.Context) error {
			seats, err := t.newSeats(ctx, 4)
			if err != nil {
				return err
			}
			items, err := t.newItems(ctx, 8)
			if err != nil {
				return err
			}
			members, err := t.newMembers(ctx, 4)
			if err != nil {
				return err
			}
			t.Faults.InjectFaults(failureRate, latency)

			burst(t.concurrency(), func(int) error {
				for ctx.Err() == nil {
					t.randomOp(ctx, seats, items, members, &results)
				}
				return nil
			})
			return nil
		},
	}}
	exp.Rollback = []Action{{
		Type:   "remove-failure",
		Target: "store.commit",
		Execute: func(context.Context) error {
			t.Faults.InjectFaults(0, 0)
			return nil
		},
	}}
	exp.Validation = []Assertion{
		{Metric: "unclassified_errors", Condition: zero, Message: "Every failure is a rejection or a store error"},
		{Metric: "seat_inconsistencies", Condition: zero, Message: "Seat status always matches its occupant"},
		{Metric: "items_multiply_rented", Condition: zero, Message: "No item has two open rentals"},
		{Metric: "members_over_limit", Condition: zero, Message: "No member holds more open rentals than the cap"},
	}
	return exp
}

func (t *Target) randomOp(ctx context.Context, seats, items, members []uuid.UUID, results *outcomes) {
	pick := func(ids []uuid.UUID) uuid.UUID { return ids[rand.IntN(len(ids))] } //nolint:gosec // workload mix only
	var err error
	switch rand.IntN(4) { //nolint:gosec // workload mix only
	case 0:
		_, err = t.Lifecycle.AssignSeat(ctx, pick(seats), pick(members))
	case 1:
		_, err = t.Lifecycle.ReleaseSeat(ctx, pick(seats))
	case 2:
		_, err = t.Lifecycle.Checkout(ctx, circulation.CheckoutRequest{MemberID: pick(members), ItemID: pick(items)})
	default:
		item := pick(items)
		var open []circulation.RentalView
		open, err = t.Lifecycle.ListRentals(ctx, circulation.RentalFilter{ItemID: &item, OnlyOpen: true})
		if err == nil && len(open) > 0 {
			_, err = t.Lifecycle.ReturnItem(ctx, open[0].ID)
		}
	}
	results.record(err)
}

func (t *Target) returnAll(ctx context.Context, f circulation.RentalFilter) error {
	open, err := t.Lifecycle.ListRentals(ctx, f)
	if err != nil {
		return err
	}
	for _, r := range open {
		if _, err := t.Lifecycle.ReturnItem(ctx, r.ID); err != nil && !errors.Is(err, lifecycle.ErrAlreadyReturned) {
			return err
		}
	}
	return nil
}
