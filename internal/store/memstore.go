package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mancanexus/internal/circulation"
	"mancanexus/internal/journal"
	"mancanexus/internal/membership"
	"mancanexus/internal/seating"
)

// ErrFaultInjected is returned by a MemStore commit failed on purpose.
var ErrFaultInjected = errors.New("injected store fault")

// MemStore is an in-process Store. Entity locks are one-slot channels so
// waiters can give up when their context ends. Writes are staged in the
// transaction and applied atomically on commit.
type MemStore struct {
	mu       sync.Mutex
	locks    map[string]chan struct{}
	members  map[uuid.UUID]membership.Member
	seats    map[uuid.UUID]seating.Seat
	items    map[uuid.UUID]circulation.Item
	rentals  map[uuid.UUID]circulation.Rental
	events   []journal.Event
	versions map[uuid.UUID]int
	seq      int64

	faultRate    float64
	faultLatency time.Duration
	rnd          *rand.Rand

	now func() time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		locks:    make(map[string]chan struct{}),
		members:  make(map[uuid.UUID]membership.Member),
		seats:    make(map[uuid.UUID]seating.Seat),
		items:    make(map[uuid.UUID]circulation.Item),
		rentals:  make(map[uuid.UUID]circulation.Rental),
		versions: make(map[uuid.UUID]int),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// InjectFaults makes a share of commits fail with ErrFaultInjected and
// delays every commit by latency. Zero values switch faults off.
func (s *MemStore) InjectFaults(failureRate float64, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultRate = failureRate
	s.faultLatency = latency
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) acquire(ctx context.Context, key string) (chan struct{}, error) {
	s.mu.Lock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MemStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:       s,
		held:    make(map[string]chan struct{}),
		members: make(map[uuid.UUID]membership.Member),
		seats:   make(map[uuid.UUID]seating.Seat),
		items:   make(map[uuid.UUID]circulation.Item),
		rentals: make(map[uuid.UUID]circulation.Rental),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(ctx, tx)
}

func (s *MemStore) commit(ctx context.Context, tx *memTx) error {
	s.mu.Lock()
	latency, rate := s.faultLatency, s.faultRate
	fail := rate > 0 && s.rnd.Float64() < rate
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return fmt.Errorf("commit: %w", ErrFaultInjected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[uuid.UUID]int)
	for _, e := range tx.events {
		want := s.versions[e.AggregateID] + next[e.AggregateID] + 1
		if e.Version != want {
			return fmt.Errorf("journal %s version %d: %w", e.AggregateID, e.Version, ErrConflict)
		}
		next[e.AggregateID]++
	}

	for id, m := range tx.members {
		s.members[id] = m
	}
	for id, st := range tx.seats {
		s.seats[id] = st
	}
	for id, it := range tx.items {
		s.items[id] = it
	}
	for id, r := range tx.rentals {
		s.rentals[id] = r
	}
	for _, e := range tx.events {
		s.seq++
		e.ID = s.seq
		s.events = append(s.events, e)
		s.versions[e.AggregateID] = e.Version
	}
	return nil
}

func (s *MemStore) GetMember(_ context.Context, id uuid.UUID) (*membership.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return nil, fmt.Errorf("member %s: %w", id, ErrNotFound)
	}
	return &m, nil
}

func (s *MemStore) GetSeat(_ context.Context, id uuid.UUID) (*seating.Seat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.seats[id]
	if !ok {
		return nil, fmt.Errorf("seat %s: %w", id, ErrNotFound)
	}
	st = cloneSeat(st)
	return &st, nil
}

func (s *MemStore) ListSeats(_ context.Context, f seating.Filter) ([]seating.Seat, error) {
	s.mu.Lock()
	out := make([]seating.Seat, 0, len(s.seats))
	for _, st := range s.seats {
		if f.Match(&st) {
			out = append(out, cloneSeat(st))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SeatNumber < out[j].SeatNumber })
	return out, nil
}

func (s *MemStore) GetItem(_ context.Context, id uuid.UUID) (*circulation.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return &it, nil
}

func (s *MemStore) GetRental(_ context.Context, id uuid.UUID) (*circulation.Rental, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rentals[id]
	if !ok {
		return nil, fmt.Errorf("rental %s: %w", id, ErrNotFound)
	}
	r = cloneRental(r)
	return &r, nil
}

func (s *MemStore) ListRentals(_ context.Context, f circulation.RentalFilter) ([]circulation.Rental, error) {
	s.mu.Lock()
	out := make([]circulation.Rental, 0)
	for _, r := range s.rentals {
		if f.Match(&r) {
			out = append(out, cloneRental(r))
		}
	}
	s.mu.Unlock()

	sortRentals(out)
	return out, nil
}

func (s *MemStore) Events(_ context.Context, aggregateID uuid.UUID) ([]journal.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []journal.Event
	for _, e := range s.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memTx struct {
	s       *MemStore
	held    map[string]chan struct{}
	members map[uuid.UUID]membership.Member
	seats   map[uuid.UUID]seating.Seat
	items   map[uuid.UUID]circulation.Item
	rentals map[uuid.UUID]circulation.Rental
	events  []journal.Event
	staged  map[uuid.UUID]int
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	ch, err := tx.s.acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	tx.held[key] = ch
	return nil
}

func (tx *memTx) release() {
	for _, ch := range tx.held {
		<-ch
	}
	tx.held = nil
}

func memberKey(id uuid.UUID) string { return "member:" + id.String() }
func seatKey(id uuid.UUID) string   { return "seat:" + id.String() }
func itemKey(id uuid.UUID) string   { return "item:" + id.String() }
func rentalKey(id uuid.UUID) string { return "rental:" + id.String() }

func (tx *memTx) member(id uuid.UUID) (membership.Member, bool) {
	if m, ok := tx.members[id]; ok {
		return m, true
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	m, ok := tx.s.members[id]
	return m, ok
}

func (tx *memTx) seat(id uuid.UUID) (seating.Seat, bool) {
	if st, ok := tx.seats[id]; ok {
		return cloneSeat(st), true
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	st, ok := tx.s.seats[id]
	return cloneSeat(st), ok
}

func (tx *memTx) item(id uuid.UUID) (circulation.Item, bool) {
	if it, ok := tx.items[id]; ok {
		return it, true
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	it, ok := tx.s.items[id]
	return it, ok
}

func (tx *memTx) rental(id uuid.UUID) (circulation.Rental, bool) {
	if r, ok := tx.rentals[id]; ok {
		return cloneRental(r), true
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	r, ok := tx.s.rentals[id]
	return cloneRental(r), ok
}

// allRentals merges committed rentals with this transaction's writes.
func (tx *memTx) allRentals() []circulation.Rental {
	tx.s.mu.Lock()
	out := make([]circulation.Rental, 0, len(tx.s.rentals)+len(tx.rentals))
	for id, r := range tx.s.rentals {
		if _, staged := tx.rentals[id]; !staged {
			out = append(out, cloneRental(r))
		}
	}
	tx.s.mu.Unlock()
	for _, r := range tx.rentals {
		out = append(out, cloneRental(r))
	}
	return out
}

func (tx *memTx) GetMember(_ context.Context, id uuid.UUID) (*membership.Member, error) {
	m, ok := tx.member(id)
	if !ok {
		return nil, fmt.Errorf("member %s: %w", id, ErrNotFound)
	}
	return &m, nil
}

func (tx *memTx) LockMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	if err := tx.lock(ctx, memberKey(id)); err != nil {
		return nil, err
	}
	return tx.GetMember(ctx, id)
}

func (tx *memTx) InsertMember(ctx context.Context, m *membership.Member) error {
	if err := tx.lock(ctx, memberKey(m.ID)); err != nil {
		return err
	}
	if _, ok := tx.member(m.ID); ok {
		return fmt.Errorf("member %s: %w", m.ID, ErrDuplicate)
	}
	m.Version = 1
	tx.members[m.ID] = *m
	return nil
}

func (tx *memTx) LockSeat(ctx context.Context, id uuid.UUID) (*seating.Seat, error) {
	if err := tx.lock(ctx, seatKey(id)); err != nil {
		return nil, err
	}
	st, ok := tx.seat(id)
	if !ok {
		return nil, fmt.Errorf("seat %s: %w", id, ErrNotFound)
	}
	return &st, nil
}

func (tx *memTx) InsertSeat(ctx context.Context, st *seating.Seat) error {
	if err := tx.lock(ctx, "seat-number:"+st.SeatNumber); err != nil {
		return err
	}
	if err := tx.lock(ctx, seatKey(st.ID)); err != nil {
		return err
	}
	if _, ok := tx.seat(st.ID); ok {
		return fmt.Errorf("seat %s: %w", st.ID, ErrDuplicate)
	}
	if tx.seatNumberTaken(st.SeatNumber) {
		return fmt.Errorf("seat number %s: %w", st.SeatNumber, ErrDuplicate)
	}
	now := tx.s.now().UTC()
	st.Version = 1
	st.CreatedAt, st.UpdatedAt = now, now
	tx.seats[st.ID] = cloneSeat(*st)
	return nil
}

func (tx *memTx) seatNumberTaken(number string) bool {
	for _, st := range tx.seats {
		if st.SeatNumber == number {
			return true
		}
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for _, st := range tx.s.seats {
		if st.SeatNumber == number {
			return true
		}
	}
	return false
}

func (tx *memTx) SaveSeat(ctx context.Context, st *seating.Seat) error {
	if err := tx.lock(ctx, seatKey(st.ID)); err != nil {
		return err
	}
	cur, ok := tx.seat(st.ID)
	if !ok {
		return fmt.Errorf("seat %s: %w", st.ID, ErrNotFound)
	}
	if cur.Version != st.Version {
		return fmt.Errorf("seat %s version %d: %w", st.ID, st.Version, ErrConflict)
	}
	st.Version++
	st.UpdatedAt = tx.s.now().UTC()
	tx.seats[st.ID] = cloneSeat(*st)
	return nil
}

func (tx *memTx) LockItem(ctx context.Context, id uuid.UUID) (*circulation.Item, error) {
	if err := tx.lock(ctx, itemKey(id)); err != nil {
		return nil, err
	}
	it, ok := tx.item(id)
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return &it, nil
}

func (tx *memTx) InsertItem(ctx context.Context, it *circulation.Item) error {
	if err := tx.lock(ctx, "item-code:"+it.Code); err != nil {
		return err
	}
	if err := tx.lock(ctx, itemKey(it.ID)); err != nil {
		return err
	}
	if _, ok := tx.item(it.ID); ok {
		return fmt.Errorf("item %s: %w", it.ID, ErrDuplicate)
	}
	if tx.itemCodeTaken(it.Code) {
		return fmt.Errorf("item code %s: %w", it.Code, ErrDuplicate)
	}
	now := tx.s.now().UTC()
	it.Version = 1
	it.CreatedAt, it.UpdatedAt = now, now
	tx.items[it.ID] = *it
	return nil
}

func (tx *memTx) itemCodeTaken(code string) bool {
	for _, it := range tx.items {
		if it.Code == code {
			return true
		}
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for _, it := range tx.s.items {
		if it.Code == code {
			return true
		}
	}
	return false
}

func (tx *memTx) SaveItem(ctx context.Context, it *circulation.Item) error {
	if err := tx.lock(ctx, itemKey(it.ID)); err != nil {
		return err
	}
	cur, ok := tx.item(it.ID)
	if !ok {
		return fmt.Errorf("item %s: %w", it.ID, ErrNotFound)
	}
	if cur.Version != it.Version {
		return fmt.Errorf("item %s version %d: %w", it.ID, it.Version, ErrConflict)
	}
	it.Version++
	it.UpdatedAt = tx.s.now().UTC()
	tx.items[it.ID] = *it
	return nil
}

func (tx *memTx) LockRental(ctx context.Context, id uuid.UUID) (*circulation.Rental, error) {
	if err := tx.lock(ctx, rentalKey(id)); err != nil {
		return nil, err
	}
	r, ok := tx.rental(id)
	if !ok {
		return nil, fmt.Errorf("rental %s: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (tx *memTx) InsertRental(ctx context.Context, r *circulation.Rental) error {
	if err := tx.lock(ctx, rentalKey(r.ID)); err != nil {
		return err
	}
	if err := tx.lock(ctx, itemKey(r.ItemID)); err != nil {
		return err
	}
	if _, ok := tx.member(r.MemberID); !ok {
		return fmt.Errorf("member %s: %w", r.MemberID, ErrNotFound)
	}
	if _, ok := tx.item(r.ItemID); !ok {
		return fmt.Errorf("item %s: %w", r.ItemID, ErrNotFound)
	}
	if _, ok := tx.rental(r.ID); ok {
		return fmt.Errorf("rental %s: %w", r.ID, ErrDuplicate)
	}
	if r.Status.Open() {
		for _, other := range tx.allRentals() {
			if other.ItemID == r.ItemID && other.Status.Open() {
				return fmt.Errorf("item %s already lent by rental %s: %w", r.ItemID, other.ID, ErrConflict)
			}
		}
	}
	r.Version = 1
	tx.rentals[r.ID] = cloneRental(*r)
	return nil
}

func (tx *memTx) SaveRental(ctx context.Context, r *circulation.Rental) error {
	if err := tx.lock(ctx, rentalKey(r.ID)); err != nil {
		return err
	}
	cur, ok := tx.rental(r.ID)
	if !ok {
		return fmt.Errorf("rental %s: %w", r.ID, ErrNotFound)
	}
	if cur.Version != r.Version {
		return fmt.Errorf("rental %s version %d: %w", r.ID, r.Version, ErrConflict)
	}
	r.Version++
	tx.rentals[r.ID] = cloneRental(*r)
	return nil
}

func (tx *memTx) OpenRentalsByMember(_ context.Context, memberID uuid.UUID) ([]circulation.Rental, error) {
	f := circulation.RentalFilter{MemberID: &memberID, OnlyOpen: true}
	var out []circulation.Rental
	for _, r := range tx.allRentals() {
		if f.Match(&r) {
			out = append(out, r)
		}
	}
	sortRentals(out)
	return out, nil
}

func (tx *memTx) DueRentalIDs(_ context.Context, asOf time.Time, limit int) ([]uuid.UUID, error) {
	var due []circulation.Rental
	for _, r := range tx.allRentals() {
		if r.Status == circulation.RentalActive && r.DueAt.Before(asOf) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]uuid.UUID, len(due))
	for i := range due {
		ids[i] = due[i].ID
	}
	return ids, nil
}

func (tx *memTx) Append(_ context.Context, events ...journal.Event) error {
	if tx.staged == nil {
		tx.staged = make(map[uuid.UUID]int)
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for i := range events {
		id := events[i].AggregateID
		tx.staged[id]++
		events[i].Version = tx.s.versions[id] + tx.staged[id]
		tx.events = append(tx.events, events[i])
	}
	return nil
}

func cloneSeat(s seating.Seat) seating.Seat {
	if s.CurrentMemberID != nil {
		id := *s.CurrentMemberID
		s.CurrentMemberID = &id
	}
	return s
}

func cloneRental(r circulation.Rental) circulation.Rental {
	if r.ReturnedAt != nil {
		at := *r.ReturnedAt
		r.ReturnedAt = &at
	}
	return r
}

func sortRentals(rs []circulation.Rental) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CheckedOutAt.Equal(rs[j].CheckedOutAt) {
			return rs[i].CheckedOutAt.Before(rs[j].CheckedOutAt)
		}
		return rs[i].ID.String() < rs[j].ID.String()
	})
}
