// Package store is the transactional entity store behind the lifecycle
// engine. A Tx holds per-entity locks until it commits or rolls back, and
// every save is checked against the entity's version.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"mancanexus/internal/circulation"
	"mancanexus/internal/journal"
	"mancanexus/internal/membership"
	"mancanexus/internal/seating"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a save loses a race: a stale version, a
	// serialization failure, a deadlock, or a second open rental for an item.
	// It is safe to retry the whole transaction.
	ErrConflict = errors.New("concurrency conflict")
	// ErrDuplicate is returned when a unique business key is already taken.
	ErrDuplicate = errors.New("duplicate key")
)

// Store is the entity store. Reads outside a transaction return committed
// snapshots and take no locks.
type Store interface {
	// WithTx runs fn in one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise, or when ctx ends first.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error)
	GetSeat(ctx context.Context, id uuid.UUID) (*seating.Seat, error)
	ListSeats(ctx context.Context, f seating.Filter) ([]seating.Seat, error)
	GetItem(ctx context.Context, id uuid.UUID) (*circulation.Item, error)
	GetRental(ctx context.Context, id uuid.UUID) (*circulation.Rental, error)
	ListRentals(ctx context.Context, f circulation.RentalFilter) ([]circulation.Rental, error)
	Events(ctx context.Context, aggregateID uuid.UUID) ([]journal.Event, error)

	Close() error
}

// Tx is a store transaction. Lock* calls block until the entity lock is
// acquired or ctx ends, and return a private copy of the entity. Callers
// must lock in the order member, rental, item. Seats are locked alone.
type Tx interface {
	GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error)
	// LockMember serializes all lending decisions for one member.
	LockMember(ctx context.Context, id uuid.UUID) (*membership.Member, error)
	InsertMember(ctx context.Context, m *membership.Member) error

	LockSeat(ctx context.Context, id uuid.UUID) (*seating.Seat, error)
	InsertSeat(ctx context.Context, s *seating.Seat) error
	SaveSeat(ctx context.Context, s *seating.Seat) error

	LockItem(ctx context.Context, id uuid.UUID) (*circulation.Item, error)
	InsertItem(ctx context.Context, it *circulation.Item) error
	SaveItem(ctx context.Context, it *circulation.Item) error

	LockRental(ctx context.Context, id uuid.UUID) (*circulation.Rental, error)
	InsertRental(ctx context.Context, r *circulation.Rental) error
	SaveRental(ctx context.Context, r *circulation.Rental) error
	// OpenRentalsByMember returns the member's ACTIVE and OVERDUE rentals,
	// oldest first. It takes no locks.
	OpenRentalsByMember(ctx context.Context, memberID uuid.UUID) ([]circulation.Rental, error)
	// DueRentalIDs returns up to limit ACTIVE rentals due before asOf.
	DueRentalIDs(ctx context.Context, asOf time.Time, limit int) ([]uuid.UUID, error)

	// Append adds events to the journal and fills in their per-aggregate
	// versions.
	Append(ctx context.Context, events ...journal.Event) error
}

// Open returns a Postgres store for dsn, or a fresh in-memory store when dsn
// is empty.
func Open(ctx context.Context, dsn string) (Store, error) {
	if dsn == "" {
		return NewMemStore(), nil
	}
	pg, err := OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return pg, nil
}
