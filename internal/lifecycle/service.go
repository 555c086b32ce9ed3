// Package lifecycle coordinates seat and lending operations. Every mutating
// call runs as one store transaction: load and lock, apply one transition,
// persist the entities and their journal events, commit.
package lifecycle

import (
	"context"

	"github.com/google/uuid"

	"mancanexus/internal/circulation"
	"mancanexus/internal/journal"
	"mancanexus/internal/seating"
)

// Service defines the interface for the lifecycle coordinator.
type Service interface {
	AssignSeat(ctx context.Context, seatID, memberID uuid.UUID) (*seating.Seat, error)
	ReleaseSeat(ctx context.Context, seatID uuid.UUID) (*seating.Seat, error)
	Checkout(ctx context.Context, req circulation.CheckoutRequest) (*circulation.RentalView, error)
	ReturnItem(ctx context.Context, rentalID uuid.UUID) (*circulation.RentalView, error)
	// SweepOverdue marks every ACTIVE rental past due as OVERDUE and returns
	// how many were changed.
	SweepOverdue(ctx context.Context) (int, error)

	GetSeat(ctx context.Context, id uuid.UUID) (*seating.Seat, error)
	ListSeats(ctx context.Context, f seating.Filter) ([]seating.Seat, error)
	GetRental(ctx context.Context, id uuid.UUID) (*circulation.RentalView, error)
	ListRentals(ctx context.Context, f circulation.RentalFilter) ([]circulation.RentalView, error)
	History(ctx context.Context, aggregateID uuid.UUID) ([]journal.Event, error)
}
