package catalog

import (
	"context"

	"github.com/google/uuid"

	"mancanexus/internal/circulation"
	"mancanexus/internal/seating"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddItem(ctx context.Context, req AddItemRequest) (*circulation.Item, error)
	GetItem(ctx context.Context, id uuid.UUID) (*circulation.Item, error)
	AddSeat(ctx context.Context, req AddSeatRequest) (*seating.Seat, error)
	// SetSeatMaintenance takes a seat out of service or puts it back.
	// An occupied seat must be released first.
	SetSeatMaintenance(ctx context.Context, id uuid.UUID, on bool) (*seating.Seat, error)
}
