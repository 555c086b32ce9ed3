package catalog

import (
	"errors"

	"github.com/google/uuid"

	"mancanexus/internal/seating"
)

// ErrInvalidInput is returned when a catalog request fails validation.
var ErrInvalidInput = errors.New("invalid catalog input")

// AddItemRequest describes one physical unit entering the catalog.
type AddItemRequest struct {
	Code      string `json:"code"`
	Title     string `json:"title"`
	Condition string `json:"condition,omitempty"`
	Location  string `json:"location,omitempty"`
}

// AddSeatRequest describes a seat entering service.
type AddSeatRequest struct {
	SeatNumber string       `json:"seat_number"`
	Type       seating.Type `json:"seat_type"`
	Remarks    string       `json:"remarks,omitempty"`
}

// SeatAddedEvent is recorded when a seat is created.
type SeatAddedEvent struct {
	SeatID     uuid.UUID    `json:"seat_id"`
	SeatNumber string       `json:"seat_number"`
	Type       seating.Type `json:"seat_type"`
}
