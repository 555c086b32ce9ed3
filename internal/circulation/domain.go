// internal/circulation/domain.go
package circulation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrItemUnavailable = errors.New("item not available")
	ErrLimitExceeded   = errors.New("active rental limit exceeded")
	ErrHasOverdue      = errors.New("member has overdue rentals")
	ErrAlreadyReturned = errors.New("rental already returned")
	ErrInvalidPeriod   = errors.New("rental period out of range")
	ErrInvalidStatus   = errors.New("invalid status")
	// ErrInvalidTransition guards the rental state machine.
	ErrInvalidTransition = errors.New("invalid rental transition")
)

// ItemStatus is the lending state of a physical item.
type ItemStatus string

const (
	ItemAvailable ItemStatus = "AVAILABLE"
	ItemRented    ItemStatus = "RENTED"
)

func (s ItemStatus) Valid() bool {
	return s == ItemAvailable || s == ItemRented
}

// Item is one physical lendable unit, e.g. volume 3 copy 1 of a series.
type Item struct {
	ID        uuid.UUID  `json:"id"`
	Code      string     `json:"code"`
	Title     string     `json:"title"`
	Status    ItemStatus `json:"status"`
	Condition string     `json:"condition,omitempty"`
	Location  string     `json:"location,omitempty"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RentalStatus is the lifecycle state of a rental.
type RentalStatus string

const (
	RentalActive   RentalStatus = "ACTIVE"
	RentalOverdue  RentalStatus = "OVERDUE"
	RentalReturned RentalStatus = "RETURNED"
)

func (s RentalStatus) Valid() bool {
	switch s {
	case RentalActive, RentalOverdue, RentalReturned:
		return true
	}
	return false
}

// Open reports whether the rental still holds its item.
func (s RentalStatus) Open() bool {
	return s == RentalActive || s == RentalOverdue
}

// ParseRentalStatus parses a rental status, case-insensitively.
func ParseRentalStatus(v string) (RentalStatus, error) {
	s := RentalStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}

var transitions = map[RentalStatus][]RentalStatus{
	RentalActive:  {RentalOverdue, RentalReturned},
	RentalOverdue: {RentalReturned},
}

// CanTransition reports whether a rental may move from one status to another.
func CanTransition(from, to RentalStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Rental records one checkout of an item by a member.
// ReturnedAt is set exactly when Status is RETURNED. DueAt never changes.
type Rental struct {
	ID           uuid.UUID    `json:"id"`
	MemberID     uuid.UUID    `json:"member_id"`
	ItemID       uuid.UUID    `json:"item_id"`
	CheckedOutAt time.Time    `json:"checked_out_at"`
	DueAt        time.Time    `json:"due_at"`
	ReturnedAt   *time.Time   `json:"returned_at,omitempty"`
	Status       RentalStatus `json:"status"`
	Remarks      string       `json:"remarks,omitempty"`
	Version      int          `json:"version"`
}

func (r *Rental) transition(to RentalStatus) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	return nil
}

// MarkOverdue moves an ACTIVE rental past its due time to OVERDUE.
// It reports whether the status changed.
func (r *Rental) MarkOverdue(now time.Time) bool {
	if r.Status != RentalActive || !now.After(r.DueAt) {
		return false
	}
	return r.transition(RentalOverdue) == nil
}

// IsOverdue reports whether the rental is unreturned and past due at now.
func IsOverdue(r *Rental, now time.Time) bool {
	return r.Status != RentalReturned && now.After(r.DueAt)
}

// RentalView is a rental snapshot with its derived overdue flag.
type RentalView struct {
	Rental
	Overdue bool `json:"is_overdue"`
}

// View returns the snapshot of r as observed at now.
func View(r *Rental, now time.Time) *RentalView {
	return &RentalView{Rental: *r, Overdue: IsOverdue(r, now)}
}

// RentalFilter selects rentals in listings. Zero fields match everything.
type RentalFilter struct {
	MemberID *uuid.UUID
	ItemID   *uuid.UUID
	Status   RentalStatus
	OnlyOpen bool
}

// Match reports whether r passes the filter.
func (f RentalFilter) Match(r *Rental) bool {
	if f.MemberID != nil && r.MemberID != *f.MemberID {
		return false
	}
	if f.ItemID != nil && r.ItemID != *f.ItemID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.OnlyOpen && !r.Status.Open() {
		return false
	}
	return true
}

// ItemCheckedOutEvent is recorded when an item is checked out.
type ItemCheckedOutEvent struct {
	RentalID     uuid.UUID `json:"rental_id"`
	MemberID     uuid.UUID `json:"member_id"`
	ItemID       uuid.UUID `json:"item_id"`
	CheckedOutAt time.Time `json:"checked_out_at"`
	DueAt        time.Time `json:"due_at"`
}

// ItemReturnedEvent is recorded when an item is returned.
type ItemReturnedEvent struct {
	RentalID   uuid.UUID `json:"rental_id"`
	MemberID   uuid.UUID `json:"member_id"`
	ItemID     uuid.UUID `json:"item_id"`
	ReturnedAt time.Time `json:"returned_at"`
	WasOverdue bool      `json:"was_overdue"`
}

// RentalOverdueEvent is recorded when a rental is promoted to OVERDUE.
type RentalOverdueEvent struct {
	RentalID uuid.UUID `json:"rental_id"`
	MemberID uuid.UUID `json:"member_id"`
	ItemID   uuid.UUID `json:"item_id"`
	DueAt    time.Time `json:"due_at"`
	MarkedAt time.Time `json:"marked_at"`
}

// ItemAddedEvent is recorded when a unit enters the catalog.
type ItemAddedEvent struct {
	ItemID uuid.UUID `json:"item_id"`
	Code   string    `json:"code"`
	Title  string    `json:"title"`
}
