// internal/seating/domain.go
package seating

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotAvailable is returned when a seat is occupied or under maintenance.
	ErrNotAvailable = errors.New("seat not available")
	// ErrOccupied is returned when an occupied seat is taken out of service.
	ErrOccupied = errors.New("seat is occupied")
	// ErrInvalidType is returned for an unknown seat type.
	ErrInvalidType = errors.New("invalid seat type")
	// ErrInvalidStatus is returned for an unknown seat status.
	ErrInvalidStatus = errors.New("invalid seat status")
)

// Status is the occupancy state of a seat.
type Status string

const (
	StatusAvailable   Status = "AVAILABLE"
	StatusOccupied    Status = "OCCUPIED"
	StatusMaintenance Status = "MAINTENANCE"
)

// Valid reports whether s is a known seat status.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusOccupied, StatusMaintenance:
		return true
	}
	return false
}

// ParseStatus parses a seat status, case-insensitively.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}

// Type is the kind of seat.
type Type string

const (
	TypeRegular Type = "REGULAR"
	TypePremium Type = "PREMIUM"
	TypeCouple  Type = "COUPLE"
	TypeRoom    Type = "ROOM"
)

func (t Type) Valid() bool {
	switch t {
	case TypeRegular, TypePremium, TypeCouple, TypeRoom:
		return true
	}
	return false
}

// ParseType parses a seat type, case-insensitively.
func ParseType(v string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(v)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, v)
	}
	return t, nil
}

// Seat is a physical place a member can occupy.
// CurrentMemberID is non-nil exactly when Status is OCCUPIED.
type Seat struct {
	ID              uuid.UUID  `json:"id"`
	SeatNumber      string     `json:"seat_number"`
	Type            Type       `json:"seat_type"`
	Status          Status     `json:"status"`
	CurrentMemberID *uuid.UUID `json:"current_member_id,omitempty"`
	Remarks         string     `json:"remarks,omitempty"`
	Version         int        `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// New returns an available seat.
func New(number string, t Type, remarks string) (*Seat, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	if strings.TrimSpace(number) == "" {
		return nil, errors.New("seat number is required")
	}
	return &Seat{
		ID:         uuid.New(),
		SeatNumber: number,
		Type:       t,
		Status:     StatusAvailable,
		Remarks:    remarks,
	}, nil
}

// Assign gives the seat to memberID. Only an AVAILABLE seat can be assigned.
func (s *Seat) Assign(memberID uuid.UUID) error {
	if s.Status != StatusAvailable {
		return fmt.Errorf("seat %s is %s: %w", s.SeatNumber, s.Status, ErrNotAvailable)
	}
	id := memberID
	s.CurrentMemberID = &id
	s.Status = StatusOccupied
	return nil
}

// Release frees the seat. It succeeds from any state, so a seat under
// maintenance is also returned to service.
func (s *Seat) Release() {
	s.CurrentMemberID = nil
	s.Status = StatusAvailable
}

// SetMaintenance takes the seat out of service or puts it back.
func (s *Seat) SetMaintenance(on bool) error {
	if !on {
		if s.Status == StatusMaintenance {
			s.Status = StatusAvailable
		}
		return nil
	}
	if s.Status == StatusOccupied {
		return fmt.Errorf("seat %s: %w", s.SeatNumber, ErrOccupied)
	}
	s.Status = StatusMaintenance
	return nil
}

// Consistent reports whether occupancy and status agree.
func (s *Seat) Consistent() bool {
	return (s.Status == StatusOccupied) == (s.CurrentMemberID != nil)
}

// Filter selects seats in listings. Zero fields match everything.
type Filter struct {
	Status Status
	Type   Type
}

// Match reports whether s passes the filter.
func (f Filter) Match(s *Seat) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Type != "" && s.Type != f.Type {
		return false
	}
	return true
}

// SeatAssignedEvent is recorded when a member takes a seat.
type SeatAssignedEvent struct {
	SeatID     uuid.UUID `json:"seat_id"`
	SeatNumber string    `json:"seat_number"`
	MemberID   uuid.UUID `json:"member_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// SeatReleasedEvent is recorded when a seat is freed.
type SeatReleasedEvent struct {
	SeatID     uuid.UUID  `json:"seat_id"`
	SeatNumber string     `json:"seat_number"`
	MemberID   *uuid.UUID `json:"member_id,omitempty"`
	ReleasedAt time.Time  `json:"released_at"`
}

// SeatMaintenanceChangedEvent is recorded when a seat leaves or re-enters service.
type SeatMaintenanceChangedEvent struct {
	SeatID      uuid.UUID `json:"seat_id"`
	Maintenance bool      `json:"maintenance"`
}
