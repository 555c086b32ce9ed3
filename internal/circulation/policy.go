package circulation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPeriodDays = 7
	DefaultMaxActive  = 3
	// MaxPeriodDays caps a requested rental period.
	MaxPeriodDays = 365
)

// Policy holds the lending rules. The zero value is not usable; use NewPolicy
// or fill both fields.
type Policy struct {
	PeriodDays int
	MaxActive  int
}

// NewPolicy returns the default lending rules.
func NewPolicy() Policy {
	return Policy{PeriodDays: DefaultPeriodDays, MaxActive: DefaultMaxActive}
}

// CheckoutRequest carries the caller's intent for a checkout.
// A nil PeriodDays selects the policy default.
type CheckoutRequest struct {
	MemberID   uuid.UUID `json:"member_id"`
	ItemID     uuid.UUID `json:"item_id"`
	PeriodDays *int      `json:"rental_days,omitempty"`
	Remarks    string    `json:"remarks,omitempty"`
}

// Checkout validates a checkout against the item and the member's existing
// loans and, on success, returns the new ACTIVE rental with the item marked
// RENTED. Checks run in a fixed order: availability, then the active-loan
// limit, then overdue loans. Loans are evaluated by stored status.
func (p Policy) Checkout(item *Item, loans []Rental, req CheckoutRequest, now time.Time) (*Rental, error) {
	if item.Status != ItemAvailable {
		return nil, fmt.Errorf("item %s: %w", item.Code, ErrItemUnavailable)
	}

	active := 0
	overdue := false
	for i := range loans {
		if loans[i].MemberID != req.MemberID {
			continue
		}
		switch loans[i].Status {
		case RentalActive:
			active++
		case RentalOverdue:
			overdue = true
		}
	}
	if active >= p.MaxActive {
		return nil, fmt.Errorf("member %s has %d of %d: %w", req.MemberID, active, p.MaxActive, ErrLimitExceeded)
	}
	if overdue {
		return nil, fmt.Errorf("member %s: %w", req.MemberID, ErrHasOverdue)
	}

	days := p.PeriodDays
	if req.PeriodDays != nil {
		days = *req.PeriodDays
	}
	if days <= 0 || days > MaxPeriodDays {
		return nil, fmt.Errorf("%d days, allowed 1 to %d: %w", days, MaxPeriodDays, ErrInvalidPeriod)
	}

	now = now.UTC()
	rental := &Rental{
		ID:           uuid.New(),
		MemberID:     req.MemberID,
		ItemID:       item.ID,
		CheckedOutAt: now,
		DueAt:        now.AddDate(0, 0, days),
		Status:       RentalActive,
		Remarks:      req.Remarks,
	}
	item.Status = ItemRented
	return rental, nil
}

// Return closes an open rental and puts its item back into circulation.
func (p Policy) Return(r *Rental, item *Item, now time.Time) error {
	if r.Status == RentalReturned {
		return fmt.Errorf("rental %s: %w", r.ID, ErrAlreadyReturned)
	}
	if err := r.transition(RentalReturned); err != nil {
		return err
	}
	at := now.UTC()
	r.ReturnedAt = &at
	item.Status = ItemAvailable
	return nil
}
