package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"mancanexus/internal/circulation"
	"mancanexus/internal/seating"
	"mancanexus/internal/store"
)

// Business failures. Callers match them with errors.Is.
var (
	ErrNotFound        = store.ErrNotFound
	ErrNotAvailable    = seating.ErrNotAvailable
	ErrOccupied        = seating.ErrOccupied
	ErrItemUnavailable = circulation.ErrItemUnavailable
	ErrLimitExceeded   = circulation.ErrLimitExceeded
	ErrHasOverdue      = circulation.ErrHasOverdue
	ErrAlreadyReturned = circulation.ErrAlreadyReturned
	ErrInvalidPeriod   = circulation.ErrInvalidPeriod
)

var businessErrors = []error{
	ErrNotFound,
	ErrNotAvailable,
	ErrOccupied,
	ErrItemUnavailable,
	ErrLimitExceeded,
	ErrHasOverdue,
	ErrAlreadyReturned,
	ErrInvalidPeriod,
	circulation.ErrInvalidTransition,
}

// StoreError reports that an operation could not reach a decision because
// the store failed, the context ended, or conflicts outlasted the retries.
// Nothing was changed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: store failure: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsBusiness reports whether err is a business rule rejection.
func IsBusiness(err error) bool {
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// outcome labels an operation result for metrics and logs.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsBusiness(err):
		return "rejected"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "store_error"
	}
}
