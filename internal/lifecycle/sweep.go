package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"mancanexus/internal/circulation"
	"mancanexus/internal/journal"
	"mancanexus/internal/store"
)

// SweepOverdue promotes past-due rentals batch by batch. Each rental is
// changed in its own transaction under its rental lock, so a return racing
// the sweep either lands first and the rental is skipped, or lands after
// and closes an OVERDUE rental.
func (s *service) SweepOverdue(ctx context.Context) (int, error) {
	asOf := s.now()
	marked := 0
	for {
		ids, err := s.dueRentals(ctx, asOf)
		if err != nil {
			return marked, err
		}
		progressed := 0
		for _, id := range ids {
			changed, err := s.markOverdue(ctx, id)
			if err != nil {
				return marked, err
			}
			if changed {
				marked++
				progressed++
			}
		}
		if len(ids) < s.sweepBatch || progressed == 0 {
			break
		}
	}
	if marked > 0 {
		s.logger.Info("overdue sweep", zap.Int("marked", marked), zap.Time("as_of", asOf))
	}
	return marked, nil
}

func (s *service) dueRentals(ctx context.Context, asOf time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ids, err = tx.DueRentalIDs(ctx, asOf, s.sweepBatch)
		return err
	})
	if err != nil {
		return nil, s.readErr("sweep_overdue", err)
	}
	return ids, nil
}

func (s *service) markOverdue(ctx context.Context, rentalID uuid.UUID) (bool, error) {
	changed := false
	attrs := []attribute.KeyValue{attribute.String("rental.id", rentalID.String())}
	err := s.execute(ctx, "mark_overdue", attrs, func(ctx context.Context, tx store.Tx) ([]journal.Event, error) {
		changed = false
		now := s.now()
		rental, err := tx.LockRental(ctx, rentalID)
		if err != nil {
			return nil, err
		}
		if !rental.MarkOverdue(now) {
			return nil, nil
		}
		if err := tx.SaveRental(ctx, rental); err != nil {
			return nil, err
		}
		changed = true

		ev, err := journal.New(rental.ID, journal.AggregateRental, journal.RentalOverdue, circulation.RentalOverdueEvent{
			RentalID: rental.ID,
			MemberID: rental.MemberID,
			ItemID:   rental.ItemID,
			DueAt:    rental.DueAt,
			MarkedAt: now.UTC(),
		}, now)
		if err != nil {
			return nil, err
		}
		return []journal.Event{ev}, nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.overdue.Add(ctx, 1)
	}
	return changed, nil
}
