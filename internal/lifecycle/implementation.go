package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mancanexus/internal/circulation"
	"mancanexus/internal/events"
	"mancanexus/internal/journal"
	"mancanexus/internal/seating"
	"mancanexus/internal/store"
)

const defaultSweepBatch = 100

// Option configures the coordinator.
type Option func(*service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// WithPolicy replaces the default lending rules.
func WithPolicy(p circulation.Policy) Option {
	return func(s *service) { s.policy = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *service) { s.logger = l }
}

// WithPublisher sets where committed events are sent.
func WithPublisher(p events.Publisher) Option {
	return func(s *service) { s.publisher = p }
}

// WithRetry sets the conflict retry schedule.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(s *service) {
		if maxAttempts > 0 {
			s.retry.maxAttempts = maxAttempts
		}
		if baseDelay >= 0 {
			s.retry.baseDelay = baseDelay
		}
	}
}

// WithMeterProvider records the coordinator's counters on mp instead of the
// global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *service) { s.meterProvider = mp }
}

// WithSweepBatch sets how many rentals one sweep pass loads at a time.
func WithSweepBatch(n int) Option {
	return func(s *service) {
		if n > 0 {
			s.sweepBatch = n
		}
	}
}

// service implements the Service interface.
type service struct {
	store      store.Store
	policy     circulation.Policy
	now        func() time.Time
	publisher  events.Publisher
	logger     *zap.Logger
	retry      retryConfig
	sweepBatch int

	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	operations    metric.Int64Counter
	retries       metric.Int64Counter
	overdue       metric.Int64Counter
}

// NewService creates a coordinator over st.
func NewService(st store.Store, opts ...Option) Service {
	s := &service{
		store:         st,
		policy:        circulation.NewPolicy(),
		now:           time.Now,
		publisher:     events.Nop{},
		logger:        zap.NewNop(),
		retry:         defaultRetry(),
		sweepBatch:    defaultSweepBatch,
		tracer:        otel.Tracer("mancanexus/lifecycle"),
		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := s.meterProvider.Meter("mancanexus/lifecycle")
	s.operations, _ = meter.Int64Counter("lifecycle.operations",
		metric.WithDescription("Lifecycle operations by outcome"))
	s.retries, _ = meter.Int64Counter("lifecycle.conflict_retries",
		metric.WithDescription("Transactions retried after a concurrency conflict"))
	s.overdue, _ = meter.Int64Counter("lifecycle.overdue_marked",
		metric.WithDescription("Rentals promoted to OVERDUE"))
	return s
}

type txFunc func(ctx context.Context, tx store.Tx) ([]journal.Event, error)

// execute runs fn in a retried transaction, appends the events it returns,
// and publishes them once committed.
func (s *service) execute(ctx context.Context, op string, attrs []attribute.KeyValue, fn txFunc) error {
	ctx, span := s.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(attrs...))
	defer span.End()

	var committed []journal.Event
	err := retryOnConflict(ctx, s.retry, func(ctx context.Context) error {
		committed = nil
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			evs, err := fn(ctx, tx)
			if err != nil {
				return err
			}
			if len(evs) > 0 {
				if err := tx.Append(ctx, evs...); err != nil {
					return err
				}
			}
			committed = evs
			return nil
		})
	}, func(attempt int, err error) {
		s.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		s.logger.Debug("retrying after conflict", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	})

	result := outcome(err)
	span.SetAttributes(attribute.String("outcome", result))
	s.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", result),
	))

	if err != nil {
		if result == "rejected" {
			s.logger.Info("operation rejected", zap.String("op", op), zap.Error(err))
			return err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		s.logger.Error("operation failed", zap.String("op", op), zap.Error(err))
		return &StoreError{Op: op, Err: err}
	}

	s.publish(ctx, op, committed)
	return nil
}

func (s *service) publish(ctx context.Context, op string, evs []journal.Event) {
	if len(evs) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, evs...); err != nil {
		s.logger.Warn("publish failed", zap.String("op", op), zap.Int("events", len(evs)), zap.Error(err))
	}
}

// AssignSeat gives an AVAILABLE seat to a member.
func (s *service) AssignSeat(ctx context.Context, seatID, memberID uuid.UUID) (*seating.Seat, error) {
	var out *seating.Seat
	attrs := []attribute.KeyValue{
		attribute.String("seat.id", seatID.String()),
		attribute.String("member.id", memberID.String()),
	}
	err := s.execute(ctx, "assign_seat", attrs, func(ctx context.Context, tx store.Tx) ([]journal.Event, error) {
		seat, err := tx.LockSeat(ctx, seatID)
		if err != nil {
			return nil, err
		}
		if _, err := tx.GetMember(ctx, memberID); err != nil {
			return nil, err
		}
		if err := seat.Assign(memberID); err != nil {
			return nil, err
		}
		if err := tx.SaveSeat(ctx, seat); err != nil {
			return nil, err
		}
		out = seat

		ev, err := journal.New(seat.ID, journal.AggregateSeat, journal.SeatAssigned, seating.SeatAssignedEvent{
			SeatID:     seat.ID,
			SeatNumber: seat.SeatNumber,
			MemberID:   memberID,
			AssignedAt: s.now().UTC(),
		}, s.now())
		if err != nil {
			return nil, err
		}
		return []journal.Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("seat assigned", zap.String("seat_id", seatID.String()), zap.String("member_id", memberID.String()))
	return out, nil
}

// ReleaseSeat frees a seat whatever its current state.
func (s *service) ReleaseSeat(ctx context.Context, seatID uuid.UUID) (*seating.Seat, error) {
	var out *seating.Seat
	attrs := []attribute.KeyValue{attribute.String("seat.id", seatID.String())}
	err := s.execute(ctx, "release_seat", attrs, func(ctx context.Context, tx store.Tx) ([]journal.Event, error) {
		seat, err := tx.LockSeat(ctx, seatID)
		if err != nil {
			return nil, err
		}
		previous := seat.CurrentMemberID
		seat.Release()
		if err := tx.SaveSeat(ctx, seat); err != nil {
			return nil, err
		}
		out = seat

		ev, err := journal.New(seat.ID, journal.AggregateSeat, journal.SeatReleased, seating.SeatReleasedEvent{
			SeatID:     seat.ID,
			SeatNumber: seat.SeatNumber,
			MemberID:   previous,
			ReleasedAt: s.now().UTC(),
		}, s.now())
		if err != nil {
			return nil, err
		}
		return []journal.Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("seat released", zap.String("seat_id", seatID.String()))
	return out, nil
}

// Checkout lends an item to a member. The member lock is held from counting
// the member's loans until the new rental is committed, so concurrent
// checkouts by one member are decided one at a time.
func (s *service) Checkout(ctx context.Context, req circulation.CheckoutRequest) (*circulation.RentalView, error) {
	var out *circulation.Rental
	var now time.Time
	attrs := []attribute.KeyValue{
		attribute.String("member.id", req.MemberID.String()),
		attribute.String("item.id", req.ItemID.String()),
	}
	err := s.execute(ctx, "checkout", attrs, func(ctx context.Context, tx store.Tx) ([]journal.Event, error) {
		now = s.now()
		if _, err := tx.LockMember(ctx, req.MemberID); err != nil {
			return nil, err
		}
		loans, err := tx.OpenRentalsByMember(ctx, req.MemberID)
		if err != nil {
			return nil, err
		}
		// Loans past due count as overdue even before the sweeper has
		// stored their OVERDUE status.
		for i := range loans {
			loans[i].MarkOverdue(now)
		}

		item, err := tx.LockItem(ctx, req.ItemID)
		if err != nil {
			return nil, err
		}
		rental, err := s.policy.Checkout(item, loans, req, now)
		if err != nil {
			return nil, err
		}
		if err := tx.InsertRental(ctx, rental); err != nil {
			return nil, err
		}
		if err := tx.SaveItem(ctx, item); err != nil {
			return nil, err
		}
		out = rental

		ev, err := journal.New(rental.ID, journal.AggregateRental, journal.ItemCheckedOut, circulation.ItemCheckedOutEvent{
			RentalID:     rental.ID,
			MemberID:     rental.MemberID,
			ItemID:       rental.ItemID,
			CheckedOutAt: rental.CheckedOutAt,
			DueAt:        rental.DueAt,
		}, now)
		if err != nil {
			return nil, err
		}
		return []journal.Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("item checked out",
		zap.String("rental_id", out.ID.String()),
		zap.String("member_id", out.MemberID.String()),
		zap.String("item_id", out.ItemID.String()),
		zap.Time("due_at", out.DueAt),
	)
	return circulation.View(out, now), nil
}

// ReturnItem closes a rental and makes its item available again.
func (s *service) ReturnItem(ctx context.Context, rentalID uuid.UUID) (*circulation.RentalView, error) {
	var out *circulation.Rental
	var now time.Time
	attrs := []attribute.KeyValue{attribute.String("rental.id", rentalID.String())}
	err := s.execute(ctx, "return_item", attrs, func(ctx context.Context, tx store.Tx) ([]journal.Event, error) {
		now = s.now()
		rental, err := tx.LockRental(ctx, rentalID)
		if err != nil {
			return nil, err
		}
		if rental.Status == circulation.RentalReturned {
			return nil, fmt.Errorf("rental %s: %w", rental.ID, circulation.ErrAlreadyReturned)
		}
		item, err := tx.LockItem(ctx, rental.ItemID)
		if err != nil {
			return nil, err
		}
		wasOverdue := circulation.IsOverdue(rental, now)
		if err := s.policy.Return(rental, item, now); err != nil {
			return nil, err
		}
		if err := tx.SaveRental(ctx, rental); err != nil {
			return nil, err
		}
		if err := tx.SaveItem(ctx, item); err != nil {
			return nil, err
		}
		out = rental

		ev, err := journal.New(rental.ID, journal.AggregateRental, journal.ItemReturned, circulation.ItemReturnedEvent{
			RentalID:   rental.ID,
			MemberID:   rental.MemberID,
			ItemID:     rental.ItemID,
			ReturnedAt: *rental.ReturnedAt,
			WasOverdue: wasOverdue,
		}, now)
		if err != nil {
			return nil, err
		}
		return []journal.Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("item returned", zap.String("rental_id", rentalID.String()))
	return circulation.View(out, now), nil
}

func (s *service) GetSeat(ctx context.Context, id uuid.UUID) (*seating.Seat, error) {
	seat, err := s.store.GetSeat(ctx, id)
	if err != nil {
		return nil, s.readErr("get_seat", err)
	}
	return seat, nil
}

func (s *service) ListSeats(ctx context.Context, f seating.Filter) ([]seating.Seat, error) {
	seats, err := s.store.ListSeats(ctx, f)
	if err != nil {
		return nil, s.readErr("list_seats", err)
	}
	return seats, nil
}

func (s *service) GetRental(ctx context.Context, id uuid.UUID) (*circulation.RentalView, error) {
	r, err := s.store.GetRental(ctx, id)
	if err != nil {
		return nil, s.readErr("get_rental", err)
	}
	return circulation.View(r, s.now()), nil
}

func (s *service) ListRentals(ctx context.Context, f circulation.RentalFilter) ([]circulation.RentalView, error) {
	rentals, err := s.store.ListRentals(ctx, f)
	if err != nil {
		return nil, s.readErr("list_rentals", err)
	}
	now := s.now()
	out := make([]circulation.RentalView, len(rentals))
	for i := range rentals {
		out[i] = *circulation.View(&rentals[i], now)
	}
	return out, nil
}

// History returns the journal of one seat, item, rental or member.
func (s *service) History(ctx context.Context, aggregateID uuid.UUID) ([]journal.Event, error) {
	evs, err := s.store.Events(ctx, aggregateID)
	if err != nil {
		return nil, s.readErr("history", err)
	}
	return evs, nil
}

func (s *service) readErr(op string, err error) error {
	if IsBusiness(err) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
