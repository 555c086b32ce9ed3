package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mancanexus/internal/circulation"
	"mancanexus/internal/journal"
	"mancanexus/internal/seating"
	"mancanexus/internal/store"
)

// service implements the Service interface.
type service struct {
	store  store.Store
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewService creates a new catalog service instance.
func NewService(st store.Store, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		store:  st,
		logger: logger,
		tracer: otel.Tracer("mancanexus/catalog"),
		now:    time.Now,
	}
}

// AddItem registers a physical unit as AVAILABLE.
func (s *service) AddItem(ctx context.Context, req AddItemRequest) (*circulation.Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_item", trace.WithAttributes(attribute.String("item.code", req.Code)))
	defer span.End()

	code := strings.TrimSpace(req.Code)
	title := strings.TrimSpace(req.Title)
	if code == "" || title == "" {
		return nil, fmt.Errorf("%w: code and title are required", ErrInvalidInput)
	}

	item := &circulation.Item{
		ID:        uuid.New(),
		Code:      code,
		Title:     title,
		Status:    circulation.ItemAvailable,
		Condition: req.Condition,
		Location:  req.Location,
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertItem(ctx, item); err != nil {
			return err
		}
		ev, err := journal.New(item.ID, journal.AggregateItem, journal.ItemAdded, circulation.ItemAddedEvent{
			ItemID: item.ID,
			Code:   item.Code,
			Title:  item.Title,
		}, s.now())
		if err != nil {
			return err
		}
		return tx.Append(ctx, ev)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to add item: %w", err)
	}

	s.logger.Info("item added", zap.String("item_id", item.ID.String()), zap.String("code", item.Code))
	return item, nil
}

// GetItem retrieves an item by ID.
func (s *service) GetItem(ctx context.Context, id uuid.UUID) (*circulation.Item, error) {
	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

// AddSeat registers a seat as AVAILABLE.
func (s *service) AddSeat(ctx context.Context, req AddSeatRequest) (*seating.Seat, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_seat", trace.WithAttributes(attribute.String("seat.number", req.SeatNumber)))
	defer span.End()

	if req.Type == "" {
		req.Type = seating.TypeRegular
	}
	seat, err := seating.New(strings.TrimSpace(req.SeatNumber), req.Type, req.Remarks)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertSeat(ctx, seat); err != nil {
			return err
		}
		ev, err := journal.New(seat.ID, journal.AggregateSeat, journal.SeatAdded, SeatAddedEvent{
			SeatID:     seat.ID,
			SeatNumber: seat.SeatNumber,
			Type:       seat.Type,
		}, s.now())
		if err != nil {
			return err
		}
		return tx.Append(ctx, ev)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to add seat: %w", err)
	}

	s.logger.Info("seat added", zap.String("seat_id", seat.ID.String()), zap.String("seat_number", seat.SeatNumber))
	return seat, nil
}

func (s *service) SetSeatMaintenance(ctx context.Context, id uuid.UUID, on bool) (*seating.Seat, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.set_seat_maintenance", trace.WithAttributes(
		attribute.String("seat.id", id.String()),
		attribute.Bool("maintenance", on),
	))
	defer span.End()

	var out *seating.Seat
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		seat, err := tx.LockSeat(ctx, id)
		if err != nil {
			return err
		}
		if err := seat.SetMaintenance(on); err != nil {
			return err
		}
		if err := tx.SaveSeat(ctx, seat); err != nil {
			return err
		}
		out = seat
		ev, err := journal.New(seat.ID, journal.AggregateSeat, journal.SeatMaintenanceChanged, seating.SeatMaintenanceChangedEvent{
			SeatID:      seat.ID,
			Maintenance: on,
		}, s.now())
		if err != nil {
			return err
		}
		return tx.Append(ctx, ev)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to set maintenance: %w", err)
	}

	s.logger.Info("seat maintenance changed", zap.String("seat_id", id.String()), zap.Bool("maintenance", on))
	return out, nil
}
