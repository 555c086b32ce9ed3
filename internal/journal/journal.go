// Package journal defines the lifecycle event log written alongside every
// state change. Events are appended in the same transaction as the entities
// they describe and carry a per-aggregate version.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyEventType is returned by New when no event type is given.
var ErrEmptyEventType = errors.New("event type is required")

// Aggregate types.
const (
	AggregateSeat   = "seat"
	AggregateItem   = "item"
	AggregateRental = "rental"
	AggregateMember = "member"
)

// Event types.
const (
	SeatAdded              = "SeatAdded"
	SeatAssigned           = "SeatAssigned"
	SeatReleased           = "SeatReleased"
	SeatMaintenanceChanged = "SeatMaintenanceChanged"
	ItemAdded              = "ItemAdded"
	ItemCheckedOut         = "ItemCheckedOut"
	ItemReturned           = "ItemReturned"
	RentalOverdue          = "RentalOverdue"
	MemberRegistered       = "MemberRegistered"
)

// Event is one entry in the journal. ID and Version are assigned by the store
// on append.
type Event struct {
	ID            int64           `json:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// New builds an event with data marshalled to JSON.
func New(aggregateID uuid.UUID, aggregateType, eventType string, data any, at time.Time) (Event, error) {
	if eventType == "" {
		return Event{}, ErrEmptyEventType
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return Event{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     raw,
		CreatedAt:     at.UTC(),
	}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.EventData, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.EventType, err)
	}
	return nil
}
