package journal

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Message string `json:"message"`
}

func TestNew(t *testing.T) {
	id := uuid.New()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("KST", 9*3600))

	e, err := New(id, AggregateSeat, SeatAssigned, testPayload{Message: "hi"}, at)
	require.NoError(t, err)

	assert.Equal(t, id, e.AggregateID)
	assert.Equal(t, AggregateSeat, e.AggregateType)
	assert.Equal(t, time.UTC, e.CreatedAt.Location())
	assert.JSONEq(t, `{"message":"hi"}`, string(e.EventData))

	var got testPayload
	require.NoError(t, e.Decode(&got))
	assert.Equal(t, "hi", got.Message)
}

func TestNew_RejectsBadInput(t *testing.T) {
	_, err := New(uuid.New(), AggregateSeat, "", nil, time.Now())
	assert.ErrorIs(t, err, ErrEmptyEventType)

	_, err = New(uuid.New(), AggregateSeat, SeatAssigned, make(chan int), time.Now())
	assert.Error(t, err)
}
