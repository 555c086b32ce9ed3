package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mancanexus/internal/circulation"
	"mancanexus/internal/journal"
	"mancanexus/internal/seating"
)

var errBrokerDown = errors.New("broker down")

type failingPublisher struct {
	calls atomic.Int32
}

func (p *failingPublisher) Publish(context.Context, ...journal.Event) error {
	p.calls.Add(1)
	return errBrokerDown
}

func TestPublishFailureKeepsCommittedChanges(t *testing.T) {
	pub := &failingPublisher{}
	e := newTestEnv(WithPublisher(pub))
	ctx := context.Background()
	seat := e.addSeat(t)
	member := e.addMember(t)
	item := e.addItem(t)

	got, err := e.svc.AssignSeat(ctx, seat, member)
	require.NoError(t, err)
	assert.Equal(t, seating.StatusOccupied, got.Status)

	rental, err := e.svc.Checkout(ctx, checkoutReq(member, item))
	require.NoError(t, err)

	stored, err := e.store.GetSeat(ctx, seat)
	require.NoError(t, err)
	assert.Equal(t, seating.StatusOccupied, stored.Status)
	assert.Equal(t, member, *stored.CurrentMemberID)

	it, err := e.store.GetItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, circulation.ItemRented, it.Status)

	seatHistory, err := e.svc.History(ctx, seat)
	require.NoError(t, err)
	require.Len(t, seatHistory, 1)
	assert.Equal(t, journal.SeatAssigned, seatHistory[0].EventType)

	rentalHistory, err := e.svc.History(ctx, rental.ID)
	require.NoError(t, err)
	require.Len(t, rentalHistory, 1)
	assert.Equal(t, journal.ItemCheckedOut, rentalHistory[0].EventType)

	assert.Equal(t, int32(2), pub.calls.Load())
}

func TestRejectedOperationsPublishNothing(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()
	seat := e.addSeat(t)
	_, err := e.svc.AssignSeat(ctx, seat, e.addMember(t))
	require.NoError(t, err)

	_, err = e.svc.AssignSeat(ctx, seat, e.addMember(t))
	require.ErrorIs(t, err, ErrNotAvailable)
	assert.Len(t, e.pub.Events(), 1)
}
