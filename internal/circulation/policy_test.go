package circulation

import (
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func availableItem() *Item {
	return &Item{ID: uuid.New(), Code: "MH-001-001", Title: "Volume 1", Status: ItemAvailable}
}

func loan(member uuid.UUID, status RentalStatus) Rental {
	return Rental{ID: uuid.New(), MemberID: member, ItemID: uuid.New(), Status: status, DueAt: t0}
}

func TestCheckout_Success_WithDefaultPeriod(t *testing.T) {
	// arrange
	p := NewPolicy()
	item := availableItem()
	member := uuid.New()

	// act
	r, err := p.Checkout(item, nil, CheckoutRequest{MemberID: member, ItemID: item.ID, Remarks: "bag"}, t0)

	// assert
	require.NoError(t, err)
	assert.Equal(t, RentalActive, r.Status)
	assert.Equal(t, t0, r.CheckedOutAt)
	assert.Equal(t, t0.AddDate(0, 0, 7), r.DueAt)
	assert.Nil(t, r.ReturnedAt)
	assert.Equal(t, "bag", r.Remarks)
	assert.Equal(t, ItemRented, item.Status)
}

func TestCheckout_Success_WithRequestedPeriod(t *testing.T) {
	p := NewPolicy()
	item := availableItem()
	days := 2

	r, err := p.Checkout(item, nil, CheckoutRequest{MemberID: uuid.New(), ItemID: item.ID, PeriodDays: &days}, t0)

	require.NoError(t, err)
	assert.Equal(t, t0.AddDate(0, 0, 2), r.DueAt)
}

func TestCheckout_Failure_WhenPeriodOutOfRange(t *testing.T) {
	for _, days := range []int{0, -1, MaxPeriodDays + 1, math.MaxInt32} {
		t.Run(strconv.Itoa(days), func(t *testing.T) {
			p := NewPolicy()
			item := availableItem()

			_, err := p.Checkout(item, nil, CheckoutRequest{MemberID: uuid.New(), ItemID: item.ID, PeriodDays: &days}, t0)

			assert.ErrorIs(t, err, ErrInvalidPeriod)
			assert.Equal(t, ItemAvailable, item.Status)
		})
	}
}

func TestCheckout_Success_WithLongestPeriod(t *testing.T) {
	p := NewPolicy()
	item := availableItem()
	days := MaxPeriodDays

	r, err := p.Checkout(item, nil, CheckoutRequest{MemberID: uuid.New(), ItemID: item.ID, PeriodDays: &days}, t0)

	require.NoError(t, err)
	assert.Equal(t, t0.AddDate(0, 0, MaxPeriodDays), r.DueAt)
}

func TestCheckout_Failure_WhenItemRented(t *testing.T) {
	p := NewPolicy()
	item := availableItem()
	item.Status = ItemRented

	_, err := p.Checkout(item, nil, CheckoutRequest{MemberID: uuid.New(), ItemID: item.ID}, t0)

	assert.ErrorIs(t, err, ErrItemUnavailable)
}

func TestCheckout_Failure_WhenLimitReached(t *testing.T) {
	p := NewPolicy()
	member := uuid.New()
	loans := []Rental{loan(member, RentalActive), loan(member, RentalActive), loan(member, RentalActive)}
	item := availableItem()

	_, err := p.Checkout(item, loans, CheckoutRequest{MemberID: member, ItemID: item.ID}, t0)

	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, ItemAvailable, item.Status)
}

func TestCheckout_LimitIsCheckedBeforeOverdue(t *testing.T) {
	p := NewPolicy()
	member := uuid.New()
	loans := []Rental{
		loan(member, RentalActive), loan(member, RentalActive), loan(member, RentalActive),
		loan(member, RentalOverdue),
	}

	_, err := p.Checkout(availableItem(), loans, CheckoutRequest{MemberID: member}, t0)

	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestCheckout_Failure_WhenMemberHasOverdue(t *testing.T) {
	p := NewPolicy()
	member := uuid.New()
	loans := []Rental{loan(member, RentalOverdue)}

	_, err := p.Checkout(availableItem(), loans, CheckoutRequest{MemberID: member}, t0)

	assert.ErrorIs(t, err, ErrHasOverdue)
}

func TestCheckout_IgnoresReturnedAndForeignLoans(t *testing.T) {
	p := NewPolicy()
	member := uuid.New()
	other := uuid.New()
	loans := []Rental{
		loan(member, RentalReturned), loan(member, RentalReturned), loan(member, RentalReturned),
		loan(other, RentalOverdue), loan(other, RentalActive),
	}

	_, err := p.Checkout(availableItem(), loans, CheckoutRequest{MemberID: member}, t0)

	assert.NoError(t, err)
}

func TestReturn(t *testing.T) {
	p := NewPolicy()
	item := availableItem()
	r, err := p.Checkout(item, nil, CheckoutRequest{MemberID: uuid.New(), ItemID: item.ID}, t0)
	require.NoError(t, err)

	later := t0.Add(48 * time.Hour)
	require.NoError(t, p.Return(r, item, later))
	assert.Equal(t, RentalReturned, r.Status)
	require.NotNil(t, r.ReturnedAt)
	assert.Equal(t, later, *r.ReturnedAt)
	assert.Equal(t, ItemAvailable, item.Status)

	err = p.Return(r, item, later.Add(time.Hour))
	assert.ErrorIs(t, err, ErrAlreadyReturned)
	assert.Equal(t, later, *r.ReturnedAt)
}

func TestReturn_FromOverdue(t *testing.T) {
	p := NewPolicy()
	item := availableItem()
	r, err := p.Checkout(item, nil, CheckoutRequest{MemberID: uuid.New(), ItemID: item.ID}, t0)
	require.NoError(t, err)

	late := r.DueAt.Add(time.Hour)
	require.True(t, r.MarkOverdue(late))
	require.NoError(t, p.Return(r, item, late))
	assert.Equal(t, RentalReturned, r.Status)
	assert.False(t, IsOverdue(r, late.Add(24*time.Hour)))
}

func TestOverdue(t *testing.T) {
	r := &Rental{Status: RentalActive, DueAt: t0}

	assert.False(t, IsOverdue(r, t0))
	assert.True(t, IsOverdue(r, t0.Add(time.Second)))

	assert.False(t, r.MarkOverdue(t0))
	assert.True(t, r.MarkOverdue(t0.Add(time.Second)))
	assert.Equal(t, RentalOverdue, r.Status)
	assert.False(t, r.MarkOverdue(t0.Add(time.Hour)))

	v := View(r, t0.Add(time.Second))
	assert.True(t, v.Overdue)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(RentalActive, RentalOverdue))
	assert.True(t, CanTransition(RentalActive, RentalReturned))
	assert.True(t, CanTransition(RentalOverdue, RentalReturned))
	assert.False(t, CanTransition(RentalOverdue, RentalActive))
	assert.False(t, CanTransition(RentalReturned, RentalActive))
	assert.False(t, CanTransition(RentalReturned, RentalOverdue))
}

func TestRentalFilter(t *testing.T) {
	member := uuid.New()
	r := loan(member, RentalOverdue)

	assert.True(t, RentalFilter{}.Match(&r))
	assert.True(t, RentalFilter{MemberID: &member, OnlyOpen: true}.Match(&r))
	assert.False(t, RentalFilter{Status: RentalActive}.Match(&r))

	other := uuid.New()
	assert.False(t, RentalFilter{MemberID: &other}.Match(&r))

	r.Status = RentalReturned
	assert.False(t, RentalFilter{OnlyOpen: true}.Match(&r))
}
