package seating

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSeat(t *testing.T) *Seat {
	t.Helper()
	s, err := New("A-01", TypeRegular, "")
	require.NoError(t, err)
	return s
}

func TestAssign_FromAvailable(t *testing.T) {
	s := newSeat(t)
	member := uuid.New()

	require.NoError(t, s.Assign(member))

	assert.Equal(t, StatusOccupied, s.Status)
	require.NotNil(t, s.CurrentMemberID)
	assert.Equal(t, member, *s.CurrentMemberID)
	assert.True(t, s.Consistent())
}

func TestAssign_RejectsOccupiedAndMaintenance(t *testing.T) {
	s := newSeat(t)
	first := uuid.New()
	require.NoError(t, s.Assign(first))

	err := s.Assign(uuid.New())
	assert.ErrorIs(t, err, ErrNotAvailable)
	assert.Equal(t, first, *s.CurrentMemberID)

	m := newSeat(t)
	require.NoError(t, m.SetMaintenance(true))
	assert.ErrorIs(t, m.Assign(uuid.New()), ErrNotAvailable)
	assert.Nil(t, m.CurrentMemberID)
}

func TestRelease_AlwaysSucceeds(t *testing.T) {
	s := newSeat(t)
	require.NoError(t, s.Assign(uuid.New()))
	s.Release()
	assert.Equal(t, StatusAvailable, s.Status)
	assert.Nil(t, s.CurrentMemberID)

	s.Release()
	assert.Equal(t, StatusAvailable, s.Status)

	require.NoError(t, s.SetMaintenance(true))
	s.Release()
	assert.Equal(t, StatusAvailable, s.Status)
	assert.True(t, s.Consistent())
}

func TestSetMaintenance_RejectsOccupied(t *testing.T) {
	s := newSeat(t)
	require.NoError(t, s.Assign(uuid.New()))
	assert.ErrorIs(t, s.SetMaintenance(true), ErrOccupied)
	assert.Equal(t, StatusOccupied, s.Status)

	require.NoError(t, s.SetMaintenance(false))
	assert.Equal(t, StatusOccupied, s.Status)
}

func TestParse(t *testing.T) {
	st, err := ParseStatus(" occupied ")
	require.NoError(t, err)
	assert.Equal(t, StatusOccupied, st)

	_, err = ParseStatus("BROKEN")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	ty, err := ParseType("room")
	require.NoError(t, err)
	assert.Equal(t, TypeRoom, ty)

	_, err = ParseType("sofa")
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = New("B-01", Type("sofa"), "")
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestFilter(t *testing.T) {
	s := newSeat(t)
	assert.True(t, Filter{}.Match(s))
	assert.True(t, Filter{Status: StatusAvailable, Type: TypeRegular}.Match(s))
	assert.False(t, Filter{Type: TypePremium}.Match(s))
	assert.False(t, Filter{Status: StatusOccupied}.Match(s))
}
