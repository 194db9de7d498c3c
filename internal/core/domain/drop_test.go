package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrop_TakeUnit(t *testing.T) {
	d := Drop{ID: "drop-1", TotalStock: 2, AvailableStock: 1}

	next, err := d.TakeUnit()
	require.NoError(t, err)
	assert.Equal(t, 0, next.AvailableStock)
	assert.Equal(t, 1, d.AvailableStock, "original snapshot must not change")

	_, err = next.TakeUnit()
	assert.ErrorIs(t, err, ErrOutOfStock)
}

func TestDrop_ReturnUnit(t *testing.T) {
	d := Drop{ID: "drop-1", TotalStock: 2, AvailableStock: 1}

	next, err := d.ReturnUnit()
	require.NoError(t, err)
	assert.Equal(t, 2, next.AvailableStock)
	assert.True(t, next.StockValid())

	_, err = next.ReturnUnit()
	assert.ErrorIs(t, err, ErrStockInvariant)
}

func TestReservation_Transition(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewReservation("res-1", "drop-1", "user-1", now, time.Minute)

	assert.Equal(t, ReservationStatusActive, r.Status)
	assert.Equal(t, now.Add(time.Minute), r.ExpiresAt)
	assert.False(t, r.ExpiredAt(now.Add(time.Minute)))
	assert.True(t, r.ExpiredAt(now.Add(time.Minute+time.Millisecond)))

	completed, err := r.Transition(ReservationStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, ReservationStatusCompleted, completed.Status)

	_, err = completed.Transition(ReservationStatusExpired)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = r.Transition(ReservationStatusActive)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestIsKnown(t *testing.T) {
	assert.True(t, IsKnown(ErrDropNotFound))
	assert.True(t, IsKnown(ErrReservationNotFound))
	assert.ErrorIs(t, ErrDropNotFound, ErrNotFound)
	assert.False(t, IsKnown(assert.AnError))
}
