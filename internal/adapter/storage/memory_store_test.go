package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/flash-drop/internal/core/domain"
)

func newTestDrop(id string, stock int) domain.Drop {
	return domain.Drop{
		ID:             id,
		Name:           "Test Drop " + id,
		Price:          decimal.NewFromInt(100),
		TotalStock:     stock,
		AvailableStock: stock,
		StartTime:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemoryStore_WritesVisibleOnlyOnCommit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateDrop(ctx, newTestDrop("drop-1", 5)))

	err := store.WithTx(ctx, func(txCtx context.Context) error {
		d, err := store.GetDropForUpdate(txCtx, "drop-1")
		require.NoError(t, err)
		d.AvailableStock = 4
		require.NoError(t, store.UpdateDropStock(txCtx, d))

		committed, err := store.GetDrop(ctx, "drop-1")
		require.NoError(t, err)
		assert.Equal(t, 5, committed.AvailableStock, "uncommitted write leaked")

		inTx, err := store.GetDropForUpdate(txCtx, "drop-1")
		require.NoError(t, err)
		assert.Equal(t, 4, inTx.AvailableStock)
		return nil
	})
	require.NoError(t, err)

	d, err := store.GetDrop(ctx, "drop-1")
	require.NoError(t, err)
	assert.Equal(t, 4, d.AvailableStock)
}

func TestMemoryStore_RollbackDiscardsAllWrites(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateDrop(ctx, newTestDrop("drop-1", 5)))

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(txCtx context.Context) error {
		d, err := store.GetDropForUpdate(txCtx, "drop-1")
		require.NoError(t, err)
		d.AvailableStock--
		require.NoError(t, store.UpdateDropStock(txCtx, d))
		require.NoError(t, store.CreateReservation(txCtx, domain.Reservation{
			ID:     "res-1",
			DropID: "drop-1",
			Status: domain.ReservationStatusActive,
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	d, err := store.GetDrop(ctx, "drop-1")
	require.NoError(t, err)
	assert.Equal(t, 5, d.AvailableStock)

	_, err = store.GetReservation(ctx, "res-1")
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestMemoryStore_CommitRejectsStockOutOfRange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateDrop(ctx, newTestDrop("drop-1", 1)))

	err := store.WithTx(ctx, func(txCtx context.Context) error {
		d, err := store.GetDropForUpdate(txCtx, "drop-1")
		if err != nil {
			return err
		}
		d.AvailableStock = -1
		return store.UpdateDropStock(txCtx, d)
	})
	assert.ErrorIs(t, err, domain.ErrStockInvariant)

	d, err := store.GetDrop(ctx, "drop-1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.AvailableStock)
}

func TestMemoryStore_RowLockBlocksSecondUnit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateDrop(ctx, newTestDrop("drop-1", 5)))

	locked := make(chan struct{})
	unlock := make(chan struct{})
	go func() {
		_ = store.WithTx(ctx, func(txCtx context.Context) error {
			if _, err := store.GetDropForUpdate(txCtx, "drop-1"); err != nil {
				return err
			}
			close(locked)
			<-unlock
			return nil
		})
	}()
	<-locked

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := store.WithTx(waitCtx, func(txCtx context.Context) error {
		_, err := store.GetDropForUpdate(txCtx, "drop-1")
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(unlock)
	err = store.WithTx(ctx, func(txCtx context.Context) error {
		_, err := store.GetDropForUpdate(txCtx, "drop-1")
		return err
	})
	assert.NoError(t, err)
}

func TestMemoryStore_FindExpiredActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	reservations := []domain.Reservation{
		{ID: "expired-late", DropID: "d", Status: domain.ReservationStatusActive, ExpiresAt: now.Add(-time.Second)},
		{ID: "expired-early", DropID: "d", Status: domain.ReservationStatusActive, ExpiresAt: now.Add(-time.Minute)},
		{ID: "fresh", DropID: "d", Status: domain.ReservationStatusActive, ExpiresAt: now.Add(time.Minute)},
		{ID: "boundary", DropID: "d", Status: domain.ReservationStatusActive, ExpiresAt: now},
		{ID: "completed", DropID: "d", Status: domain.ReservationStatusCompleted, ExpiresAt: now.Add(-time.Minute)},
	}
	for _, r := range reservations {
		require.NoError(t, store.CreateReservation(ctx, r))
	}

	got, err := store.FindExpiredActive(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "expired-early", got[0].ID)
	assert.Equal(t, "expired-late", got[1].ID)
}

func TestMemoryStore_PurchaseUniquePerReservation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreatePurchase(ctx, domain.Purchase{ID: "p-1", DropID: "d", ReservationID: "res-1"}))
	err := store.CreatePurchase(ctx, domain.Purchase{ID: "p-2", DropID: "d", ReservationID: "res-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, 1, store.CountPurchases("res-1"))
}

func TestMemoryStore_ListRecentPurchases(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreatePurchase(ctx, domain.Purchase{
			ID:            "p-" + string(rune('a'+i)),
			DropID:        "drop-1",
			ReservationID: "res-" + string(rune('a'+i)),
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.CreatePurchase(ctx, domain.Purchase{ID: "other", DropID: "drop-2", ReservationID: "res-z"}))

	got, err := store.ListRecentPurchases(ctx, "drop-1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "p-e", got[0].ID)
	assert.Equal(t, "p-d", got[1].ID)
	assert.Equal(t, "p-c", got[2].ID)
}

func TestMemoryStore_ListDropsInCreationOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, store.CreateDrop(ctx, newTestDrop(id, 1)))
	}

	drops, err := store.ListDrops(ctx)
	require.NoError(t, err)
	require.Len(t, drops, 3)
	assert.Equal(t, "b", drops[0].ID)
	assert.Equal(t, "a", drops[1].ID)
	assert.Equal(t, "c", drops[2].ID)
}

func TestMemoryStore_MissingRows(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.WithTx(ctx, func(txCtx context.Context) error {
		_, err := store.GetDropForUpdate(txCtx, "missing")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrDropNotFound)

	err = store.UpdateReservationStatus(ctx, "missing", domain.ReservationStatusExpired)
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
}
