package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/flash-drop/internal/core/domain"
)

type sqlBackend struct {
	name string
	open func(t *testing.T) *SQLStore
}

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "flashdrop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, ApplyMigrations(context.Background(), db, DriverSQLite))
	store, err := NewSQLStore(db, DriverSQLite)
	require.NoError(t, err)
	return store
}

// openFromEnv connects to an external database named by envVar, skipping
// the test when it is unset or unreachable.
func openFromEnv(driver, envVar string) func(t *testing.T) *SQLStore {
	return func(t *testing.T) *SQLStore {
		t.Helper()
		dsn := os.Getenv(envVar)
		if dsn == "" {
			t.Skipf("%s not set", envVar)
		}
		db, err := Open(driver, dsn)
		if err != nil {
			t.Skipf("%s not available: %v", driver, err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			t.Skipf("%s not available: %v", driver, err)
		}
		t.Cleanup(func() { db.Close() })

		require.NoError(t, ApplyMigrations(context.Background(), db, driver))
		store, err := NewSQLStore(db, driver)
		require.NoError(t, err)
		return store
	}
}

var sqlBackends = []sqlBackend{
	{name: DriverSQLite, open: openSQLite},
	{name: DriverMySQL, open: openFromEnv(DriverMySQL, "MYSQL_DSN")},
	{name: DriverPostgres, open: openFromEnv(DriverPostgres, "POSTGRES_DSN")},
}

// uniqueDrop avoids collisions when the external databases are shared.
func uniqueDrop(stock int) domain.Drop {
	return newTestDrop(uuid.NewString(), stock)
}

func uniqueReservation(dropID string, expiresAt time.Time) domain.Reservation {
	return domain.Reservation{
		ID:        uuid.NewString(),
		DropID:    dropID,
		UserID:    "user-" + uuid.NewString()[:8],
		Status:    domain.ReservationStatusActive,
		ExpiresAt: expiresAt,
		CreatedAt: expiresAt.Add(-time.Minute),
	}
}

func TestSQLStore(t *testing.T) {
	for _, b := range sqlBackends {
		t.Run(b.name, func(t *testing.T) {
			t.Run("CreateAndLockDrop", func(t *testing.T) { testSQLCreateAndLockDrop(t, b.open(t)) })
			t.Run("RollbackDiscardsWrites", func(t *testing.T) { testSQLRollback(t, b.open(t)) })
			t.Run("StockCheckConstraint", func(t *testing.T) { testSQLStockCheck(t, b.open(t)) })
			t.Run("ReservationLifecycle", func(t *testing.T) { testSQLReservationLifecycle(t, b.open(t)) })
			t.Run("PurchaseUniquePerReservation", func(t *testing.T) { testSQLPurchaseUnique(t, b.open(t)) })
			t.Run("RecentPurchasesNewestFirst", func(t *testing.T) { testSQLRecentPurchases(t, b.open(t)) })
			t.Run("RowLockBlocksSecondUnitOfWork", func(t *testing.T) { testSQLRowLock(t, b.open(t)) })
			t.Run("MissingRows", func(t *testing.T) { testSQLMissingRows(t, b.open(t)) })
		})
	}
}

func testSQLCreateAndLockDrop(t *testing.T, store *SQLStore) {
	ctx := context.Background()
	drop := uniqueDrop(5)
	require.NoError(t, store.CreateDrop(ctx, drop))

	err := store.WithTx(ctx, func(txCtx context.Context) error {
		got, err := store.GetDropForUpdate(txCtx, drop.ID)
		require.NoError(t, err)
		assert.Equal(t, drop.Name, got.Name)
		assert.True(t, drop.Price.Equal(got.Price), "price %s != %s", drop.Price, got.Price)
		assert.True(t, drop.StartTime.Equal(got.StartTime))

		got.AvailableStock = 4
		return store.UpdateDropStock(txCtx, got)
	})
	require.NoError(t, err)

	drops, err := store.ListDrops(ctx)
	require.NoError(t, err)
	var found bool
	for _, d := range drops {
		if d.ID == drop.ID {
			found = true
			assert.Equal(t, 4, d.AvailableStock)
			assert.Equal(t, 5, d.TotalStock)
		}
	}
	assert.True(t, found, "drop %s missing from list", drop.ID)
}

func testSQLRollback(t *testing.T, store *SQLStore) {
	ctx := context.Background()
	drop := uniqueDrop(3)
	require.NoError(t, store.CreateDrop(ctx, drop))
	res := uniqueReservation(drop.ID, time.Now().Add(time.Minute))

	err := store.WithTx(ctx, func(txCtx context.Context) error {
		d, err := store.GetDropForUpdate(txCtx, drop.ID)
		require.NoError(t, err)
		d.AvailableStock--
		require.NoError(t, store.UpdateDropStock(txCtx, d))
		require.NoError(t, store.CreateReservation(txCtx, res))
		return domain.ErrOutOfStock
	})
	require.ErrorIs(t, err, domain.ErrOutOfStock)

	err = store.WithTx(ctx, func(txCtx context.Context) error {
		d, err := store.GetDropForUpdate(txCtx, drop.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, d.AvailableStock)

		_, err = store.GetReservationForUpdate(txCtx, res.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func testSQLStockCheck(t *testing.T, store *SQLStore) {
	ctx := context.Background()
	drop := uniqueDrop(2)
	require.NoError(t, store.CreateDrop(ctx, drop))

	bad := drop
	bad.AvailableStock = -1
	err := store.UpdateDropStock(ctx, bad)
	require.ErrorIs(t, err, domain.ErrStockInvariant)

	bad.AvailableStock = 3
	err = store.UpdateDropStock(ctx, bad)
	require.ErrorIs(t, err, domain.ErrStockInvariant)
}

func testSQLReservationLifecycle(t *testing.T, store *SQLStore) {
	ctx := context.Background()
	drop := uniqueDrop(5)
	require.NoError(t, store.CreateDrop(ctx, drop))

	now := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	expired := uniqueReservation(drop.ID, now.Add(-time.Second))
	live := uniqueReservation(drop.ID, now.Add(time.Minute))
	require.NoError(t, store.CreateReservation(ctx, expired))
	require.NoError(t, store.CreateReservation(ctx, live))

	found, err := store.FindExpiredActive(ctx, now)
	require.NoError(t, err)
	ids := reservationIDs(found)
	assert.Contains(t, ids, expired.ID)
	assert.NotContains(t, ids, live.ID)

	require.NoError(t, store.UpdateReservationStatus(ctx, expired.ID, domain.ReservationStatusExpired))

	found, err = store.FindExpiredActive(ctx, now)
	require.NoError(t, err)
	assert.NotContains(t, reservationIDs(found), expired.ID)

	err = store.WithTx(ctx, func(txCtx context.Context) error {
		r, err := store.GetReservationForUpdate(txCtx, expired.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ReservationStatusExpired, r.Status)
		assert.Equal(t, expired.UserID, r.UserID)
		assert.True(t, expired.ExpiresAt.Equal(r.ExpiresAt))
		return nil
	})
	require.NoError(t, err)
}

func reservationIDs(rs []domain.Reservation) []string {
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		ids = append(ids, r.ID)
	}
	return ids
}

func testSQLPurchaseUnique(t *testing.T, store *SQLStore) {
	ctx := context.Background()
	drop := uniqueDrop(5)
	require.NoError(t, store.CreateDrop(ctx, drop))
	res := uniqueReservation(drop.ID, time.Now().Add(time.Minute))
	require.NoError(t, store.CreateReservation(ctx, res))

	p := domain.Purchase{
		ID:            uuid.NewString(),
		DropID:        drop.ID,
		UserID:        res.UserID,
		ReservationID: res.ID,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreatePurchase(ctx, p))

	p.ID = uuid.NewString()
	err := store.WithTx(ctx, func(txCtx context.Context) error {
		return store.CreatePurchase(txCtx, p)
	})
	require.ErrorIs(t, err, domain.ErrInvalidState)

	purchases, err := store.ListRecentPurchases(ctx, drop.ID, 10)
	require.NoError(t, err)
	assert.Len(t, purchases, 1)
}

func testSQLRecentPurchases(t *testing.T, store *SQLStore) {
	ctx := context.Background()
	drop := uniqueDrop(5)
	require.NoError(t, store.CreateDrop(ctx, drop))

	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	var want []string
	for i := 0; i < 4; i++ {
		res := uniqueReservation(drop.ID, base.Add(time.Hour))
		require.NoError(t, store.CreateReservation(ctx, res))
		p := domain.Purchase{
			ID:            uuid.NewString(),
			DropID:        drop.ID,
			UserID:        res.UserID,
			ReservationID: res.ID,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.CreatePurchase(ctx, p))
		want = append([]string{p.ID}, want...)
	}

	got, err := store.ListRecentPurchases(ctx, drop.ID, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, p := range got {
		assert.Equal(t, want[i], p.ID)
	}

	all, err := store.ListRecentPurchases(ctx, drop.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func testSQLRowLock(t *testing.T, store *SQLStore) {
	ctx := context.Background()
	drop := uniqueDrop(1)
	require.NoError(t, store.CreateDrop(ctx, drop))

	locked := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = store.WithTx(ctx, func(txCtx context.Context) error {
			if _, err := store.GetDropForUpdate(txCtx, drop.ID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	err := store.WithTx(waitCtx, func(txCtx context.Context) error {
		_, err := store.GetDropForUpdate(txCtx, drop.ID)
		return err
	})
	assert.Error(t, err, "second unit of work acquired a held row lock")

	close(release)
	wg.Wait()
}

func testSQLMissingRows(t *testing.T, store *SQLStore) {
	ctx := context.Background()
	missing := uuid.NewString()

	_, err := store.GetDropForUpdate(ctx, missing)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = store.GetReservationForUpdate(ctx, missing)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = store.UpdateDropStock(ctx, newTestDrop(missing, 1))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = store.UpdateReservationStatus(ctx, missing, domain.ReservationStatusExpired)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyMigrations_Idempotent(t *testing.T) {
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, ApplyMigrations(ctx, db, DriverSQLite))
	require.NoError(t, ApplyMigrations(ctx, db, DriverSQLite))

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestApplyMigrations_UnknownDriver(t *testing.T) {
	err := ApplyMigrations(context.Background(), &sql.DB{}, "oracle")
	assert.Error(t, err)
}

func TestDialectRebind(t *testing.T) {
	pg := dialects[DriverPostgres]
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	my := dialects[DriverMySQL]
	assert.Equal(t, "SELECT ?", my.rebind("SELECT ?"))
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("CREATE TABLE a (x INT);\n\n CREATE INDEX i ON a (x);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a (x)"}, got)
}

func TestWithMySQLParams_ForcesParseTime(t *testing.T) {
	dsn, err := withMySQLParams("root:secret@tcp(localhost:3306)/flashdrop")
	require.NoError(t, err)

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, "flashdrop", cfg.DBName)
	assert.Equal(t, "localhost:3306", cfg.Addr)

	_, err = withMySQLParams("not a dsn")
	assert.Error(t, err)
}
