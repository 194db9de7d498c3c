package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rl1809/flash-drop/internal/core/domain"
)

// SQLStore persists drops, reservations and purchases in MySQL, PostgreSQL
// or SQLite. Row locks are SELECT ... FOR UPDATE inside the unit of work.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to dsn with the database/sql driver behind driver and
// applies the per-dialect connection settings.
func Open(driver, dsn string) (*sql.DB, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	switch d.name {
	case DriverSQLite:
		dsn = withSQLiteParams(dsn)
	case DriverMySQL:
		if dsn, err = withMySQLParams(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if d.name == DriverSQLite {
		// One writer at a time; immediate transactions serialize on it.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	return db, nil
}

func withSQLiteParams(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_txlock=immediate&_foreign_keys=1&_busy_timeout=5000"
}

// withMySQLParams forces parseTime so DATETIME columns scan into time.Time.
func withMySQLParams(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db, dialect: d}, nil
}

type sqlTxKey struct{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn returns the transaction bound to ctx, or the pool outside one.
func (s *SQLStore) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(sqlTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *SQLStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(sqlTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, sqlTxKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateDrop(ctx context.Context, drop domain.Drop) error {
	_, err := s.conn(ctx).ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO drops (id, name, price, total_stock, available_stock, start_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		drop.ID, drop.Name, drop.Price, drop.TotalStock, drop.AvailableStock,
		drop.StartTime.UTC(), drop.CreatedAt.UTC(),
	)
	if isCheckViolation(err) {
		return fmt.Errorf("create drop %s: %w", drop.ID, domain.ErrStockInvariant)
	}
	if err != nil {
		return fmt.Errorf("insert drop: %w", err)
	}
	return nil
}

const dropColumns = `id, name, price, total_stock, available_stock, start_time, created_at`

func scanDrop(row interface{ Scan(...any) error }) (domain.Drop, error) {
	var d domain.Drop
	if err := row.Scan(&d.ID, &d.Name, &d.Price, &d.TotalStock, &d.AvailableStock, &d.StartTime, &d.CreatedAt); err != nil {
		return domain.Drop{}, err
	}
	d.StartTime = d.StartTime.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}

func (s *SQLStore) GetDropForUpdate(ctx context.Context, dropID string) (domain.Drop, error) {
	row := s.conn(ctx).QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+dropColumns+` FROM drops WHERE id = ?`+s.dialect.forUpdate), dropID)
	d, err := scanDrop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Drop{}, domain.ErrDropNotFound
	}
	if err != nil {
		return domain.Drop{}, fmt.Errorf("query drop: %w", err)
	}
	return d, nil
}

func (s *SQLStore) UpdateDropStock(ctx context.Context, drop domain.Drop) error {
	result, err := s.conn(ctx).ExecContext(ctx, s.dialect.rebind(
		`UPDATE drops SET available_stock = ? WHERE id = ?`),
		drop.AvailableStock, drop.ID,
	)
	if isCheckViolation(err) {
		return fmt.Errorf("drop %s: %w", drop.ID, domain.ErrStockInvariant)
	}
	if err != nil {
		return fmt.Errorf("update drop stock: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// MySQL reports changed rows, not matched rows.
		var n int
		if err := s.conn(ctx).QueryRowContext(ctx, s.dialect.rebind(
			`SELECT COUNT(*) FROM drops WHERE id = ?`), drop.ID).Scan(&n); err != nil {
			return fmt.Errorf("check drop: %w", err)
		}
		if n == 0 {
			return domain.ErrDropNotFound
		}
	}
	return nil
}

func (s *SQLStore) ListDrops(ctx context.Context) ([]domain.Drop, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT `+dropColumns+` FROM drops ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query drops: %w", err)
	}
	defer rows.Close()

	var out []domain.Drop
	for rows.Next() {
		d, err := scanDrop(rows)
		if err != nil {
			return nil, fmt.Errorf("scan drop: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateReservation(ctx context.Context, r domain.Reservation) error {
	_, err := s.conn(ctx).ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO reservations (id, drop_id, user_id, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		r.ID, r.DropID, r.UserID, string(r.Status), r.ExpiresAt.UTC(), r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

const reservationColumns = `id, drop_id, user_id, status, expires_at, created_at`

func scanReservation(row interface{ Scan(...any) error }) (domain.Reservation, error) {
	var (
		r      domain.Reservation
		status string
	)
	if err := row.Scan(&r.ID, &r.DropID, &r.UserID, &status, &r.ExpiresAt, &r.CreatedAt); err != nil {
		return domain.Reservation{}, err
	}
	r.Status = domain.ReservationStatus(status)
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (s *SQLStore) GetReservationForUpdate(ctx context.Context, reservationID string) (domain.Reservation, error) {
	row := s.conn(ctx).QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`+s.dialect.forUpdate), reservationID)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("query reservation: %w", err)
	}
	return r, nil
}

func (s *SQLStore) UpdateReservationStatus(ctx context.Context, reservationID string, status domain.ReservationStatus) error {
	result, err := s.conn(ctx).ExecContext(ctx, s.dialect.rebind(
		`UPDATE reservations SET status = ? WHERE id = ?`),
		string(status), reservationID,
	)
	if err != nil {
		return fmt.Errorf("update reservation status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		var n int
		if err := s.conn(ctx).QueryRowContext(ctx, s.dialect.rebind(
			`SELECT COUNT(*) FROM reservations WHERE id = ?`), reservationID).Scan(&n); err != nil {
			return fmt.Errorf("check reservation: %w", err)
		}
		if n == 0 {
			return domain.ErrReservationNotFound
		}
	}
	return nil
}

func (s *SQLStore) FindExpiredActive(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, s.dialect.rebind(
		`SELECT `+reservationColumns+` FROM reservations
		WHERE status = ? AND expires_at < ?
		ORDER BY expires_at, id`),
		string(domain.ReservationStatusActive), now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreatePurchase(ctx context.Context, p domain.Purchase) error {
	_, err := s.conn(ctx).ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO purchases (id, drop_id, user_id, reservation_id, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		p.ID, p.DropID, p.UserID, p.ReservationID, p.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return domain.ErrInvalidState
	}
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	return nil
}

func (s *SQLStore) ListRecentPurchases(ctx context.Context, dropID string, limit int) ([]domain.Purchase, error) {
	query := `SELECT id, drop_id, user_id, reservation_id, created_at FROM purchases
		WHERE drop_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{dropID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn(ctx).QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query purchases: %w", err)
	}
	defer rows.Close()

	var out []domain.Purchase
	for rows.Next() {
		var p domain.Purchase
		if err := rows.Scan(&p.ID, &p.DropID, &p.UserID, &p.ReservationID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
