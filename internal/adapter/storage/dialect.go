package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string
	// sqlDriver is the database/sql driver name.
	sqlDriver string
	// forUpdate is appended to row-locking selects.
	forUpdate        string
	numbered         bool
	lockMigrations   string
	unlockMigrations string
}

var dialects = map[string]dialect{
	DriverMySQL: {
		name:             DriverMySQL,
		sqlDriver:        "mysql",
		forUpdate:        " FOR UPDATE",
		lockMigrations:   "SELECT GET_LOCK('flashdrop_migrations', 30)",
		unlockMigrations: "SELECT RELEASE_LOCK('flashdrop_migrations')",
	},
	DriverPostgres: {
		name:             DriverPostgres,
		sqlDriver:        "pgx",
		forUpdate:        " FOR UPDATE",
		numbered:         true,
		lockMigrations:   "SELECT pg_advisory_lock(801234567)",
		unlockMigrations: "SELECT pg_advisory_unlock(801234567)",
	},
	// SQLite has no row locks; the connection is opened with
	// _txlock=immediate so every unit of work holds the write lock.
	DriverSQLite: {
		name:      DriverSQLite,
		sqlDriver: "sqlite3",
	},
}

func lookupDialect(driver string) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported sql driver %q", driver)
	}
	return d, nil
}

// rebind rewrites ? placeholders to $n for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isCheckViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 3819
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintCheck
	}
	return false
}
