package engine

import (
	"context"
	"database/sql"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

// DefaultBusyTimeout is applied to every connection opened by Open.
const DefaultBusyTimeout = 5 * time.Second

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx so stores can run
// either standalone or inside a caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
	_ Querier = (*sql.Conn)(nil)
)

// Open opens a SQLite database using the modernc.org/sqlite driver.
//
// For file-based databases, pass a path like "./db.sqlite"; WAL journaling,
// a busy timeout and immediate write transactions are enabled unless the DSN
// already carries query parameters. For in-memory databases, pass ":memory:";
// the pool is then limited to one connection since every connection would
// otherwise see its own empty database.
func Open(dsn string) (*sql.DB, error) {
	memory := dsn == ":memory:"
	if !memory && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(" + strconv.FormatInt(DefaultBusyTimeout.Milliseconds(), 10) + ")" +
			"&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if memory {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

// ExecAll executes statements in order, stopping at the first failure.
func ExecAll(ctx context.Context, q Querier, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "exec %.60q", stmt)
		}
	}
	return nil
}

// MaxID is the largest change or batch id that can be stored.
const MaxID = math.MaxInt64

// ErrIDRange reports an id above MaxID.
var ErrIDRange = errors.New("id exceeds 63 bits")

// CheckID returns ErrIDRange when v cannot be stored.
func CheckID(v uint64) error {
	if v > MaxID {
		return errors.Wrapf(ErrIDRange, "id %d", v)
	}
	return nil
}

// ID converts a change or batch id to the driver's signed integer type.
// Values above MaxID are clamped; callers pass such values only as open
// range bounds, stored ids are checked with CheckID.
func ID(v uint64) int64 {
	if v > MaxID {
		return MaxID
	}
	return int64(v)
}

// Millis encodes t as unix milliseconds; the zero time is stored as 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Time decodes unix milliseconds written by Millis.
func Time(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
