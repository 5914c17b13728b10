package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
	"github.com/mselletoe/brgypuj-kiosk/internal/port"
)

const (
	errDuplicateEntry  = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errRowIsReferenced = 1451
	errNoReferencedRow = 1452
	errCheckConstraint = 3819
)

const (
	mysqlMaxOpenConns    = 50
	mysqlMaxIdleConns    = 25
	mysqlConnMaxLifetime = 5 * time.Minute
)

var errNestedSQLTx = errors.New("mysql: nested transaction")

// sq builds MySQL statements with ? placeholders.
var sq = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTxKey struct{}

// MySQLAdapter is the authoritative store. Repositories obtained from it join
// the transaction carried by ctx, if any.
type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// OpenMySQL opens and pings a pool. The DSN must enable parseTime.
func OpenMySQL(ctx context.Context, dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	if maxOpen <= 0 {
		maxOpen = mysqlMaxOpenConns
	}
	if maxIdle <= 0 {
		maxIdle = mysqlMaxIdleConns
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(mysqlConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

func (m *MySQLAdapter) DB() *sql.DB { return m.db }

func (m *MySQLAdapter) Items() port.ItemRepository { return &sqlItems{m} }
func (m *MySQLAdapter) Requests() port.RequestRepository { return &sqlRequests{m} }
func (m *MySQLAdapter) History() port.HistoryRepository { return &sqlHistory{m} }
func (m *MySQLAdapter) Identities() port.IdentityLookup { return &sqlDirectory{m} }
func (m *MySQLAdapter) DocumentTypes() port.CatalogLookup { return &sqlDirectory{m} }

// RunInTx runs fn in a transaction. It rolls back when fn fails or panics.
func (m *MySQLAdapter) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(sqlTxKey{}).(*sql.Tx); ok {
		return errNestedSQLTx
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("begin tx: %w", err))
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(context.WithValue(ctx, sqlTxKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func (m *MySQLAdapter) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(sqlTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return m.db
}

// exec runs a built statement and returns the affected row count.
func (m *MySQLAdapter) exec(ctx context.Context, b squirrel.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	res, err := m.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

// mapError translates driver errors into domain errors. Context errors and
// unknown codes pass through wrapped as they are.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%v: %w", err, domain.ErrNotFound)
	}

	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}

	switch myErr.Number {
	case errDuplicateEntry:
		switch {
		case strings.Contains(myErr.Message, "pending_key"):
			return fmt.Errorf("%s: %w", myErr.Message, domain.ErrDuplicatePending)
		case strings.Contains(myErr.Message, "transaction_code"):
			return fmt.Errorf("%s: %w", myErr.Message, domain.ErrCodeCollision)
		case strings.Contains(myErr.Message, "resource_items_name"):
			return domain.NewValidationError("name", "an item with this name already exists")
		}
	case errDeadlock, errLockWaitTimeout:
		return fmt.Errorf("%s: %w", myErr.Message, domain.ErrTxConflict)
	case errRowIsReferenced:
		return fmt.Errorf("%s: %w", myErr.Message, domain.ErrItemInUse)
	case errNoReferencedRow:
		return fmt.Errorf("%s: %w", myErr.Message, domain.ErrNotFound)
	case errCheckConstraint:
		return fmt.Errorf("%s: %w", myErr.Message, domain.ErrValidation)
	}
	return err
}
