package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/txn"
	"github.com/rl1809/stockguard/internal/port"
)

var (
	_ port.VersionedRecordStore = (*MySQLAdapter)(nil)
	_ port.ExclusiveReader      = (*MySQLAdapter)(nil)
	_ port.TxBeginner           = (*MySQLAdapter)(nil)
	_ port.Seeder               = (*MySQLAdapter)(nil)
	_ port.OrderRepository      = (*MySQLAdapter)(nil)
)

// MySQL server error numbers mapped to domain errors.
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrLockDeadlock    = 1213
	mysqlErrCheckViolated   = 3819
)

const mysqlStockSchema = `
CREATE TABLE IF NOT EXISTS stock (
	id         VARCHAR(191) NOT NULL PRIMARY KEY,
	quantity   BIGINT       NOT NULL,
	version    BIGINT       NOT NULL DEFAULT 0,
	created_at TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP,
	CONSTRAINT stock_quantity_non_negative CHECK (quantity >= 0)
)`

const mysqlOrdersSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id             VARCHAR(36)  NOT NULL PRIMARY KEY,
	request_id     VARCHAR(191) NOT NULL UNIQUE,
	item_id        VARCHAR(191) NOT NULL,
	quantity       BIGINT       NOT NULL,
	strategy       VARCHAR(32)  NOT NULL,
	status         VARCHAR(32)  NOT NULL,
	failure_reason TEXT,
	created_at     TIMESTAMP    NOT NULL
)`

type MySQLAdapter struct {
	db *sql.DB
}

type mysqlTx struct {
	adapter *MySQLAdapter
	tx      *sql.Tx
}

// mysqlQueryer is satisfied by *sql.DB and *sql.Tx.
type mysqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// EnsureSchema creates the stock and orders tables if they do not exist.
func (m *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, mysqlStockSchema); err != nil {
		return fmt.Errorf("create stock table: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, mysqlOrdersSchema); err != nil {
		return fmt.Errorf("create orders table: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) Begin(ctx context.Context) (port.Transaction, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapMySQLError(ctx, "begin tx", err)
	}
	return &mysqlTx{adapter: m, tx: tx}, nil
}

func (t *mysqlTx) Commit(ctx context.Context) error {
	return t.tx.Commit()
}

func (t *mysqlTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback()
}

func (m *MySQLAdapter) Seed(ctx context.Context, id string, quantity int64) error {
	_, err := m.conn(ctx).ExecContext(ctx, `
		INSERT INTO stock (id, quantity, version) VALUES (?, ?, 0)
		ON DUPLICATE KEY UPDATE quantity = VALUES(quantity), version = version + 1, updated_at = NOW()`,
		id, quantity,
	)
	if err != nil {
		return mapMySQLError(ctx, "seed stock", err)
	}
	return nil
}

func (m *MySQLAdapter) Read(ctx context.Context, id string) (domain.StockRecord, error) {
	return m.selectStock(ctx, `SELECT id, quantity, version FROM stock WHERE id = ?`, id)
}

func (m *MySQLAdapter) ReadWithVersion(ctx context.Context, id string) (domain.StockRecord, error) {
	return m.Read(ctx, id)
}

// ReadForExclusiveAccess holds an InnoDB row lock until the transaction in
// ctx ends. Without one the statement auto-commits and the lock is released
// immediately.
func (m *MySQLAdapter) ReadForExclusiveAccess(ctx context.Context, id string) (domain.StockRecord, error) {
	return m.selectStock(ctx, `SELECT id, quantity, version FROM stock WHERE id = ? FOR UPDATE`, id)
}

func (m *MySQLAdapter) WriteIfVersionMatches(ctx context.Context, id string, quantity, expectedVersion int64) error {
	result, err := m.conn(ctx).ExecContext(ctx, `
		UPDATE stock
		SET quantity = ?, version = version + 1, updated_at = NOW()
		WHERE id = ? AND version = ?`,
		quantity, id, expectedVersion,
	)
	if err != nil {
		return mapMySQLError(ctx, "update stock", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrConcurrencyConflict
	}

	return nil
}

func (m *MySQLAdapter) Write(ctx context.Context, id string, quantity int64) error {
	result, err := m.conn(ctx).ExecContext(ctx, `
		UPDATE stock
		SET quantity = ?, version = version + 1, updated_at = NOW()
		WHERE id = ?`,
		quantity, id,
	)
	if err != nil {
		return mapMySQLError(ctx, "update stock", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrRecordNotFound
	}

	return nil
}

func (m *MySQLAdapter) SaveOrder(ctx context.Context, order domain.Order) error {
	_, err := m.conn(ctx).ExecContext(ctx, `
		INSERT INTO orders (id, request_id, item_id, quantity, strategy, status, failure_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.RequestID, order.ItemID, order.Quantity,
		string(order.Strategy), string(order.Status), order.FailureReason, order.CreatedAt,
	)
	if err != nil {
		return mapMySQLError(ctx, "insert order", err)
	}
	return nil
}

func (m *MySQLAdapter) selectStock(ctx context.Context, query, id string) (domain.StockRecord, error) {
	var rec domain.StockRecord
	err := m.conn(ctx).QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.Quantity, &rec.Version)

	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockRecord{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.StockRecord{}, mapMySQLError(ctx, "query stock", err)
	}

	return rec, nil
}

func (m *MySQLAdapter) conn(ctx context.Context) mysqlQueryer {
	if t, ok := txn.TransactionFrom(ctx); ok {
		if mt, ok := t.(*mysqlTx); ok && mt.adapter == m {
			return mt.tx
		}
	}
	return m.db
}

func mapMySQLError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return domain.Cancelled(ctx.Err())
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case mysqlErrLockDeadlock, mysqlErrLockWaitTimeout:
			return fmt.Errorf("%s: %w: %v", op, domain.ErrConcurrencyConflict, me)
		case mysqlErrCheckViolated:
			return fmt.Errorf("%s: %w: %v", op, domain.ErrInsufficientStock, me)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}
