package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/txn"
	"github.com/rl1809/stockguard/internal/port"
)

var ErrTxDone = errors.New("transaction has already been committed or rolled back")

var (
	_ port.VersionedRecordStore = (*MemoryStore)(nil)
	_ port.ExclusiveReader      = (*MemoryStore)(nil)
	_ port.TxBeginner           = (*MemoryStore)(nil)
	_ port.Seeder               = (*MemoryStore)(nil)
)

// MemoryStore is an in-process VersionedRecordStore with row locks.
//
// Writes made inside a transaction are buffered and become visible to other
// readers only on commit. Row locks taken by exclusive reads, writes and
// compare-and-swap writes are held until the transaction ends. A
// compare-and-swap never waits: a row locked by another transaction is a
// conflict.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*memoryRow
}

type memoryRow struct {
	committed domain.StockRecord
	lock      chan struct{}
}

type memoryTx struct {
	store *MemoryStore

	mu      sync.Mutex
	held    map[string]*memoryRow
	pending map[string]domain.StockRecord
	done    bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]*memoryRow{}}
}

func (s *MemoryStore) Begin(ctx context.Context) (port.Transaction, error) {
	return &memoryTx{
		store:   s,
		held:    map[string]*memoryRow{},
		pending: map[string]domain.StockRecord{},
	}, nil
}

func (s *MemoryStore) Seed(ctx context.Context, id string, quantity int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.rows[id]; ok {
		row.committed.Quantity = quantity
		row.committed.Version++
		return nil
	}

	s.rows[id] = &memoryRow{
		committed: domain.StockRecord{ID: id, Quantity: quantity},
		lock:      make(chan struct{}, 1),
	}
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, id string) (domain.StockRecord, error) {
	row := s.row(id)
	if row == nil {
		return domain.StockRecord{}, domain.ErrRecordNotFound
	}
	return s.view(s.tx(ctx), id, row), nil
}

func (s *MemoryStore) ReadWithVersion(ctx context.Context, id string) (domain.StockRecord, error) {
	return s.Read(ctx, id)
}

func (s *MemoryStore) ReadForExclusiveAccess(ctx context.Context, id string) (domain.StockRecord, error) {
	row := s.row(id)
	if row == nil {
		return domain.StockRecord{}, domain.ErrRecordNotFound
	}

	tx := s.tx(ctx)
	if tx == nil {
		// auto-commit: the lock only spans the read
		if err := waitLock(ctx, row); err != nil {
			return domain.StockRecord{}, err
		}
		defer unlock(row)
		return s.view(nil, id, row), nil
	}

	if err := tx.lock(ctx, id, row); err != nil {
		return domain.StockRecord{}, err
	}
	return s.view(tx, id, row), nil
}

func (s *MemoryStore) Write(ctx context.Context, id string, quantity int64) error {
	row := s.row(id)
	if row == nil {
		return domain.ErrRecordNotFound
	}

	tx := s.tx(ctx)
	if tx == nil {
		if err := waitLock(ctx, row); err != nil {
			return err
		}
		defer unlock(row)
		s.commitRow(row, quantity)
		return nil
	}

	if err := tx.lock(ctx, id, row); err != nil {
		return err
	}
	tx.stage(id, s.view(tx, id, row), quantity)
	return nil
}

func (s *MemoryStore) WriteIfVersionMatches(ctx context.Context, id string, quantity, expectedVersion int64) error {
	row := s.row(id)
	if row == nil {
		return domain.ErrConcurrencyConflict
	}

	tx := s.tx(ctx)
	if tx == nil {
		if !tryLock(row) {
			return domain.ErrConcurrencyConflict
		}
		defer unlock(row)

		if s.view(nil, id, row).Version != expectedVersion {
			return domain.ErrConcurrencyConflict
		}
		s.commitRow(row, quantity)
		return nil
	}

	acquired, ok := tx.tryLock(id, row)
	if !ok {
		return domain.ErrConcurrencyConflict
	}

	current := s.view(tx, id, row)
	if current.Version != expectedVersion {
		if acquired {
			tx.release(id, row)
		}
		return domain.ErrConcurrencyConflict
	}

	tx.stage(id, current, quantity)
	return nil
}

func (s *MemoryStore) row(id string) *memoryRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

// view returns the record as seen by tx, which may be nil.
func (s *MemoryStore) view(tx *memoryTx, id string, row *memoryRow) domain.StockRecord {
	if tx != nil {
		if rec, ok := tx.staged(id); ok {
			return rec
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return row.committed
}

func (s *MemoryStore) commitRow(row *memoryRow, quantity int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row.committed.Quantity = quantity
	row.committed.Version++
}

func (s *MemoryStore) tx(ctx context.Context) *memoryTx {
	t, ok := txn.TransactionFrom(ctx)
	if !ok {
		return nil
	}
	mt, ok := t.(*memoryTx)
	if !ok || mt.store != s {
		return nil
	}
	return mt
}

func (t *memoryTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxDone
	}
	t.done = true

	t.store.mu.Lock()
	for id, rec := range t.pending {
		t.store.rows[id].committed = rec
	}
	t.store.mu.Unlock()

	t.releaseAll()
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxDone
	}
	t.done = true

	t.pending = map[string]domain.StockRecord{}
	t.releaseAll()
	return nil
}

func (t *memoryTx) lock(ctx context.Context, id string, row *memoryRow) error {
	if t.holds(id) {
		return nil
	}
	if err := waitLock(ctx, row); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.held[id] = row
	return nil
}

// tryLock reports whether the lock was newly acquired and whether tx holds
// it at all.
func (t *memoryTx) tryLock(id string, row *memoryRow) (acquired, ok bool) {
	if t.holds(id) {
		return false, true
	}
	if !tryLock(row) {
		return false, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.held[id] = row
	return true, true
}

func (t *memoryTx) release(id string, row *memoryRow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, id)
	unlock(row)
}

func (t *memoryTx) holds(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[id]
	return ok
}

func (t *memoryTx) stage(id string, current domain.StockRecord, quantity int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current.Quantity = quantity
	current.Version++
	t.pending[id] = current
}

func (t *memoryTx) staged(id string) (domain.StockRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.pending[id]
	return rec, ok
}

// releaseAll is called with t.mu held.
func (t *memoryTx) releaseAll() {
	for id, row := range t.held {
		unlock(row)
		delete(t.held, id)
	}
}

func waitLock(ctx context.Context, row *memoryRow) error {
	select {
	case row.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return domain.Cancelled(ctx.Err())
	}
}

func tryLock(row *memoryRow) bool {
	select {
	case row.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

func unlock(row *memoryRow) {
	<-row.lock
}
