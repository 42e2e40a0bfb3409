package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/txn"
	"github.com/rl1809/stockguard/internal/port"
)

var stockBucket = []byte("stock")

// ErrNestedTx is returned when a BoltDB transaction is begun while the
// transaction already bound to the context holds the writer.
var ErrNestedTx = errors.New("bolt: nested write transaction would deadlock")

var (
	_ port.VersionedRecordStore = (*BoltStore)(nil)
	_ port.ExclusiveReader      = (*BoltStore)(nil)
	_ port.TxBeginner           = (*BoltStore)(nil)
	_ port.Seeder               = (*BoltStore)(nil)
)

// BoltStore keeps records in a single BoltDB bucket, cbor encoded.
//
// BoltDB has one writer at a time, so every write transaction is exclusive
// over the whole database. A transaction takes the writer at its first write
// or exclusive read, never at Begin, so a boundary that only wraps work done
// on a detached context holds nothing. The writer is acquired through a
// context-aware semaphore before bolt's own lock so that waiting honours
// cancellation.
type BoltStore struct {
	db     *bbolt.DB
	writer chan struct{}
}

type boltTx struct {
	store  *BoltStore
	actual *bbolt.Tx // nil until the first write
	done   bool
}

type boltRecord struct {
	Quantity int64 `cbor:"1,keyasint"`
	Version  int64 `cbor:"2,keyasint"`
}

// OpenBoltStore opens (creating if needed) the database file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stockBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create stock bucket: %w", err)
	}

	return &BoltStore{db: db, writer: make(chan struct{}, 1)}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Begin(ctx context.Context) (port.Transaction, error) {
	if t := s.tx(ctx); t != nil && t.actual != nil {
		return nil, ErrNestedTx
	}
	return &boltTx{store: s}, nil
}

// writable returns the bolt write transaction, taking the writer on first use.
func (t *boltTx) writable(ctx context.Context) (*bbolt.Tx, error) {
	if t.actual != nil {
		return t.actual, nil
	}
	if err := t.store.lock(ctx); err != nil {
		return nil, err
	}

	actual, err := t.store.db.Begin(true)
	if err != nil {
		t.store.unlock()
		return nil, fmt.Errorf("begin bolt tx: %w", err)
	}
	t.actual = actual
	return actual, nil
}

func (t *boltTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	defer t.end()
	if t.actual == nil {
		return nil
	}
	return t.actual.Commit()
}

func (t *boltTx) Rollback(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	defer t.end()
	if t.actual == nil {
		return nil
	}
	return t.actual.Rollback()
}

func (t *boltTx) end() {
	t.done = true
	if t.actual != nil {
		t.store.unlock()
	}
}

func (s *BoltStore) Seed(ctx context.Context, id string, quantity int64) error {
	return s.update(ctx, func(b *bbolt.Bucket) error {
		rec, err := getBoltRecord(b, id)
		if errors.Is(err, domain.ErrRecordNotFound) {
			return putBoltRecord(b, id, boltRecord{Quantity: quantity})
		}
		if err != nil {
			return err
		}
		return putBoltRecord(b, id, boltRecord{Quantity: quantity, Version: rec.Version + 1})
	})
}

func (s *BoltStore) Read(ctx context.Context, id string) (domain.StockRecord, error) {
	var rec boltRecord
	err := s.view(ctx, func(b *bbolt.Bucket) (err error) {
		rec, err = getBoltRecord(b, id)
		return err
	})
	if err != nil {
		return domain.StockRecord{}, err
	}
	return domain.StockRecord{ID: id, Quantity: rec.Quantity, Version: rec.Version}, nil
}

func (s *BoltStore) ReadWithVersion(ctx context.Context, id string) (domain.StockRecord, error) {
	return s.Read(ctx, id)
}

// ReadForExclusiveAccess reads through the write transaction in ctx, which
// excludes every other writer until it ends.
func (s *BoltStore) ReadForExclusiveAccess(ctx context.Context, id string) (domain.StockRecord, error) {
	if t := s.tx(ctx); t != nil {
		if _, err := t.writable(ctx); err != nil {
			return domain.StockRecord{}, err
		}
	} else {
		if err := s.lock(ctx); err != nil {
			return domain.StockRecord{}, err
		}
		defer s.unlock()
	}
	return s.Read(ctx, id)
}

func (s *BoltStore) WriteIfVersionMatches(ctx context.Context, id string, quantity, expectedVersion int64) error {
	return s.update(ctx, func(b *bbolt.Bucket) error {
		rec, err := getBoltRecord(b, id)
		if errors.Is(err, domain.ErrRecordNotFound) {
			return domain.ErrConcurrencyConflict
		}
		if err != nil {
			return err
		}
		if rec.Version != expectedVersion {
			return domain.ErrConcurrencyConflict
		}
		return putBoltRecord(b, id, boltRecord{Quantity: quantity, Version: rec.Version + 1})
	})
}

func (s *BoltStore) Write(ctx context.Context, id string, quantity int64) error {
	return s.update(ctx, func(b *bbolt.Bucket) error {
		rec, err := getBoltRecord(b, id)
		if err != nil {
			return err
		}
		return putBoltRecord(b, id, boltRecord{Quantity: quantity, Version: rec.Version + 1})
	})
}

func (s *BoltStore) view(ctx context.Context, fn func(*bbolt.Bucket) error) error {
	if t := s.tx(ctx); t != nil && t.actual != nil {
		return fn(t.actual.Bucket(stockBucket))
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(stockBucket))
	})
}

// update runs fn in the transaction bound to ctx, or in its own
// auto-committed one. A failing fn leaves the bound transaction usable.
func (s *BoltStore) update(ctx context.Context, fn func(*bbolt.Bucket) error) error {
	if t := s.tx(ctx); t != nil {
		actual, err := t.writable(ctx)
		if err != nil {
			return err
		}
		return fn(actual.Bucket(stockBucket))
	}

	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(stockBucket))
	})
}

func (s *BoltStore) tx(ctx context.Context) *boltTx {
	t, ok := txn.TransactionFrom(ctx)
	if !ok {
		return nil
	}
	bt, ok := t.(*boltTx)
	if !ok || bt.store != s || bt.done {
		return nil
	}
	return bt
}

func (s *BoltStore) lock(ctx context.Context) error {
	select {
	case s.writer <- struct{}{}:
		return nil
	case <-ctx.Done():
		return domain.Cancelled(ctx.Err())
	}
}

func (s *BoltStore) unlock() {
	<-s.writer
}

func getBoltRecord(b *bbolt.Bucket, id string) (boltRecord, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return boltRecord{}, domain.ErrRecordNotFound
	}

	var rec boltRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return boltRecord{}, fmt.Errorf("decode stock %s: %w", id, err)
	}
	return rec, nil
}

func putBoltRecord(b *bbolt.Bucket, id string, rec boltRecord) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode stock %s: %w", id, err)
	}
	return b.Put([]byte(id), data)
}
