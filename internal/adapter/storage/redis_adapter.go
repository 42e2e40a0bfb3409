package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/txn"
	"github.com/rl1809/stockguard/internal/port"
)

const (
	stockKeyPrefix     = "stock:"
	lockKeyPrefix      = "lock:stock:"
	idempotencyKeyTTL  = 24 * time.Hour
	defaultLeaseTTL    = 30 * time.Second
	leasePollInterval  = 5 * time.Millisecond
	applyResultMissing = -1
	applyResultStale   = 0
)

var (
	_ port.VersionedRecordStore = (*RedisAdapter)(nil)
	_ port.ExclusiveReader      = (*RedisAdapter)(nil)
	_ port.TxBeginner           = (*RedisAdapter)(nil)
	_ port.Seeder               = (*RedisAdapter)(nil)
	_ port.IdempotencyStore     = (*RedisAdapter)(nil)
)

// applyScript writes a new quantity if the version still matches and the
// lease is either free (empty token) or owned by the caller.
var applyScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[2])
if ARGV[3] == '' then
	if owner then
		return 0
	end
elseif owner ~= ARGV[3] then
	return 0
end

local version = redis.call('HGET', KEYS[1], 'version')
if not version then
	return -1
end

version = tonumber(version)
if version ~= tonumber(ARGV[2]) then
	return 0
end

redis.call('HSET', KEYS[1], 'quantity', ARGV[1], 'version', version + 1)
return 1
`)

// commitScript applies every buffered write of a transaction or none of
// them. KEYS holds (record, lease) pairs; ARGV[1] is the owner token followed
// by a (quantity, base version) pair per record.
var commitScript = redis.NewScript(`
local n = #KEYS / 2
for i = 1, n do
	if redis.call('GET', KEYS[2 * i]) ~= ARGV[1] then
		return 0
	end
	local version = redis.call('HGET', KEYS[2 * i - 1], 'version')
	if not version or tonumber(version) ~= tonumber(ARGV[2 * i + 1]) then
		return 0
	end
end

for i = 1, n do
	redis.call('HSET', KEYS[2 * i - 1], 'quantity', ARGV[2 * i], 'version', tonumber(ARGV[2 * i + 1]) + 1)
end
return 1
`)

var seedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'quantity', ARGV[1])
	redis.call('HINCRBY', KEYS[1], 'version', 1)
else
	redis.call('HSET', KEYS[1], 'quantity', ARGV[1], 'version', 0)
end
return 1
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisAdapter keeps each record in a hash with quantity and version fields.
//
// Exclusive access is a lease key taken with SET NX PX. Writes made inside a
// transaction are buffered and applied by a single script on commit, which
// re-checks every base version and lease before writing any of them.
type RedisAdapter struct {
	client   *redis.Client
	leaseTTL time.Duration
}

type redisTx struct {
	adapter *RedisAdapter
	token   string

	mu      sync.Mutex
	leases  map[string]bool
	pending map[string]redisWrite
	done    bool
}

type redisWrite struct {
	record      domain.StockRecord
	baseVersion int64
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client, leaseTTL: defaultLeaseTTL}
}

func (r *RedisAdapter) Begin(ctx context.Context) (port.Transaction, error) {
	return &redisTx{
		adapter: r,
		token:   uuid.NewString(),
		leases:  map[string]bool{},
		pending: map[string]redisWrite{},
	}, nil
}

func (r *RedisAdapter) Seed(ctx context.Context, id string, quantity int64) error {
	if err := seedScript.Run(ctx, r.client, []string{stockKeyPrefix + id}, quantity).Err(); err != nil {
		return mapRedisError(ctx, "seed stock", err)
	}
	return nil
}

func (r *RedisAdapter) Read(ctx context.Context, id string) (domain.StockRecord, error) {
	if tx := r.tx(ctx); tx != nil {
		if w, ok := tx.staged(id); ok {
			return w.record, nil
		}
	}
	return r.readCommitted(ctx, id)
}

func (r *RedisAdapter) ReadWithVersion(ctx context.Context, id string) (domain.StockRecord, error) {
	return r.Read(ctx, id)
}

func (r *RedisAdapter) ReadForExclusiveAccess(ctx context.Context, id string) (domain.StockRecord, error) {
	tx := r.tx(ctx)
	if tx == nil {
		token := uuid.NewString()
		if err := r.acquireLease(ctx, id, token); err != nil {
			return domain.StockRecord{}, err
		}
		defer r.releaseLease(ctx, id, token)
		return r.readCommitted(ctx, id)
	}

	if err := tx.lease(ctx, id); err != nil {
		return domain.StockRecord{}, err
	}
	return r.Read(ctx, id)
}

func (r *RedisAdapter) WriteIfVersionMatches(ctx context.Context, id string, quantity, expectedVersion int64) error {
	tx := r.tx(ctx)
	if tx == nil {
		return r.applyResult(ctx, r.apply(ctx, r.client, id, quantity, expectedVersion, ""), domain.ErrConcurrencyConflict)
	}

	acquired, err := tx.tryLease(ctx, id)
	if err != nil {
		return err
	}
	if !acquired && !tx.holds(id) {
		return domain.ErrConcurrencyConflict
	}

	current, err := r.Read(ctx, id)
	if errors.Is(err, domain.ErrRecordNotFound) || (err == nil && current.Version != expectedVersion) {
		if acquired {
			tx.dropLease(ctx, id)
		}
		return domain.ErrConcurrencyConflict
	}
	if err != nil {
		return err
	}

	tx.stage(id, current, quantity)
	return nil
}

func (r *RedisAdapter) Write(ctx context.Context, id string, quantity int64) error {
	tx := r.tx(ctx)
	if tx == nil {
		token := uuid.NewString()
		if err := r.acquireLease(ctx, id, token); err != nil {
			return err
		}
		defer r.releaseLease(ctx, id, token)

		current, err := r.readCommitted(ctx, id)
		if err != nil {
			return err
		}
		return r.applyResult(ctx, r.apply(ctx, r.client, id, quantity, current.Version, token), domain.ErrRecordNotFound)
	}

	if err := tx.lease(ctx, id); err != nil {
		return err
	}
	current, err := r.Read(ctx, id)
	if err != nil {
		return err
	}

	tx.stage(id, current, quantity)
	return nil
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) readCommitted(ctx context.Context, id string) (domain.StockRecord, error) {
	fields, err := r.client.HGetAll(ctx, stockKeyPrefix+id).Result()
	if err != nil {
		return domain.StockRecord{}, mapRedisError(ctx, "query stock", err)
	}
	if len(fields) == 0 {
		return domain.StockRecord{}, domain.ErrRecordNotFound
	}

	quantity, err := strconv.ParseInt(fields["quantity"], 10, 64)
	if err != nil {
		return domain.StockRecord{}, fmt.Errorf("parse quantity of %s: %w", id, err)
	}
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return domain.StockRecord{}, fmt.Errorf("parse version of %s: %w", id, err)
	}

	return domain.StockRecord{ID: id, Quantity: quantity, Version: version}, nil
}

func (r *RedisAdapter) apply(ctx context.Context, c redis.Scripter, id string, quantity, expectedVersion int64, token string) *redis.Cmd {
	return applyScript.Run(ctx, c, applyKeys(id), quantity, expectedVersion, token)
}

func applyKeys(id string) []string {
	return []string{stockKeyPrefix + id, lockKeyPrefix + id}
}

// applyResult maps the script result. A stale version or a foreign lease is
// a conflict; a missing record becomes onMissing.
func (r *RedisAdapter) applyResult(ctx context.Context, cmd *redis.Cmd, onMissing error) error {
	n, err := cmd.Int()
	if err != nil {
		return mapRedisError(ctx, "update stock", err)
	}

	switch n {
	case applyResultMissing:
		return onMissing
	case applyResultStale:
		return domain.ErrConcurrencyConflict
	}
	return nil
}

func (r *RedisAdapter) acquireLease(ctx context.Context, id, token string) error {
	ticker := time.NewTicker(leasePollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, lockKeyPrefix+id, token, r.leaseTTL).Result()
		if err != nil {
			return mapRedisError(ctx, "acquire lease", err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return domain.Cancelled(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *RedisAdapter) releaseLease(ctx context.Context, id, token string) error {
	return releaseLeaseScript.Run(context.WithoutCancel(ctx), r.client, []string{lockKeyPrefix + id}, token).Err()
}

func (r *RedisAdapter) tx(ctx context.Context) *redisTx {
	t, ok := txn.TransactionFrom(ctx)
	if !ok {
		return nil
	}
	rt, ok := t.(*redisTx)
	if !ok || rt.adapter != r {
		return nil
	}
	return rt
}

func (t *redisTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.releaseAll(ctx)

	if len(t.pending) == 0 {
		return nil
	}

	keys := make([]string, 0, 2*len(t.pending))
	args := make([]any, 0, 1+2*len(t.pending))
	args = append(args, t.token)
	for id, w := range t.pending {
		keys = append(keys, applyKeys(id)...)
		args = append(args, w.record.Quantity, w.baseVersion)
	}

	if err := t.adapter.applyResult(ctx, commitScript.Run(ctx, t.adapter.client, keys, args...), domain.ErrConcurrencyConflict); err != nil {
		return fmt.Errorf("lease lost before commit: %w", err)
	}
	return nil
}

func (t *redisTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxDone
	}
	t.done = true

	t.pending = map[string]redisWrite{}
	t.releaseAll(ctx)
	return nil
}

func (t *redisTx) lease(ctx context.Context, id string) error {
	if t.holds(id) {
		return nil
	}
	if err := t.adapter.acquireLease(ctx, id, t.token); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.leases[id] = true
	return nil
}

// tryLease reports whether the lease was newly acquired.
func (t *redisTx) tryLease(ctx context.Context, id string) (bool, error) {
	if t.holds(id) {
		return false, nil
	}

	ok, err := t.adapter.client.SetNX(ctx, lockKeyPrefix+id, t.token, t.adapter.leaseTTL).Result()
	if err != nil {
		return false, mapRedisError(ctx, "acquire lease", err)
	}
	if ok {
		t.mu.Lock()
		t.leases[id] = true
		t.mu.Unlock()
	}
	return ok, nil
}

func (t *redisTx) dropLease(ctx context.Context, id string) {
	t.mu.Lock()
	delete(t.leases, id)
	t.mu.Unlock()
	t.adapter.releaseLease(ctx, id, t.token)
}

func (t *redisTx) holds(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leases[id]
}

func (t *redisTx) stage(id string, current domain.StockRecord, quantity int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	base := current.Version
	if w, ok := t.pending[id]; ok {
		base = w.baseVersion
	}

	current.Quantity = quantity
	current.Version = base + 1
	t.pending[id] = redisWrite{record: current, baseVersion: base}
}

func (t *redisTx) staged(id string) (redisWrite, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.pending[id]
	return w, ok
}

// releaseAll is called with t.mu held.
func (t *redisTx) releaseAll(ctx context.Context) {
	for id := range t.leases {
		t.adapter.releaseLease(ctx, id, t.token)
		delete(t.leases, id)
	}
}

func mapRedisError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return domain.Cancelled(ctx.Err())
	}
	return fmt.Errorf("%s: %w", op, err)
}
