package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryIdempotency is the in-process IdempotencyStore used when no Redis is
// configured. Keys expire after ttl.
type MemoryIdempotency struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	keys map[string]time.Time
}

func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	if ttl <= 0 {
		ttl = idempotencyKeyTTL
	}
	return &MemoryIdempotency{
		ttl:  ttl,
		now:  time.Now,
		keys: map[string]time.Time{},
	}
}

func (m *MemoryIdempotency) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return false, nil
	}

	for k, exp := range m.keys {
		if !now.Before(exp) {
			delete(m.keys, k)
		}
	}

	m.keys[key] = now.Add(m.ttl)
	return true, nil
}
