// Package gate provides the in-process mutual exclusion used by the
// serialized strategy.
package gate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rl1809/stockguard/internal/core/domain"
)

// Gate admits one caller at a time per key.
type Gate interface {
	// Enter blocks until the caller holds the gate for key or ctx is done.
	// The returned release func must be called exactly once.
	Enter(ctx context.Context, key string) (release func(), err error)
}

// New builds a gate from its configuration name.
func New(kind string) (Gate, error) {
	switch strings.ToLower(kind) {
	case "", "global":
		return NewGlobal(), nil
	case "per-record", "per_record", "keyed":
		return NewPerKey(), nil
	default:
		return nil, fmt.Errorf("unknown gate %q", kind)
	}
}

// Global serializes every key through a single gate, so operations on
// different records also wait for each other. Throughput is one operation
// per process.
type Global struct {
	sem chan struct{}
}

func NewGlobal() *Global {
	return &Global{sem: make(chan struct{}, 1)}
}

func (g *Global) Enter(ctx context.Context, _ string) (func(), error) {
	if err := acquire(ctx, g.sem); err != nil {
		return nil, err
	}
	return func() { <-g.sem }, nil
}

// PerKey keeps one gate per key; keys with no holder or waiter are dropped.
type PerKey struct {
	mu    sync.Mutex
	gates map[string]*keyGate
}

type keyGate struct {
	sem  chan struct{}
	refs int
}

func NewPerKey() *PerKey {
	return &PerKey{gates: map[string]*keyGate{}}
}

func (p *PerKey) Enter(ctx context.Context, key string) (func(), error) {
	p.mu.Lock()
	g, ok := p.gates[key]
	if !ok {
		g = &keyGate{sem: make(chan struct{}, 1)}
		p.gates[key] = g
	}
	g.refs++
	p.mu.Unlock()

	if err := acquire(ctx, g.sem); err != nil {
		p.unref(key, g)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-g.sem
			p.unref(key, g)
		})
	}, nil
}

func (p *PerKey) unref(key string, g *keyGate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g.refs--
	if g.refs == 0 {
		delete(p.gates, key)
	}
}

// size reports the number of live key gates.
func (p *PerKey) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.gates)
}

func acquire(ctx context.Context, sem chan struct{}) error {
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return domain.Cancelled(ctx.Err())
	}
}
