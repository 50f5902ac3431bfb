// Package background models the host's background-execution capability: a
// transfer marked Background holds a Token for as long as it runs, and the
// host may revoke the token at any time.
package background

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Token is a held background-execution grant.
type Token interface {
	// Revoked is closed when the host withdraws the grant.
	Revoked() <-chan struct{}
	// Release returns the grant. It is safe to call more than once.
	Release()
}

// Executor hands out tokens.
type Executor interface {
	Acquire(ctx context.Context, name string) (Token, error)
}

// Noop grants every request immediately and never revokes.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (Token, error) {
	return noopToken{}, nil
}

type noopToken struct{}

func (noopToken) Revoked() <-chan struct{} { return nil }
func (noopToken) Release()                 {}

// Pool limits how many background transfers may run at once. Acquire blocks
// until a slot frees up. RevokeAll withdraws every outstanding token, which
// is how the server tells background transfers to stop on shutdown.
type Pool struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	tokens map[*poolToken]struct{}
}

// NewPool returns a pool with max slots. max <= 0 means one slot.
func NewPool(max int) *Pool {
	if max <= 0 {
		max = 1
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(max)),
		tokens: make(map[*poolToken]struct{}),
	}
}

func (p *Pool) Acquire(ctx context.Context, name string) (Token, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	t := &poolToken{pool: p, name: name, revoked: make(chan struct{})}
	p.mu.Lock()
	p.tokens[t] = struct{}{}
	p.mu.Unlock()
	return t, nil
}

// Active returns the number of tokens currently held.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tokens)
}

// Revoke withdraws the tokens held under name.
func (p *Pool) Revoke(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for t := range p.tokens {
		if t.name == name {
			t.revoke()
		}
	}
}

// RevokeAll withdraws every outstanding token.
func (p *Pool) RevokeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for t := range p.tokens {
		t.revoke()
	}
}

type poolToken struct {
	pool    *Pool
	name    string
	revoked chan struct{}

	revokeOnce  sync.Once
	releaseOnce sync.Once
}

func (t *poolToken) Revoked() <-chan struct{} { return t.revoked }

func (t *poolToken) revoke() {
	t.revokeOnce.Do(func() { close(t.revoked) })
}

func (t *poolToken) Release() {
	t.releaseOnce.Do(func() {
		t.pool.mu.Lock()
		delete(t.pool.tokens, t)
		t.pool.mu.Unlock()
		t.pool.sem.Release(1)
	})
}
