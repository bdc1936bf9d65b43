package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrResponseTimeout = errors.New("pubsub response timed out")
	ErrConnectionLost  = errors.New("pubsub connection lost before response")
	ErrUnknownNonce    = errors.New("response for unknown nonce")
)

type waiter struct {
	typ    string
	topics []string
	done   chan error
}

// pendingTable maps request nonces to the callers waiting for their
// RESPONSE. Entries leave the table on response, timeout, cancellation or
// connection loss.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]*waiter)}
}

func (p *pendingTable) add(nonce, typ string, topics []string) *waiter {
	w := &waiter{typ: typ, topics: topics, done: make(chan error, 1)}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiters[nonce] = w
	return w
}

func (p *pendingTable) take(nonce string) *waiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.waiters[nonce]
	if ok {
		delete(p.waiters, nonce)
	}
	return w
}

func (p *pendingTable) remove(nonce string) {
	p.take(nonce)
}

// Resolve completes the request identified by nonce.
func (p *pendingTable) Resolve(nonce, code string) error {
	w := p.take(nonce)
	if w == nil {
		return fmt.Errorf("%w: %q", ErrUnknownNonce, nonce)
	}
	if code == "" {
		w.done <- nil
		return nil
	}
	w.done <- &ResponseError{Type: w.typ, Nonce: nonce, Code: code, Topics: w.topics}
	return nil
}

// wait blocks until the request added as nonce is resolved, timeout
// elapses or ctx ends.
func (p *pendingTable) wait(ctx context.Context, nonce string, w *waiter, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-w.done:
		return err
	case <-timer.C:
		p.remove(nonce)
		return fmt.Errorf("%w after %s", ErrResponseTimeout, timeout)
	case <-ctx.Done():
		p.remove(nonce)
		return ctx.Err()
	}
}

// failAll completes every outstanding request with err.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]*waiter)
	p.mu.Unlock()

	for _, w := range waiters {
		w.done <- err
	}
	return len(waiters)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
