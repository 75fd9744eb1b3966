// Package lock provides an in-process keyed mutex with a bounded wait,
// used by the stores that have no database-side row locking.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// Keyed serializes work per key. Waiters give up after the configured timeout.
type Keyed struct {
	mu      sync.Mutex
	entries map[int64]*entry
	timeout time.Duration
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewKeyed returns a keyed lock with the given wait bound.
func NewKeyed(timeout time.Duration) *Keyed {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Keyed{
		entries: make(map[int64]*entry),
		timeout: timeout,
	}
}

// Acquire blocks until the key is free, the wait bound elapses or ctx is done.
// On timeout it returns shared.ErrLearnerBusy, which is retryable.
func (k *Keyed) Acquire(ctx context.Context, key int64) (release func(), err error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	timer := time.NewTimer(k.timeout)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				k.unref(key, e)
			})
		}, nil
	case <-timer.C:
		k.unref(key, e)
		return nil, shared.ErrLearnerBusy
	case <-ctx.Done():
		k.unref(key, e)
		return nil, ctx.Err()
	}
}

func (k *Keyed) unref(key int64, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
