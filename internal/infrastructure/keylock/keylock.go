// Package keylock provides in-process advisory locks keyed by string.
//
// The booking service takes the machine and user keys of a request before it
// opens a store transaction, so requests touching the same machine or user
// queue in the process instead of colliding inside the store.
package keylock

import (
	"context"
	"sort"
	"sync"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Locker hands out one lock per key. The zero value is not usable.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

func (l *Locker) acquireRef(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) dropRef(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Lock blocks until key is free or ctx is done. A cancelled wait is transient.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquireRef(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.dropRef(key, e)
		return nil, apperror.Wrap(apperror.KindTransient, ctx.Err(), "waiting for lock "+key)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.dropRef(key, e)
		})
	}, nil
}

// LockAll takes every distinct key in sorted order and releases them in reverse.
func (l *Locker) LockAll(ctx context.Context, keys ...string) (func(), error) {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok || k == "" {
			continue
		}
		seen[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	unlocks := make([]func(), 0, len(sorted))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range sorted {
		unlock, err := l.Lock(ctx, k)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// Held returns the number of keys currently locked or awaited.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
