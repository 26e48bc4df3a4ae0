// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planlock

import (
	"context"
	"sync"
	"time"
)

// LocalLocker is a keyed mutex. Entries are reference counted and removed
// once no goroutine holds or waits for them.
//
// # Thread Safety
//
// Safe for concurrent use.
type LocalLocker struct {
	maxWait time.Duration
	mu      sync.Mutex
	locks   map[string]*localEntry
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// NewLocalLocker creates a LocalLocker. maxWait <= 0 waits until ctx is done.
func NewLocalLocker(maxWait time.Duration) *LocalLocker {
	return &LocalLocker{
		maxWait: maxWait,
		locks:   make(map[string]*localEntry),
	}
}

// Lock acquires key.
func (l *LocalLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	wctx, cancel := withMaxWait(ctx, l.maxWait)
	defer cancel()

	select {
	case e.sem <- struct{}{}:
	case <-wctx.Done():
		l.release(key, e)
		return nil, waitErr(key, wctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(key, e)
		})
	}, nil
}

func (l *LocalLocker) release(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Close is a no-op.
func (l *LocalLocker) Close() error {
	return nil
}

// size returns the number of live entries.
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
