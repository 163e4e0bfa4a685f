// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"sync"
)

// PathLocks serializes work per key, typically a canonical file path.
//
// # Description
//
// Each key gets a one-slot semaphore that exists only while someone holds
// or waits for it, so the map does not grow with every file ever touched.
// Waiting honors context cancellation.
//
// # Thread Safety
//
// Safe for concurrent use.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	sem  chan struct{}
	refs int
}

// NewPathLocks creates an empty lock set.
func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*pathLock)}
}

// Acquire blocks until the lock for key is held or ctx is done.
//
// # Outputs
//
//   - func(): Releases the lock. Safe to call more than once.
//   - error: ctx.Err() if the context ended while waiting.
func (l *PathLocks) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	pl, ok := l.locks[key]
	if !ok {
		pl = &pathLock{sem: make(chan struct{}, 1)}
		l.locks[key] = pl
	}
	pl.refs++
	l.mu.Unlock()

	select {
	case pl.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-pl.sem
				l.unref(key, pl)
			})
		}, nil
	case <-ctx.Done():
		l.unref(key, pl)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or awaited.
func (l *PathLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *PathLocks) unref(key string, pl *pathLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl.refs--
	if pl.refs == 0 {
		delete(l.locks, key)
	}
}
