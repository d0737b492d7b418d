// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package syncutil wraps the standard library's locking primitives so
// that a critical section held for longer than expected shows up in
// the logs instead of silently stalling a strand or a watch backend.
package syncutil

import (
	"os"
	"sync"
	"time"

	"github.com/shossjer/fimbulwinter/internal/slogutil"
)

var log = slogutil.Default("syncutil")

// logThreshold is how long a lock may be held before it is logged.
// Kept generous: this is a diagnostic aid, not a correctness check, and
// a noisy threshold would drown out real problems.
const logThreshold = 100 * time.Millisecond

func debugEnabled() bool {
	return os.Getenv("FIMBUL_DEBUG") != ""
}

// A Locker is anything with Lock/Unlock, satisfied by both *sync.Mutex
// and *loggedMutex below.
type Locker interface {
	Lock()
	Unlock()
}

// NewMutex returns a plain *sync.Mutex, or a logging wrapper around one
// when FIMBUL_DEBUG is set.
func NewMutex() Locker {
	if !debugEnabled() {
		return &sync.Mutex{}
	}
	return &loggedMutex{}
}

type loggedMutex struct {
	mut      sync.Mutex
	lockedAt time.Time
}

func (m *loggedMutex) Lock() {
	t0 := time.Now()
	m.mut.Lock()
	if d := time.Since(t0); d > logThreshold {
		log.Warn("mutex acquisition took long", "waited", d)
	}
	m.lockedAt = time.Now()
}

func (m *loggedMutex) Unlock() {
	if d := time.Since(m.lockedAt); d > logThreshold {
		log.Warn("mutex held long", "held", d)
	}
	m.mut.Unlock()
}

// An RWLocker is anything with RLock/RUnlock in addition to Lock/Unlock.
type RWLocker interface {
	Locker
	RLock()
	RUnlock()
}

// NewRWMutex returns a plain *sync.RWMutex, or a logging wrapper around
// one when FIMBUL_DEBUG is set. The wrapper times exclusive (Lock)
// sections the way NewMutex's does; read locks are not timed.
func NewRWMutex() RWLocker {
	if !debugEnabled() {
		return &sync.RWMutex{}
	}
	return &loggedRWMutex{}
}

type loggedRWMutex struct {
	mut      sync.RWMutex
	lockedAt time.Time
}

func (m *loggedRWMutex) Lock() {
	t0 := time.Now()
	m.mut.Lock()
	if d := time.Since(t0); d > logThreshold {
		log.Warn("rwmutex acquisition took long", "waited", d)
	}
	m.lockedAt = time.Now()
}

func (m *loggedRWMutex) Unlock() {
	if d := time.Since(m.lockedAt); d > logThreshold {
		log.Warn("rwmutex held long", "held", d)
	}
	m.mut.Unlock()
}

func (m *loggedRWMutex) RLock()   { m.mut.RLock() }
func (m *loggedRWMutex) RUnlock() { m.mut.RUnlock() }
