// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shossjer/fimbulwinter/internal/content"
)

// TestStrandFIFOOrdering: N tasks posted to one
// strand must execute in strict submission order even though several
// worker goroutines are available to run them.
func TestStrandFIFOOrdering(t *testing.T) {
	s := New(4)
	defer s.Stop()

	const n = 100
	strand := content.HashString("fifo-check")

	var mu sync.Mutex
	var seen []int
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		i := i
		err := s.PostWork(strand, func(Strand, any) {
			mu.Lock()
			seen = append(seen, i)
			mu.Unlock()
			wg.Done()
		}, nil)
		if err != nil {
			t.Fatalf("PostWork: %v", err)
		}
	}

	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Fatalf("expected %d tasks to run, got %d", n, len(seen))
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("strand FIFO violated at position %d: got %d, want %d", i, v, i)
		}
	}
}

// TestDifferentStrandsRunConcurrently checks the "no ordering across
// strands" guarantee by making sure two strands can make progress
// without waiting on one another.
func TestDifferentStrandsRunConcurrently(t *testing.T) {
	s := New(4)
	defer s.Stop()

	release := make(chan struct{})
	blocked := make(chan struct{})

	err := s.PostWork(content.HashString("A"), func(Strand, any) {
		close(blocked)
		<-release
	}, nil)
	if err != nil {
		t.Fatalf("PostWork: %v", err)
	}

	<-blocked

	var ran int32
	done := make(chan struct{})
	err = s.PostWork(content.HashString("B"), func(Strand, any) {
		atomic.StoreInt32(&ran, 1)
		close(done)
	}, nil)
	if err != nil {
		t.Fatalf("PostWork: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("strand B starved behind blocked strand A")
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("strand B task did not run")
	}
	close(release)
}

// TestStopDrainsStrandBacklog calls Stop while a strand still has a
// deep pending queue: every accepted task must run before Stop
// returns, and advancing the strand past the shutdown must not panic.
func TestStopDrainsStrandBacklog(t *testing.T) {
	s := New(2)
	strand := content.HashString("backlog")

	const n = 50
	var count int32
	for i := 0; i < n; i++ {
		err := s.PostWork(strand, func(Strand, any) {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&count, 1)
		}, nil)
		if err != nil {
			t.Fatalf("PostWork: %v", err)
		}
	}

	s.Stop()

	if got := atomic.LoadInt32(&count); got != n {
		t.Fatalf("Stop returned with %d of %d tasks executed", got, n)
	}
}

func TestPostWorkAfterStopFails(t *testing.T) {
	s := New(1)
	s.Stop()

	err := s.PostWork(NoStrand, func(Strand, any) {}, nil)
	if err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for tasks to complete")
	}
}
