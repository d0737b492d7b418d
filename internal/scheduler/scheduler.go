// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package scheduler implements a strand-based task scheduler: work
// items sharing a non-empty strand run in submission order, one at a
// time, while work on different strands runs in parallel across a
// supervised worker pool.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/thejerf/suture/v4"

	"github.com/shossjer/fimbulwinter/internal/content"
	"github.com/shossjer/fimbulwinter/internal/slogutil"
	"github.com/shossjer/fimbulwinter/internal/syncutil"
)

var log = slogutil.Default("scheduler")

// A Strand designates a logical queue on which work runs sequentially.
// The zero Strand means "any worker, no ordering".
type Strand = content.Hash

// NoStrand is the empty strand: work posted on it may run on any
// worker with no ordering guarantee relative to other NoStrand work.
var NoStrand Strand

// Func is the work a Task performs. strand is the strand it was
// submitted on (NoStrand if none), so a Func can tell whether it is
// running with exclusive access to that strand's state.
type Func func(strand Strand, payload any)

// ErrClosed is returned by PostWork once the Scheduler has begun
// shutting down.
var ErrClosed = errors.New("scheduler: closed")

type task struct {
	strand  Strand
	fn      Func
	payload any
}

// A Scheduler executes submitted work such that items sharing a
// non-empty strand run in submission order, at most one at a time,
// while items on different strands may run in parallel up to the
// configured worker count.
type Scheduler struct {
	ready chan task

	mu       syncutil.Locker
	strands  map[Strand]*strandQueue
	tasks    int // accepted but not yet finished, queued ones included
	closing  bool
	drained  chan struct{}
	closed   chan struct{}
	workerWG sync.WaitGroup

	supervisor *suture.Supervisor
}

type strandQueue struct {
	pending  []task
	inFlight bool
}

// New constructs a Scheduler backed by threadCount worker goroutines,
// supervised so a worker that panics is restarted rather than silently
// shrinking the pool. threadCount must be at least 1.
func New(threadCount int) *Scheduler {
	if threadCount < 1 {
		threadCount = 1
	}

	s := &Scheduler{
		ready:   make(chan task, 256),
		mu:      syncutil.NewMutex(),
		strands: make(map[Strand]*strandQueue),
		closed:  make(chan struct{}),
		supervisor: suture.New("scheduler", suture.Spec{
			EventHook: func(ev suture.Event) {
				log.Warn("worker supervision event", "event", ev.String())
			},
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-s.closed
		cancel()
	}()

	for i := 0; i < threadCount; i++ {
		s.workerWG.Add(1)
		s.supervisor.Add(&worker{s: s, wg: &s.workerWG})
	}
	go s.supervisor.Serve(ctx)

	return s
}

// PostWork enqueues fn to run on strand with payload. It returns
// immediately; fn runs asynchronously. Payload ownership passes to the
// scheduler and is released (eligible for GC) once fn returns.
func (s *Scheduler) PostWork(strand Strand, fn Func, payload any) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrClosed
	}

	t := task{strand: strand, fn: fn, payload: payload}
	s.tasks++

	if strand == NoStrand {
		s.mu.Unlock()
		s.ready <- t
		return nil
	}

	q, ok := s.strands[strand]
	if !ok {
		q = &strandQueue{}
		s.strands[strand] = q
	}
	if q.inFlight {
		q.pending = append(q.pending, t)
		s.mu.Unlock()
		return nil
	}
	q.inFlight = true
	s.mu.Unlock()

	s.ready <- t
	return nil
}

// finish is called by a worker after it executes a task. It pops the
// next pending item for the task's strand onto the ready queue, or
// marks the strand idle, and signals a blocked Stop once the very
// last accepted task has run. The ready queue is never closed while a
// successor remains to be pushed, so finish may send unconditionally.
func (s *Scheduler) finish(strand Strand) {
	var next *task

	s.mu.Lock()
	if strand != NoStrand {
		if q := s.strands[strand]; q != nil {
			if len(q.pending) > 0 {
				t := q.pending[0]
				q.pending = q.pending[1:]
				next = &t
			} else {
				q.inFlight = false
				delete(s.strands, strand)
			}
		}
	}
	s.tasks--
	var drained chan struct{}
	if s.closing && s.tasks == 0 {
		drained = s.drained
	}
	s.mu.Unlock()

	if next != nil {
		s.ready <- *next
	}
	if drained != nil {
		close(drained)
	}
}

// Stop refuses further work, drains everything already accepted -
// strand backlogs included - and blocks until every worker has
// observed the terminate sentinel (the closed ready queue). It is
// safe to call Stop more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		<-s.closed
		return
	}
	s.closing = true
	var drained chan struct{}
	if s.tasks > 0 {
		drained = make(chan struct{})
		s.drained = drained
	}
	s.mu.Unlock()

	if drained != nil {
		<-drained
	}
	close(s.ready)
	s.workerWG.Wait()
	close(s.closed)
}

type worker struct {
	s  *Scheduler
	wg *sync.WaitGroup
}

func (w *worker) Serve(ctx context.Context) error {
	defer w.wg.Done()
	for {
		select {
		case t, ok := <-w.s.ready:
			if !ok {
				return suture.ErrDoNotRestart
			}
			runTask(t)
			w.s.finish(t.strand)
		case <-ctx.Done():
			return suture.ErrDoNotRestart
		}
	}
}

func runTask(t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "strand", t.strand, "recover", r)
		}
	}()
	t.fn(t.strand, t.payload)
}
