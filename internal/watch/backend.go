// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package watch delivers OS-level change notifications to read and
// scan subscribers: per directory, Idle until a first subscriber arrives,
// Watching while at least one ReadWatch or ScanWatch is registered,
// back to Idle when the last one is removed. A buffer overflow (the OS
// coalesced events we could not keep up with) is treated as "the whole
// directory may have changed" and triggers a full rescan of every
// ScanWatch on that directory.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/syncthing/notify"
	"github.com/thejerf/suture/v4"

	"github.com/shossjer/fimbulwinter/internal/content"
	"github.com/shossjer/fimbulwinter/internal/slogutil"
)

var log = slogutil.Default("watch")

// A ReadWatch fires Changed when the watched file is written, and
// Missing (if reportMissing is set) when it is deleted.
type ReadWatch struct {
	ID            content.Hash
	Dir           content.Hash
	Path          string // absolute, OS-native
	Rel           string // relative to Dir, '/'-separated
	Changed       func()
	Missing       func()
	ReportMissing bool
}

// A ScanWatch fires Changed with the added/removed relative paths
// whenever files are created or removed under Dir (recursively, if
// Recursive is set).
type ScanWatch struct {
	ID        content.Hash
	Dir       content.Hash
	Path      string
	Recursive bool
	Changed   func(added, removed []string)
}

type dirState struct {
	path   string
	events chan notify.EventInfo
	reads  map[string]*ReadWatch // relative path -> watch
	scans  map[content.Hash]*ScanWatch
}

type subscribeReadMsg struct {
	w    *ReadWatch
	done chan error
}

type subscribeScanMsg struct {
	w    *ScanWatch
	done chan error
}

type unsubscribeMsg struct {
	id   content.Hash
	done chan struct{}
}

// A Backend owns exactly one I/O goroutine, on which every
// subscription mutation and every dispatched filesystem event is
// handled.
type Backend struct {
	control chan any
	done    chan struct{}

	sup    *suture.Supervisor
	cancel context.CancelFunc
}

// New starts the Backend's I/O goroutine, supervised so that a panic
// inside event handling restarts it instead of silently stopping
// delivery.
func New() *Backend {
	b := &Backend{
		control: make(chan any),
		done:    make(chan struct{}),
		sup: suture.New("watch-backend", suture.Spec{
			EventHook: func(ev suture.Event) {
				log.Warn("io goroutine supervision event", "event", ev.String())
			},
		}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.sup.Add(&ioLoop{b: b})
	go b.sup.Serve(ctx)
	return b
}

// Close stops the I/O goroutine and every live OS-level watch.
func (b *Backend) Close() {
	close(b.done)
	b.cancel()
}

// AddReadWatch installs w. dirPath must be the real, absolute OS path
// backing w.Dir (the vfs package resolves aliases before calling in).
func (b *Backend) AddReadWatch(dirPath string, w *ReadWatch) error {
	done := make(chan error, 1)
	w.Path = dirPath
	select {
	case b.control <- subscribeReadMsg{w: w, done: done}:
	case <-b.done:
		return errClosed
	}
	return <-done
}

// AddScanWatch installs w, starting OS-level watching of w.Dir if this
// is the first subscriber.
func (b *Backend) AddScanWatch(dirPath string, w *ScanWatch) error {
	done := make(chan error, 1)
	w.Path = dirPath
	select {
	case b.control <- subscribeScanMsg{w: w, done: done}:
	case <-b.done:
		return errClosed
	}
	return <-done
}

// RemoveWatch cancels the watch previously installed with this id.
// Idempotent: removing an unknown id is a no-op.
func (b *Backend) RemoveWatch(id content.Hash) {
	done := make(chan struct{})
	select {
	case b.control <- unsubscribeMsg{id: id, done: done}:
		<-done
	case <-b.done:
	}
}

var errClosed = osClosedErr{}

type osClosedErr struct{}

func (osClosedErr) Error() string { return "watch: backend closed" }

// toSlash canonicalizes an OS-returned path to use '/' exclusively;
// subscribers never see a backslash-separated path.
func toSlash(p string) string {
	return strings.ReplaceAll(p, string(os.PathSeparator), "/")
}

func relPath(dir, abs string) string {
	rel, err := filepath.Rel(dir, abs)
	if err != nil {
		return toSlash(abs)
	}
	return toSlash(rel)
}
