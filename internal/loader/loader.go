// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package loader maintains a dependency-tracking graph of loaded
// files, keyed by the 32-bit content hash of their logical name. Every
// graph mutation is serialized onto one dedicated scheduler strand (so
// the maps themselves need no lock), while ready/unready delivery to
// callers is serialized onto each individual file's own strand - the
// scheduler strand keyed by that file's content.Hash - so that ready
// and unready calls for a single file are always strictly ordered
// relative to one another without an additional lock either.
package loader

import (
	"errors"
	"os"
	"sync/atomic"

	"github.com/shossjer/fimbulwinter/internal/content"
	"github.com/shossjer/fimbulwinter/internal/scheduler"
	"github.com/shossjer/fimbulwinter/internal/slogutil"
	"github.com/shossjer/fimbulwinter/internal/vfs"
)

var log = slogutil.Default("loader")

// Global is the reserved owner identifier used by LoadGlobal/UnloadGlobal
// for top-level loads that aren't owned by another file. It is the zero
// Hash, matching content.Zero.
var Global content.Hash

// ReadyFunc is invoked once a file, and every dependency gating it, has
// finished loading. file is the literal reference the caller passed to
// the Load* call (which may be a stem, not the resolved full name).
type ReadyFunc func(payload any, file content.Hash)

// UnreadyFunc is invoked when a file is unloaded, or just before it is
// reloaded after a change on disk.
type UnreadyFunc func(payload any, file content.Hash)

// LoadFunc parses the bytes behind a file. It may call Loader.LoadDependency
// against the owner it was invoked for, to assert further files that
// must themselves finish loading before owner is considered ready.
type LoadFunc func(stream *vfs.ReadStream, payload any, file content.Hash)

// UnloadFunc releases whatever the matching LoadFunc produced.
type UnloadFunc func(payload any, file content.Hash)

// bodyInFlight is the high bit of an entry's remainingCount: set while
// the file's own bytes are still being read by its filetype, cleared
// once that read returns. remainingCount reaches zero, and the entry
// transitions to Loaded, only once this bit is clear and every
// dependency asserted during the load has itself become Loaded.
const bodyInFlight int32 = -1 << 31

var (
	ErrUnknownFile     = errors.New("loader: file not known to any registered library")
	ErrAmbiguousStem   = errors.New("loader: stem matches more than one file")
	ErrIsDirectory     = errors.New("loader: directories cannot be loaded")
	ErrUnknownFiletype = errors.New("loader: filetype not registered")
	ErrNotInLoadCall   = errors.New("loader: dependency asserted outside the owner's load callback")
)

// A Loader maintains the file graph. Its maps are mutated exclusively
// by closures running on strand; nothing else may touch them, so no
// separate lock protects them.
type Loader struct {
	sched  *scheduler.Scheduler
	fs     *vfs.FS
	strand scheduler.Strand

	filetypes map[content.Hash]*filetypeEntry
	files     map[content.Hash]*fileEntry

	// libraries maps each registered library alias to the generation of
	// its live scan subscription, so a scan delta queued by a
	// subscription that has since been torn down is dropped instead of
	// resurrecting entries.
	libraries map[content.Hash]uint64
	gen       atomic.Uint64

	// active is the file whose filetype load callback is currently
	// executing on the loader strand; LoadDependency is only legal
	// while it matches the owner argument.
	active content.Hash

	stats Stats
}

// New constructs a Loader driven by sched for all ordering and
// callback delivery, and backed by fs for directory scans, reads and
// change watches.
func New(sched *scheduler.Scheduler, fs *vfs.FS) *Loader {
	return &Loader{
		sched:     sched,
		fs:        fs,
		strand:    content.HashString("fimbul-loader-strand"),
		filetypes: make(map[content.Hash]*filetypeEntry),
		files:     make(map[content.Hash]*fileEntry),
		libraries: make(map[content.Hash]uint64),
	}
}

// Close releases every watch the loader installed and discards its
// graph. It blocks until that teardown, and anything already queued
// ahead of it on the loader strand, has run.
func (l *Loader) Close() {
	done := make(chan struct{})
	err := l.sched.PostWork(l.strand, func(scheduler.Strand, any) {
		for file, e := range l.files {
			switch e.kind {
			case kindLoading, kindLoaded:
				l.fs.RemoveWatch(e.dir, file)
			case kindDirectory:
				l.fs.RemoveWatch(file, file)
			}
		}
		l.filetypes = make(map[content.Hash]*filetypeEntry)
		l.files = make(map[content.Hash]*fileEntry)
		l.libraries = make(map[content.Hash]uint64)
		close(done)
	}, nil)
	if err != nil {
		log.Warn("close: loader strand already shut down", "error", err)
		return
	}
	<-done
}

// contractViolation logs a caller precondition failure. With
// FIMBUL_DEBUG set it panics instead, so tests and debug sessions trip
// immediately rather than limping on with the operation skipped.
func contractViolation(msg string, args ...any) {
	log.Warn(msg, args...)
	if os.Getenv("FIMBUL_DEBUG") != "" {
		panic("loader: contract violation: " + msg)
	}
}
