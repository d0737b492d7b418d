// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package vfs

import (
	"path/filepath"

	"github.com/shossjer/fimbulwinter/internal/content"
	"github.com/shossjer/fimbulwinter/internal/scheduler"
	"github.com/shossjer/fimbulwinter/internal/slogutil"
	"github.com/shossjer/fimbulwinter/internal/syncutil"
	"github.com/shossjer/fimbulwinter/internal/watch"
)

var log = slogutil.Default("vfs")

// ReadCallback receives the stream opened by Read, along with the
// payload Read was called with. It runs on the strand Read was posted
// to, and is invoked again on every subsequent change if AddWatch was
// set.
type ReadCallback func(stream *ReadStream, payload any)

// ScanCallback receives the set of relative paths added and removed
// since the previous call. The first invocation reports every file
// found as added.
type ScanCallback func(added, removed []string, payload any)

// WriteCallback receives the stream Write opened, and supplies the
// bytes to commit.
type WriteCallback func(stream *WriteStream, payload any)

// FS is a directory-alias registry plus the Read, Scan and Write
// operations, each optionally backed by a persistent OS-level watch
// managed through internal/watch.
type FS struct {
	sched   *scheduler.Scheduler
	backend *watch.Backend

	mu   syncutil.RWLocker
	dirs map[content.Hash]*directory
}

// New constructs an FS rooted at rootPath, bound to the Root alias, and
// driven by sched for every callback invocation.
func New(sched *scheduler.Scheduler, rootPath string) *FS {
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		abs = rootPath
	}
	fs := &FS{
		sched:   sched,
		backend: watch.New(),
		mu:      syncutil.NewRWMutex(),
		dirs:    make(map[content.Hash]*directory),
	}
	fs.dirs[Root] = &directory{name: Root, path: filepath.Clean(abs) + string(filepath.Separator), shares: 1}
	return fs
}

// Close stops the watch backend. Outstanding scheduler work is left to
// the Scheduler's own Stop.
func (fs *FS) Close() {
	fs.backend.Close()
}

func (fs *FS) absPath(dir content.Hash, rel string) (string, error) {
	d, err := fs.resolve(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.path, filepath.FromSlash(rel)), nil
}

// addWatchRef records id as a live watch under dir, so an unregister
// of dir can force-stop whatever is still attached to it.
func (fs *FS) addWatchRef(dir, id content.Hash) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if d, ok := fs.dirs[dir]; ok {
		if d.watches == nil {
			d.watches = make(map[content.Hash]struct{})
		}
		d.watches[id] = struct{}{}
	}
}

func (fs *FS) dropWatchRef(dir, id content.Hash) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if d, ok := fs.dirs[dir]; ok {
		delete(d.watches, id)
	}
}

// RemoveWatch cancels a previously installed Read or Scan watch. It is
// idempotent, matching internal/watch.Backend's own contract.
func (fs *FS) RemoveWatch(dir, id content.Hash) {
	fs.backend.RemoveWatch(id)
	fs.dropWatchRef(dir, id)
}
