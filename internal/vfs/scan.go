// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package vfs

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shossjer/fimbulwinter/internal/content"
	"github.com/shossjer/fimbulwinter/internal/scheduler"
	"github.com/shossjer/fimbulwinter/internal/watch"
)

// Scan enumerates files under directory (recursively, if
// RecurseDirectories is set) and invokes cb(added, removed, payload) on
// strand. The first invocation reports every file found as added.
// If flags has AddWatch, id is registered as a persistent watch:
// subsequent file creation/deletion events invoke cb again carrying
// only the delta, and an OS buffer overflow re-walks the directory and
// reports the true added/removed set against what was last reported.
func (fs *FS) Scan(id, dir content.Hash, strand scheduler.Strand, cb ScanCallback, payload any, flags Flags) error {
	d, err := fs.resolve(dir)
	if err != nil {
		return err
	}
	recursive := flags.has(RecurseDirectories)

	found, err := walkFiles(d.path, recursive)
	if err != nil {
		return err
	}

	known := &scanKnown{}
	known.reset(found)

	if err := fs.sched.PostWork(strand, func(scheduler.Strand, any) {
		cb(found, nil, payload)
	}, nil); err != nil {
		return err
	}

	if !flags.has(AddWatch) {
		return nil
	}

	w := &watch.ScanWatch{
		ID:        id,
		Dir:       dir,
		Recursive: recursive,
	}
	w.Changed = func(added, removed []string) {
		if added == nil && removed == nil {
			fs.deliverRescan(d.path, recursive, known, strand, cb, payload)
			return
		}
		known.apply(added, removed)
		if err := fs.sched.PostWork(strand, func(scheduler.Strand, any) {
			cb(added, removed, payload)
		}, nil); err != nil {
			log.Warn("post work failed for scan delta", "dir", d.path, "error", err)
		}
	}
	if err := fs.backend.AddScanWatch(d.path, w); err != nil {
		return err
	}
	fs.addWatchRef(dir, id)
	return nil
}

// deliverRescan re-walks dirPath after an OS buffer overflow and posts
// the true added/removed delta against the last known set, so a caller
// watching the scan never sees a file reported twice as "added" without
// an intervening "removed".
func (fs *FS) deliverRescan(dirPath string, recursive bool, known *scanKnown, strand scheduler.Strand, cb ScanCallback, payload any) {
	found, err := walkFiles(dirPath, recursive)
	if err != nil {
		log.Warn("rescan after buffer overflow failed", "dir", dirPath, "error", err)
		return
	}
	added, removed := known.diff(found)
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	if err := fs.sched.PostWork(strand, func(scheduler.Strand, any) {
		cb(added, removed, payload)
	}, nil); err != nil {
		log.Warn("post work failed for overflow rescan", "dir", dirPath, "error", err)
	}
}

// scanKnown tracks the set of relative paths a scan watch last reported
// as present, so a buffer-overflow rescan can compute a true delta
// instead of re-announcing the whole directory as freshly added.
type scanKnown struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func (k *scanKnown) reset(paths []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.set = make(map[string]struct{}, len(paths))
	for _, p := range paths {
		k.set[p] = struct{}{}
	}
}

func (k *scanKnown) apply(added, removed []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, p := range added {
		k.set[p] = struct{}{}
	}
	for _, p := range removed {
		delete(k.set, p)
	}
}

func (k *scanKnown) diff(found []string) (added, removed []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	present := make(map[string]struct{}, len(found))
	for _, p := range found {
		present[p] = struct{}{}
		if _, ok := k.set[p]; !ok {
			added = append(added, p)
		}
	}
	for p := range k.set {
		if _, ok := present[p]; !ok {
			removed = append(removed, p)
		}
	}
	k.set = present
	return added, removed
}

// walkFiles lists every regular file under root, relative to root and
// '/'-separated, recursing into subdirectories only if recursive is set.
func walkFiles(root string, recursive bool) ([]string, error) {
	var out []string
	if !recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				out = append(out, e.Name())
			}
		}
		return out, nil
	}

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warn("scan walk error", "path", p, "error", err)
			return nil
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		out = append(out, toSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, string(os.PathSeparator), "/")
}
