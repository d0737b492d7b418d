// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package loader

import (
	"strings"

	"github.com/shossjer/fimbulwinter/internal/content"
	"github.com/shossjer/fimbulwinter/internal/scheduler"
	"github.com/shossjer/fimbulwinter/internal/vfs"
)

// RegisterLibrary treats the directory alias dir as a library root: an
// initial recursive scan populates one entry per file found (plus stem
// aliases), and a scan watch keeps those entries in step with file
// creation and deletion under the root. The scan subscription is
// installed before this returns, so a Load issued right after sees the
// initial population queued ahead of it on the loader strand.
func (l *Loader) RegisterLibrary(dir content.Hash) error {
	gen := l.gen.Add(1)
	first := true
	cb := func(added, removed []string, _ any) {
		if first {
			first = false
			l.libraries[dir] = gen
			l.files[dir] = &fileEntry{kind: kindDirectory}
		}
		if l.libraries[dir] != gen {
			log.Debug("dropping scan delta from torn-down library subscription", "dir", dir)
			return
		}
		for _, p := range added {
			l.addScanned(dir, p)
		}
		for _, p := range removed {
			l.removeScanned(dir, p)
		}
	}
	return l.fs.Scan(dir, dir, l.strand, cb, nil, vfs.AddWatch|vfs.RecurseDirectories)
}

// UnregisterLibrary is the inverse: the scan watch is removed, every
// entry the library contributed is torn down (cascading unloads for
// anything Loading or Loaded), and the library root entry disappears.
func (l *Loader) UnregisterLibrary(dir content.Hash) error {
	l.fs.RemoveWatch(dir, dir)
	return l.sched.PostWork(l.strand, func(scheduler.Strand, any) {
		if _, ok := l.libraries[dir]; !ok {
			contractViolation("unregister of unknown library", "dir", dir)
			return
		}
		delete(l.libraries, dir)
		delete(l.files, dir)
		for _, e := range l.files {
			if e.dir != dir {
				continue
			}
			switch e.kind {
			case kindKnown, kindLoading, kindLoaded:
				l.removeScanned(dir, e.path)
			}
		}
	}, nil)
}

// addScanned records one freshly discovered file: a Known entry under
// its full name, plus a stem alias that is Unique while exactly one
// extension exists and Ambiguous from the second one on.
func (l *Loader) addScanned(dir content.Hash, path string) {
	h := content.HashString(path)
	if e, ok := l.files[h]; ok {
		// A file we already track reappeared (or the entry survives
		// from a previous generation); refresh its location. Loading
		// and Loaded entries keep their state - the read watch delivers
		// the new bytes.
		if e.kind == kindKnown {
			e.dir, e.path = dir, path
		}
	} else {
		l.files[h] = &fileEntry{kind: kindKnown, dir: dir, path: path}
	}

	stem, ok := stemOf(path)
	if !ok {
		return
	}
	hs := content.HashString(stem)
	se := l.files[hs]
	switch {
	case se == nil:
		l.files[hs] = &fileEntry{kind: kindUnique, dir: dir, target: h}
	case se.kind == kindUnique && se.target != h:
		se.kind = kindAmbiguous
		se.candidates = []content.Hash{se.target, h}
		se.target = content.Zero
	case se.kind == kindAmbiguous:
		if indexOf(se.candidates, h) < 0 {
			se.candidates = append(se.candidates, h)
		}
	}
}

// removeScanned tears down the entry for a file that disappeared from
// disk (or whose library is being unregistered). A Loading or Loaded
// entry is force-unloaded first: its owners are dropped, its unready
// calls fire, and its attachments cascade.
func (l *Loader) removeScanned(dir content.Hash, path string) {
	h := content.HashString(path)
	if e, ok := l.files[h]; ok && e.dir == dir {
		switch e.kind {
		case kindKnown:
			delete(l.files, h)
		case kindLoading, kindLoaded:
			l.forceUnload(h, e)
			delete(l.files, h)
		}
	}

	stem, ok := stemOf(path)
	if !ok {
		return
	}
	hs := content.HashString(stem)
	se := l.files[hs]
	switch {
	case se == nil:
	case se.kind == kindUnique && se.target == h:
		delete(l.files, hs)
	case se.kind == kindAmbiguous:
		if idx := indexOf(se.candidates, h); idx >= 0 {
			se.candidates = removeAt(se.candidates, idx)
		}
		if len(se.candidates) == 1 {
			se.kind = kindUnique
			se.target = se.candidates[0]
			se.candidates = nil
		}
	}
}

// stemOf strips the extension from the final path segment. Files with
// no extension (or only a leading dot) have no stem alias.
func stemOf(path string) (string, bool) {
	base := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		base = path[idx+1:]
	}
	dot := strings.LastIndexByte(base, '.')
	if dot <= 0 {
		return "", false
	}
	return path[:len(path)-(len(base)-dot)], true
}
