// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package loader

import (
	"github.com/shossjer/fimbulwinter/internal/content"
	"github.com/shossjer/fimbulwinter/internal/scheduler"
)

// UnloadGlobal releases the Global sentinel's claim on file, installed
// by LoadGlobal. When that was the last owner, the file unloads and
// its attachments cascade.
func (l *Loader) UnloadGlobal(file string) error {
	return l.sched.PostWork(l.strand, func(scheduler.Strand, any) {
		l.unloadFile(Global, file)
	}, nil)
}

// UnloadLocal releases owner's non-gating claim on file, installed by
// LoadLocal.
func (l *Loader) UnloadLocal(owner content.Hash, file string) error {
	return l.sched.PostWork(l.strand, func(scheduler.Strand, any) {
		l.unloadFile(owner, file)
	}, nil)
}

// UnloadDependency releases owner's gating claim on file, installed by
// LoadDependency. Withdrawing the last pending dependency lets the
// owner finish loading in the same step.
func (l *Loader) UnloadDependency(owner content.Hash, file string) error {
	return l.sched.PostWork(l.strand, func(scheduler.Strand, any) {
		l.unloadFile(owner, file)
	}, nil)
}

// unloadFile runs on the loader strand and severs one (owner, file)
// edge, together with the owner-side attachment bookkeeping the Load
// side established.
func (l *Loader) unloadFile(owner content.Hash, file string) {
	h := content.HashString(file)
	e := l.files[h]
	if e != nil && e.kind == kindUnique {
		h = e.target
		e = l.files[h]
	}
	if e == nil || (e.kind != kindLoading && e.kind != kindLoaded) {
		contractViolation("unload of file that is not loaded", "file", file)
		return
	}

	if owner != Global {
		if oe := l.files[owner]; oe != nil {
			if idx := attachmentIndex(oe.attachments, h); idx >= 0 {
				att := oe.attachments[idx]
				oe.attachments = append(oe.attachments[:idx], oe.attachments[idx+1:]...)
				if idx < oe.previousCount {
					oe.previousCount--
				}
				if att.pending {
					oe.remainingCount--
					if oe.remainingCount == 0 {
						l.finishLoading(owner)
					}
				}
			}
		}
	}

	l.removeEdges([]relation{{owner: owner, file: h}})
}

// removeEdges drains a worklist of (owner, file) edges: each removal
// retires the owner's call registration on the file (posting unready
// when ready had fired), and a file whose owner set empties is torn
// down, queueing its own attachments. The explicit worklist means
// reference cycles terminate deterministically - liveness is decided
// by the owners list alone, never by graph reachability.
func (l *Loader) removeEdges(work []relation) {
	for len(work) > 0 {
		r := work[len(work)-1]
		work = work[:len(work)-1]

		e := l.files[r.file]
		if e == nil || (e.kind != kindLoading && e.kind != kindLoaded) {
			continue
		}
		idx := indexOf(e.owners, r.owner)
		if idx < 0 {
			contractViolation("unload by a non-owner", "file", r.file, "owner", r.owner)
			continue
		}
		e.owners = removeAt(e.owners, idx)

		for i, c := range e.calls {
			if c.owner == r.owner {
				if c.readied {
					l.postUnready(c, r.file)
				}
				e.calls = append(e.calls[:i], e.calls[i+1:]...)
				break
			}
		}

		if len(e.owners) > 0 {
			continue
		}
		work = l.teardown(r.file, e, work)
	}
}

// teardown reverts an entry whose last owner vanished back to Known:
// the filetype unload runs, the read watch is dropped, and every
// attachment edge is queued for release. The owner's unready was
// already posted by removeEdges before any of its attachments are
// processed, so an owner always goes unready before its dependencies.
func (l *Loader) teardown(h content.Hash, e *fileEntry, work []relation) []relation {
	for _, c := range e.calls {
		if c.readied {
			l.postUnready(c, h)
		}
	}
	if ft := l.filetypes[e.filetype]; e.loadRan && ft != nil && ft.unload != nil {
		ft.unload(ft.payload, h)
	}
	l.fs.RemoveWatch(e.dir, h)
	for _, att := range e.attachments {
		work = append(work, relation{owner: h, file: att.file})
	}

	if e.kind == kindLoading {
		l.stats.loading.Add(-1)
	} else {
		l.stats.loaded.Add(-1)
	}
	e.kind = kindKnown
	e.filetype = content.Zero
	e.calls = nil
	e.owners = nil
	e.attachments = nil
	e.previousCount = 0
	e.remainingCount = 0
	e.loadRan = false
	return work
}

// forceUnload tears down an entry whose backing file vanished from
// disk, regardless of who still owns it. The stale attachment edges
// owners hold toward it are skipped when those owners later release
// them.
func (l *Loader) forceUnload(h content.Hash, e *fileEntry) {
	if len(e.owners) > 0 {
		log.Warn("file vanished while still owned", "file", h, "path", e.path, "owners", len(e.owners))
	}
	e.owners = nil
	l.removeEdges(l.teardown(h, e, nil))
}
