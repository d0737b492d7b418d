// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package loader

import (
	"github.com/shossjer/fimbulwinter/internal/content"
	"github.com/shossjer/fimbulwinter/internal/scheduler"
	"github.com/shossjer/fimbulwinter/internal/vfs"
)

// LoadGlobal requests that file be loaded with filetype ft, owned by
// the Global sentinel. file may be a full name ("sprite.png") or a
// stem ("sprite") that resolves to exactly one full name.
func (l *Loader) LoadGlobal(ft content.Hash, file string, ready ReadyFunc, unready UnreadyFunc, payload any) error {
	return l.sched.PostWork(l.strand, func(scheduler.Strand, any) {
		l.loadFile(ft, Global, file, false, ready, unready, payload)
	}, nil)
}

// LoadLocal is LoadGlobal with another file as the owner. The owner
// must be Loading or Loaded; the file joins its attachment list but
// does not gate the owner's own loaded transition.
func (l *Loader) LoadLocal(ft, owner content.Hash, file string, ready ReadyFunc, unready UnreadyFunc, payload any) error {
	return l.sched.PostWork(l.strand, func(scheduler.Strand, any) {
		l.loadFile(ft, owner, file, false, ready, unready, payload)
	}, nil)
}

// LoadDependency asserts file as a dependency of owner: the file joins
// owner's attachment list and gates owner's loaded transition. It is
// only legal from within the filetype load callback currently running
// for owner, and unlike the other Load operations takes effect
// immediately rather than being posted, so the assertion is counted
// before the owner's own body read is considered complete.
func (l *Loader) LoadDependency(ft, owner content.Hash, file string, ready ReadyFunc, unready UnreadyFunc, payload any) error {
	if l.active != owner {
		contractViolation("dependency asserted outside the owner's load callback", "owner", owner, "file", file)
		return ErrNotInLoadCall
	}
	return l.loadFile(ft, owner, file, true, ready, unready, payload)
}

// loadFile runs on the loader strand and drives one load request
// through the entry state machine. The error reaches the caller only
// through LoadDependency; the posted entry points have already
// returned by the time it is known, so they settle for the log line
// contractViolation emits.
func (l *Loader) loadFile(ft, owner content.Hash, file string, gating bool, ready ReadyFunc, unready UnreadyFunc, payload any) error {
	alias := content.HashString(file)
	h := alias
	e := l.files[h]
	if e != nil && e.kind == kindUnique {
		h = e.target
		e = l.files[h]
	}
	switch {
	case e == nil:
		contractViolation("load of unknown file", "file", file)
		return ErrUnknownFile
	case e.kind == kindAmbiguous:
		contractViolation("load of ambiguous stem", "file", file)
		return ErrAmbiguousStem
	case e.kind == kindDirectory:
		contractViolation("load of a directory", "file", file)
		return ErrIsDirectory
	}
	if _, ok := l.filetypes[ft]; !ok {
		contractViolation("load with unregistered filetype", "filetype", ft, "file", file)
		return ErrUnknownFiletype
	}

	// A dependency re-asserted during the owner's reload keeps the edge
	// and call registration from the previous generation; it only moves
	// to the new side of the owner's attachment list.
	if owner != Global {
		oe := l.files[owner]
		if oe == nil || (oe.kind != kindLoading && oe.kind != kindLoaded) {
			contractViolation("load owner is not loading or loaded", "owner", owner, "file", file)
			return ErrUnknownFile
		}
		if oe.kind == kindLoading {
			if idx := attachmentIndex(oe.attachments[:oe.previousCount], h); idx >= 0 {
				if e.kind == kindLoading || e.kind == kindLoaded {
					l.reassert(owner, alias, oe, idx, e, h, gating, ready, unready, payload)
					return nil
				}
				// The previous edge went stale (the file vanished and
				// was rediscovered); drop it and fall through to a
				// fresh load.
				oe.attachments = append(oe.attachments[:idx], oe.attachments[idx+1:]...)
				oe.previousCount--
			}
		}
	}

	call := &callEntry{owner: owner, alias: alias, ready: ready, unready: unready, payload: payload}

	switch e.kind {
	case kindKnown:
		e.kind = kindLoading
		e.filetype = ft
		e.calls = []*callEntry{call}
		e.owners = []content.Hash{owner}
		e.attachments = nil
		e.previousCount = 0
		e.remainingCount = bodyInFlight
		l.stats.loading.Add(1)
		l.attach(owner, h, gating, true)
		l.startRead(h, e)

	case kindLoading:
		if e.filetype != ft {
			contractViolation("load with conflicting filetype", "file", file, "have", e.filetype, "want", ft)
		}
		e.calls = append(e.calls, call)
		e.owners = append(e.owners, owner)
		l.attach(owner, h, gating, true)

	case kindLoaded:
		if e.filetype != ft {
			contractViolation("load with conflicting filetype", "file", file, "have", e.filetype, "want", ft)
		}
		e.calls = append(e.calls, call)
		e.owners = append(e.owners, owner)
		l.attach(owner, h, gating, false)
		l.postReady(call, h)
	}
	return nil
}

// reassert moves the owner's existing attachment on h from the
// previous side of its list to the new side, refreshing the call
// registration instead of adding a second edge.
func (l *Loader) reassert(owner, alias content.Hash, oe *fileEntry, idx int, e *fileEntry, h content.Hash, gating bool, ready ReadyFunc, unready UnreadyFunc, payload any) {
	att := oe.attachments[idx]
	oe.attachments = append(oe.attachments[:idx], oe.attachments[idx+1:]...)
	oe.previousCount--
	att.gating = gating
	att.pending = gating && e.kind != kindLoaded
	if att.pending {
		oe.remainingCount++
	}
	oe.attachments = append(oe.attachments, att)

	for _, c := range e.calls {
		if c.owner == owner {
			c.ready, c.unready, c.payload = ready, unready, payload
			if e.kind == kindLoaded && !c.readied {
				l.postReady(c, h)
			}
			return
		}
	}

	// The previous registration was explicitly unloaded mid-reload;
	// register anew alongside a fresh owner edge.
	call := &callEntry{owner: owner, alias: alias, ready: ready, unready: unready, payload: payload}
	e.calls = append(e.calls, call)
	e.owners = append(e.owners, owner)
	if e.kind == kindLoaded {
		l.postReady(call, h)
	}
}

// attach records the edge owner -> file. pending is whether the file
// has yet to finish loading; a gating pending attachment contributes
// one unit to the owner's remaining count.
func (l *Loader) attach(owner, file content.Hash, gating, pending bool) {
	if owner == Global {
		return
	}
	oe := l.files[owner]
	if oe == nil {
		return
	}
	att := attachment{file: file, gating: gating, pending: gating && pending}
	oe.attachments = append(oe.attachments, att)
	if att.pending {
		oe.remainingCount++
	}
}

// startRead issues the file's body read, installing the change watch
// that later drives reloads.
func (l *Loader) startRead(h content.Hash, e *fileEntry) {
	err := l.fs.Read(h, e.dir, e.path, l.strand, l.readCallback(h), nil, vfs.AddWatch)
	if err != nil {
		log.Warn("read request failed; load stalls", "path", e.path, "error", err)
	}
}

// readCallback handles both the initial body read and every subsequent
// change notification for h. It always runs on the loader strand.
func (l *Loader) readCallback(h content.Hash) vfs.ReadCallback {
	return func(stream *vfs.ReadStream, _ any) {
		e := l.files[h]
		if e == nil {
			return
		}
		switch e.kind {
		case kindLoading:
			if e.remainingCount&bodyInFlight == 0 {
				// The file changed again while dependencies from the
				// load already in flight were still pending; collapse
				// into one aggregate load - latest bytes win.
				l.restartLoad(e)
			}
			l.runLoad(h, e, stream)
		case kindLoaded:
			l.beginReload(h, e)
			l.runLoad(h, e, stream)
		default:
			log.Debug("dropping read callback", "file", h, "kind", e.kind)
		}
	}
}

// beginReload transitions a Loaded entry back to Loading: every call
// that saw ready sees unready, and the whole attachment list becomes
// the previous side, retained until the new load decides its fate.
func (l *Loader) beginReload(h content.Hash, e *fileEntry) {
	for _, c := range e.calls {
		if c.readied {
			l.postUnready(c, h)
		}
	}
	e.kind = kindLoading
	e.previousCount = len(e.attachments)
	e.remainingCount = bodyInFlight
	l.stats.loaded.Add(-1)
	l.stats.loading.Add(1)
}

// restartLoad collapses a change notification into a load that has not
// finished yet: attachments asserted by the superseded generation move
// back to the previous side and their pending units are withdrawn; no
// unready fires, since ready never did.
func (l *Loader) restartLoad(e *fileEntry) {
	for i := e.previousCount; i < len(e.attachments); i++ {
		if e.attachments[i].pending {
			e.attachments[i].pending = false
			e.remainingCount--
		}
	}
	e.previousCount = len(e.attachments)
	e.remainingCount = bodyInFlight
}

// runLoad feeds stream to the entry's filetype, then retires the
// body-in-flight unit and, when nothing else gates the entry, finishes
// the load.
func (l *Loader) runLoad(h content.Hash, e *fileEntry, stream *vfs.ReadStream) {
	ft := l.filetypes[e.filetype]
	switch {
	case ft == nil:
		contractViolation("filetype unregistered while a load was in flight", "file", h)
	case stream == nil || stream.Fail():
		log.Warn("body read failed", "file", h, "path", e.path)
	default:
		prev := l.active
		l.active = h
		e.loadRan = true
		ft.load(stream, ft.payload, h)
		l.active = prev
	}
	e.remainingCount &^= bodyInFlight
	if e.remainingCount == 0 {
		l.finishLoading(h)
	}
}

// finishLoading completes h and every owner transitively unblocked by
// it, using an explicit worklist so dependency cycles terminate.
func (l *Loader) finishLoading(file content.Hash) {
	work := []content.Hash{file}
	for len(work) > 0 {
		h := work[len(work)-1]
		work = work[:len(work)-1]
		e := l.files[h]
		if e == nil || e.kind != kindLoading || e.remainingCount != 0 {
			continue
		}

		released := append([]attachment(nil), e.attachments[:e.previousCount]...)
		e.attachments = append([]attachment(nil), e.attachments[e.previousCount:]...)
		e.previousCount = 0
		e.kind = kindLoaded
		l.stats.loading.Add(-1)
		l.stats.loaded.Add(1)

		for _, c := range e.calls {
			if !c.readied {
				l.postReady(c, h)
			}
		}

		// attachments from the previous generation that the new load
		// did not re-assert are let go now
		for _, att := range released {
			l.removeEdges([]relation{{owner: h, file: att.file}})
		}

		// owners blocked on h may now complete in this same pass
		seen := make(map[content.Hash]struct{}, len(e.owners))
		for _, o := range e.owners {
			if _, dup := seen[o]; dup {
				continue
			}
			seen[o] = struct{}{}
			oe := l.files[o]
			if oe == nil || oe.kind != kindLoading {
				continue
			}
			for i := oe.previousCount; i < len(oe.attachments); i++ {
				a := &oe.attachments[i]
				if a.file == h && a.pending {
					a.pending = false
					oe.remainingCount--
				}
			}
			if oe.remainingCount == 0 {
				work = append(work, o)
			}
		}
	}
}

// postReady marks c delivered-ready and posts its ready callback onto
// file's own strand, so ready and unready for one file never overlap.
func (l *Loader) postReady(c *callEntry, file content.Hash) {
	c.readied = true
	l.stats.ready.Add(1)
	cb, payload, alias := c.ready, c.payload, c.alias
	if cb == nil {
		return
	}
	if err := l.sched.PostWork(file, func(scheduler.Strand, any) {
		cb(payload, alias)
	}, nil); err != nil {
		log.Warn("post of ready callback failed", "file", file, "error", err)
	}
}

// postUnready is the inverse of postReady.
func (l *Loader) postUnready(c *callEntry, file content.Hash) {
	c.readied = false
	l.stats.unready.Add(1)
	cb, payload, alias := c.unready, c.payload, c.alias
	if cb == nil {
		return
	}
	if err := l.sched.PostWork(file, func(scheduler.Strand, any) {
		cb(payload, alias)
	}, nil); err != nil {
		log.Warn("post of unready callback failed", "file", file, "error", err)
	}
}
