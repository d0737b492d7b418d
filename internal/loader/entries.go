// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package loader

import "github.com/shossjer/fimbulwinter/internal/content"

type entryKind uint8

const (
	kindDirectory entryKind = iota
	kindKnown
	kindUnique
	kindAmbiguous
	kindLoading
	kindLoaded
)

func (k entryKind) String() string {
	switch k {
	case kindDirectory:
		return "directory"
	case kindKnown:
		return "known"
	case kindUnique:
		return "unique"
	case kindAmbiguous:
		return "ambiguous"
	case kindLoading:
		return "loading"
	case kindLoaded:
		return "loaded"
	default:
		return "invalid"
	}
}

// attachment is one edge from an owner to a file the owner loaded.
// A gating attachment holds the owner in Loading until the file itself
// becomes Loaded; pending marks a gating attachment whose file has not
// become Loaded yet, i.e. exactly one unit of the owner's remaining
// count. Non-gating attachments (LoadLocal) never set either.
type attachment struct {
	file    content.Hash
	gating  bool
	pending bool
}

// fileEntry is one tagged-variant entry in the loader's graph. Only the
// fields relevant to kind carry meaning at any given time:
//
//   - Directory: no extra fields.
//   - Known: dir, path.
//   - Unique: target.
//   - Ambiguous: candidates.
//   - Loading, Loaded: dir, path, filetype, calls, owners, attachments;
//     previousCount and remainingCount matter while Loading only.
type fileEntry struct {
	kind entryKind

	dir  content.Hash
	path string

	target content.Hash

	candidates []content.Hash

	filetype content.Hash
	calls    []*callEntry
	owners   []content.Hash

	// attachments[:previousCount] were asserted by the load generation
	// before the current one; they are retained until the current load
	// finishes and are then released unless re-asserted (moved past
	// previousCount) in the meantime.
	attachments   []attachment
	previousCount int

	remainingCount int32

	// loadRan records whether the filetype load callback has run for
	// this entry at least once, so teardown only invokes the matching
	// unload when there is something to undo.
	loadRan bool
}

// callEntry is one registered ready/unready pair, keyed by the owner
// that made the request and by the literal reference the caller used
// (possibly a stem), since that is what fires back through
// ready/unready. readied tracks whether the ready side fired last, so
// ready and unready always alternate strictly for one registration.
type callEntry struct {
	owner   content.Hash
	alias   content.Hash
	ready   ReadyFunc
	unready UnreadyFunc
	payload any
	readied bool
}

type filetypeEntry struct {
	load    LoadFunc
	unload  UnloadFunc
	payload any
}

// relation is one (owner, file) edge awaiting release, used as a
// worklist by the unload cascade so that dependency cycles terminate
// instead of recursing.
type relation struct {
	owner content.Hash
	file  content.Hash
}

func indexOf(s []content.Hash, v content.Hash) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func removeAt(s []content.Hash, idx int) []content.Hash {
	return append(s[:idx], s[idx+1:]...)
}

func attachmentIndex(s []attachment, file content.Hash) int {
	for i, a := range s {
		if a.file == file {
			return i
		}
	}
	return -1
}
