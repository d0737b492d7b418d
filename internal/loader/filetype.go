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

// RegisterFiletype binds ft to a load/unload pair. payload is handed
// back verbatim on every load and unload invocation. Registering an
// already-bound filetype is a contract violation; the existing binding
// is kept.
func (l *Loader) RegisterFiletype(ft content.Hash, load LoadFunc, unload UnloadFunc, payload any) error {
	return l.sched.PostWork(l.strand, func(scheduler.Strand, any) {
		if _, ok := l.filetypes[ft]; ok {
			contractViolation("filetype registered twice", "filetype", ft)
			return
		}
		l.filetypes[ft] = &filetypeEntry{load: load, unload: unload, payload: payload}
	}, nil)
}

// UnregisterFiletype removes the binding installed by RegisterFiletype.
// Unregistering an unknown filetype is a contract violation.
func (l *Loader) UnregisterFiletype(ft content.Hash) error {
	return l.sched.PostWork(l.strand, func(scheduler.Strand, any) {
		if _, ok := l.filetypes[ft]; !ok {
			contractViolation("unregister of unknown filetype", "filetype", ft)
			return
		}
		delete(l.filetypes, ft)
	}, nil)
}
