// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package vfs

import (
	"os"

	"github.com/shossjer/fimbulwinter/internal/content"
	"github.com/shossjer/fimbulwinter/internal/scheduler"
	"github.com/shossjer/fimbulwinter/internal/watch"
)

// Read opens relPath under directory and invokes cb(stream, payload) on
// strand once the open/read completes. A file that does not exist is
// silent - no callback at all - unless ReportMissing is set, in which
// case cb receives a stream whose Done is true with no bytes
// available. If flags has AddWatch, id is registered as a persistent
// watch: every subsequent write to the file re-invokes cb, and
// deletion reports through the same ReportMissing rule.
func (fs *FS) Read(id, dir content.Hash, relPath string, strand scheduler.Strand, cb ReadCallback, payload any, flags Flags) error {
	if err := validateFilePath(relPath); err != nil {
		return err
	}
	d, err := fs.resolve(dir)
	if err != nil {
		return err
	}
	abs, err := fs.absPath(dir, relPath)
	if err != nil {
		return err
	}

	reportMissing := flags.has(ReportMissing)
	if err := fs.deliverRead(abs, strand, cb, payload, reportMissing); err != nil {
		return err
	}

	if !flags.has(AddWatch) {
		return nil
	}

	w := &watch.ReadWatch{
		ID:            id,
		Dir:           dir,
		Rel:           relPath,
		ReportMissing: reportMissing,
	}
	w.Changed = func() {
		if err := fs.deliverRead(abs, strand, cb, payload, reportMissing); err != nil {
			log.Warn("post work failed for watched read", "path", abs, "error", err)
		}
	}
	w.Missing = func() {
		err := fs.sched.PostWork(strand, func(scheduler.Strand, any) {
			cb(newMissingReadStream(abs), payload)
		}, nil)
		if err != nil {
			log.Warn("post work failed for missing-file callback", "path", abs, "error", err)
		}
	}
	if err := fs.backend.AddReadWatch(d.path, w); err != nil {
		return err
	}
	fs.addWatchRef(dir, id)
	return nil
}

// deliverRead opens abs (if it exists) and posts cb's invocation to
// strand, carrying whichever stream shape applies: a real open file,
// a missing-file sentinel (only when reportMissing is set - a missing
// file is otherwise silent, with no callback at all), or a failed-I/O
// sentinel.
func (fs *FS) deliverRead(abs string, strand scheduler.Strand, cb ReadCallback, payload any, reportMissing bool) error {
	f, openErr := os.Open(abs)
	if openErr != nil && os.IsNotExist(openErr) && !reportMissing {
		return nil
	}
	return fs.sched.PostWork(strand, func(scheduler.Strand, any) {
		switch {
		case openErr == nil:
			s := newReadStream(abs, f)
			cb(s, payload)
			s.close()
		case os.IsNotExist(openErr):
			cb(newMissingReadStream(abs), payload)
		default:
			log.Warn("read open failed", "path", abs, "error", openErr)
			cb(newFailedReadStream(abs), payload)
		}
	}, nil)
}
