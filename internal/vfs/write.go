// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package vfs

import (
	"os"
	"path/filepath"

	"github.com/shossjer/fimbulwinter/internal/content"
	"github.com/shossjer/fimbulwinter/internal/scheduler"
)

// Write opens relPath under directory for writing and invokes
// cb(stream, payload) on strand to supply its bytes. CreateDirectories
// makes any missing intermediate directories first. Exactly one of
// OverwriteExisting or AppendExisting selects the write mode; with
// neither set the file must not already exist (CREATE-NEW).
// OverwriteExisting and CREATE-NEW commit atomically through a temp
// file in the same directory; AppendExisting writes in place, since
// appending must observe the file's current bytes.
func (fs *FS) Write(dir content.Hash, relPath string, strand scheduler.Strand, cb WriteCallback, payload any, flags Flags) error {
	if err := validateFilePath(relPath); err != nil {
		return err
	}
	d, err := fs.resolve(dir)
	if err != nil {
		return err
	}
	abs := filepath.Join(d.path, filepath.FromSlash(relPath))

	if flags.has(CreateDirectories) {
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
	}

	stream, err := fs.openWrite(abs, flags)
	if err != nil {
		return err
	}

	return fs.sched.PostWork(strand, func(scheduler.Strand, any) {
		cb(stream, payload)
		if err := stream.close(); err != nil {
			log.Warn("write commit failed", "path", abs, "error", err)
		}
	}, nil)
}

func (fs *FS) openWrite(abs string, flags Flags) (*WriteStream, error) {
	if flags.has(AppendExisting) {
		f, err := os.OpenFile(abs, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		return newWriteStream(abs, f, func(bool) error { return f.Close() }), nil
	}

	if flags.has(OverwriteExisting) {
		aw, err := createAtomic(abs)
		if err != nil {
			return nil, err
		}
		return newWriteStream(abs, aw, func(failed bool) error {
			if failed {
				return aw.Cancel()
			}
			return aw.Close()
		}), nil
	}

	// CREATE-NEW: the destination must not already exist.
	if _, err := os.Lstat(abs); err == nil {
		return nil, os.ErrExist
	}
	aw, err := createAtomic(abs)
	if err != nil {
		return nil, err
	}
	return newWriteStream(abs, aw, func(failed bool) error {
		if failed {
			return aw.Cancel()
		}
		if _, err := os.Lstat(abs); err == nil {
			aw.Cancel()
			return os.ErrExist
		}
		return aw.Close()
	}), nil
}
