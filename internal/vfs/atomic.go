// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package vfs

import (
	"os"
	"path/filepath"
)

// tempPrefix marks the temporary files atomicWriter creates alongside
// their destination.
const tempPrefix = ".fimbul.tmp."

// An atomicWriter wraps an *os.File: it writes to a temporary file next
// to path and, on Close, renames it into place. Cancel discards the
// temp file instead, used when the write callback itself reported
// failure, so an overwrite never leaves a half-written file at the
// destination path.
type atomicWriter struct {
	path string
	tmp  *os.File
}

func createAtomic(path string) (*atomicWriter, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix)
	if err != nil {
		return nil, err
	}
	return &atomicWriter{path: path, tmp: tmp}, nil
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.tmp.Write(p)
}

// Close commits the temp file to its final destination.
func (w *atomicWriter) Close() error {
	defer os.Remove(w.tmp.Name())
	if err := w.tmp.Close(); err != nil {
		return err
	}
	return os.Rename(w.tmp.Name(), w.path)
}

// Cancel discards the temp file, leaving the destination untouched.
func (w *atomicWriter) Cancel() error {
	w.tmp.Close()
	return os.Remove(w.tmp.Name())
}
