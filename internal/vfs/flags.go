// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package vfs is the pipeline's file system layer: a directory-alias
// registry plus read/scan/write primitives and watch lifecycle
// management, built on top of internal/watch.
package vfs

// Flags is the single configuration bitmask shared by Read, Scan and
// Write.
type Flags uint32

const (
	OverwriteExisting Flags = 1 << iota
	AppendExisting
	AddWatch
	CreateDirectories
	RecurseDirectories
	ReportMissing
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }
