// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package vfs

// DirectoryCount is the number of registered directory aliases,
// including the root.
func (fs *FS) DirectoryCount() int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.dirs)
}

// WatchCount is the number of live read and scan watches across every
// registered directory.
func (fs *FS) WatchCount() int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n := 0
	for _, d := range fs.dirs {
		n += len(d.watches)
	}
	return n
}
