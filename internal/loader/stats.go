// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package loader

import "sync/atomic"

// Stats counts graph activity. The counters are written on the loader
// strand and read from anywhere (the metrics collector in particular),
// hence the atomics.
type Stats struct {
	loading atomic.Int64
	loaded  atomic.Int64
	ready   atomic.Int64
	unready atomic.Int64
}

// LoadingCount is the number of entries currently mid-load.
func (l *Loader) LoadingCount() int64 { return l.stats.loading.Load() }

// LoadedCount is the number of fully loaded entries.
func (l *Loader) LoadedCount() int64 { return l.stats.loaded.Load() }

// ReadyTotal is the total number of ready callbacks posted so far.
func (l *Loader) ReadyTotal() int64 { return l.stats.ready.Load() }

// UnreadyTotal is the total number of unready callbacks posted so far.
func (l *Loader) UnreadyTotal() int64 { return l.stats.unready.Load() }
