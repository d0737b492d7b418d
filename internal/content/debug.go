// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package content

import (
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// debugTableSize bounds the reverse-lookup side-table so a long-running
// process with many short-lived names doesn't grow it without limit.
const debugTableSize = 16384

var (
	sideTableMu sync.Mutex
	sideTable   *lru.Cache[Hash, string]
)

// DebugEnabled reports whether the reverse-lookup side-table is active.
// It is re-read from the environment on every call so tests can toggle
// it with t.Setenv without fighting a cached sync.Once.
func DebugEnabled() bool {
	return os.Getenv("FIMBUL_DEBUG") != ""
}

func record(h Hash, name string) {
	if !DebugEnabled() {
		return
	}
	sideTableMu.Lock()
	if sideTable == nil {
		// Size is fixed and small, so the error case (a non-positive
		// size) never triggers in practice.
		sideTable, _ = lru.New[Hash, string](debugTableSize)
	}
	sideTable.Add(h, name)
	sideTableMu.Unlock()
}

func lookup(h Hash) (string, bool) {
	sideTableMu.Lock()
	defer sideTableMu.Unlock()
	if sideTable == nil {
		return "", false
	}
	return sideTable.Get(h)
}
