// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package content assigns every file, directory alias, strand and
// filetype a small fixed-width identifier, the way the rest of the
// pipeline expects to compare and map them cheaply.
package content

import "hash/fnv"

// A Hash identifies a file, directory alias, strand or filetype by the
// 32-bit FNV-1a digest of its UTF-8 name. Collisions are assumed
// absent; HashString records the source string in the debug side-table
// so a collision can be diagnosed, but nothing in this package depends
// on that table being complete or even present.
type Hash uint32

// Zero is the reserved identifier used as the "no strand"/"global
// owner" sentinel throughout the pipeline.
var Zero Hash

// String satisfies fmt.Stringer, preferring the debug side-table entry
// when one was recorded.
func (h Hash) String() string {
	if s, ok := lookup(h); ok {
		return s
	}
	return "#" + uitoa(uint32(h))
}

// HashString computes the Hash of name and, in debug builds, records
// name in the reverse-lookup side-table.
func HashString(name string) Hash {
	f := fnv.New32a()
	_, _ = f.Write([]byte(name))
	h := Hash(f.Sum32())
	record(h, name)
	return h
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
