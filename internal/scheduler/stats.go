// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package scheduler

// QueueDepth is the number of tasks sitting in the shared ready queue,
// not counting tasks parked behind an in-flight strand.
func (s *Scheduler) QueueDepth() int {
	return len(s.ready)
}

// StrandCount is the number of strands with at least one task in
// flight or pending.
func (s *Scheduler) StrandCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.strands)
}
