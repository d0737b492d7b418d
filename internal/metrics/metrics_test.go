// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package metrics

import (
	"testing"

	"github.com/shossjer/fimbulwinter/internal/loader"
	"github.com/shossjer/fimbulwinter/internal/scheduler"
	"github.com/shossjer/fimbulwinter/internal/vfs"
)

func TestRegistryGathersPipelineMetrics(t *testing.T) {
	sched := scheduler.New(1)
	defer sched.Stop()
	fs := vfs.New(sched, t.TempDir())
	defer fs.Close()
	ldr := loader.New(sched, fs)
	defer ldr.Close()

	reg := New(sched, fs, ldr)
	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	want := map[string]bool{
		"fimbul_scheduler_queue_depth": false,
		"fimbul_scheduler_strands":     false,
		"fimbul_fs_directories":        false,
		"fimbul_fs_watches":            false,
		"fimbul_loader_loading":        false,
		"fimbul_loader_loaded":         false,
		"fimbul_loader_ready_total":    false,
		"fimbul_loader_unready_total":  false,
	}
	for _, f := range fams {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s missing from gather output", name)
		}
	}

	// The root alias exists from construction, so the directory gauge
	// starts at one.
	for _, f := range fams {
		if f.GetName() == "fimbul_fs_directories" {
			if v := f.GetMetric()[0].GetGauge().GetValue(); v != 1 {
				t.Errorf("fimbul_fs_directories: got %v, want 1", v)
			}
		}
	}
}
