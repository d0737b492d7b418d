// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package metrics exposes the pipeline's health as Prometheus gauges
// and counters: scheduler queue depth and strand count, directory and
// watch counts, and the loader's entry and callback totals.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/shossjer/fimbulwinter/internal/loader"
	"github.com/shossjer/fimbulwinter/internal/scheduler"
	"github.com/shossjer/fimbulwinter/internal/vfs"
)

// A Registry collects from the three pipeline components it was built
// around and serves the result over HTTP.
type Registry struct {
	reg *prometheus.Registry
}

// New builds a Registry sampling sched, fs and ldr on every scrape,
// alongside the standard Go runtime and process collectors.
func New(sched *scheduler.Scheduler, fs *vfs.FS, ldr *loader.Loader) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fimbul", Subsystem: "scheduler", Name: "queue_depth",
			Help: "Tasks in the shared ready queue.",
		}, func() float64 { return float64(sched.QueueDepth()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fimbul", Subsystem: "scheduler", Name: "strands",
			Help: "Strands with work in flight or pending.",
		}, func() float64 { return float64(sched.StrandCount()) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fimbul", Subsystem: "fs", Name: "directories",
			Help: "Registered directory aliases.",
		}, func() float64 { return float64(fs.DirectoryCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fimbul", Subsystem: "fs", Name: "watches",
			Help: "Live read and scan watches.",
		}, func() float64 { return float64(fs.WatchCount()) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fimbul", Subsystem: "loader", Name: "loading",
			Help: "Entries currently mid-load.",
		}, func() float64 { return float64(ldr.LoadingCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fimbul", Subsystem: "loader", Name: "loaded",
			Help: "Fully loaded entries.",
		}, func() float64 { return float64(ldr.LoadedCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "fimbul", Subsystem: "loader", Name: "ready_total",
			Help: "Ready callbacks posted.",
		}, func() float64 { return float64(ldr.ReadyTotal()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "fimbul", Subsystem: "loader", Name: "unready_total",
			Help: "Unready callbacks posted.",
		}, func() float64 { return float64(ldr.UnreadyTotal()) }),
	)
	return &Registry{reg: reg}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gather satisfies prometheus.Gatherer for tests and embedding.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) { return r.reg.Gather() }
