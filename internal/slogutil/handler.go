// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package slogutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// packageHandler formats records as a single line of
// "time level pkg: message attr=value ..." and additionally feeds
// each emitted record to the bounded recorder, so a later diagnostics
// dump can replay recent output without scraping the console.
type packageHandler struct {
	out      io.Writer
	recorder *lineRecorder

	mu    sync.Mutex
	attrs []slog.Attr
}

func (h *packageHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelDebug
}

func (h *packageHandler) minLevelFor(attrs []slog.Attr) slog.Level {
	for _, a := range attrs {
		if a.Key == "pkg" {
			if lvl, ok := levels.Get(a.Value.String()); ok {
				return lvl
			}
		}
	}
	return slog.LevelInfo
}

func (h *packageHandler) Handle(_ context.Context, r slog.Record) error {
	all := append([]slog.Attr(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		all = append(all, a)
		return true
	})

	if r.Level < h.minLevelFor(all) {
		return nil
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %-5s ", r.Time.Format(time.RFC3339), r.Level)
	for _, a := range all {
		if a.Key == "pkg" {
			fmt.Fprintf(&buf, "%s: ", a.Value)
			break
		}
	}
	buf.WriteString(r.Message)
	for _, a := range all {
		if a.Key == "pkg" {
			continue
		}
		fmt.Fprintf(&buf, " %s=%v", a.Key, a.Value)
	}
	line := buf.String()

	h.recorder.record(line)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.out, line)
	return err
}

func (h *packageHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &packageHandler{
		out:      h.out,
		recorder: h.recorder,
		attrs:    append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

func (h *packageHandler) WithGroup(_ string) slog.Handler {
	// The pipeline never groups attributes; flat records are enough
	// for every caller in this repository.
	return h
}
