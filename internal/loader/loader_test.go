// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shossjer/fimbulwinter/internal/content"
	"github.com/shossjer/fimbulwinter/internal/scheduler"
	"github.com/shossjer/fimbulwinter/internal/vfs"
)

type event struct {
	kind string // "ready" or "unready"
	file content.Hash
}

type pipeline struct {
	sched *scheduler.Scheduler
	fs    *vfs.FS
	ldr   *Loader

	lib  content.Hash
	path string // absolute path of the library directory

	mu     sync.Mutex
	values map[content.Hash]byte
	events chan event
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	root := t.TempDir()
	libPath := filepath.Join(root, "assets")
	if err := os.Mkdir(libPath, 0o755); err != nil {
		t.Fatal(err)
	}

	p := &pipeline{
		sched:  scheduler.New(4),
		lib:    content.HashString("assets"),
		path:   libPath,
		values: make(map[content.Hash]byte),
		events: make(chan event, 256),
	}
	p.fs = vfs.New(p.sched, root)
	p.ldr = New(p.sched, p.fs)
	if err := p.fs.RegisterDirectory(p.lib, "assets/", vfs.Root); err != nil {
		t.Fatalf("RegisterDirectory: %v", err)
	}

	t.Cleanup(func() {
		p.ldr.Close()
		p.fs.Close()
		p.sched.Stop()
	})
	return p
}

func (p *pipeline) write(t *testing.T, name string, value byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(p.path, name), []byte{value}, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (p *pipeline) remove(t *testing.T, name string) {
	t.Helper()
	if err := os.Remove(filepath.Join(p.path, name)); err != nil {
		t.Fatal(err)
	}
}

func (p *pipeline) ready(payload any, file content.Hash) {
	p.events <- event{kind: "ready", file: file}
}

func (p *pipeline) unready(payload any, file content.Hash) {
	p.events <- event{kind: "unready", file: file}
}

func (p *pipeline) value(file content.Hash) (byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[file]
	return v, ok
}

// registerRaw installs a filetype that reads the file's single byte
// into p.values and asserts the dependencies deps names for it.
func (p *pipeline) registerRaw(t *testing.T, deps map[string][]string) content.Hash {
	t.Helper()
	ft := content.HashString("raw")
	names := make(map[content.Hash]string)
	for name := range deps {
		names[content.HashString(name)] = name
	}

	load := func(stream *vfs.ReadStream, payload any, file content.Hash) {
		var buf [1]byte
		if n, _ := stream.ReadAll(buf[:]); n == 1 {
			p.mu.Lock()
			p.values[file] = buf[0]
			p.mu.Unlock()
		}
		for _, dep := range deps[names[file]] {
			if err := p.ldr.LoadDependency(ft, file, dep, p.ready, p.unready, nil); err != nil {
				t.Errorf("LoadDependency(%s): %v", dep, err)
			}
		}
	}
	unload := func(payload any, file content.Hash) {
		p.mu.Lock()
		delete(p.values, file)
		p.mu.Unlock()
	}
	if err := p.ldr.RegisterFiletype(ft, load, unload, nil); err != nil {
		t.Fatalf("RegisterFiletype: %v", err)
	}
	return ft
}

func collectEvents(t *testing.T, ch <-chan event, n int, timeout time.Duration) []event {
	t.Helper()
	out := make([]event, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out with %d of %d events: %v", len(out), n, out)
		}
	}
	return out
}

func expectNoEvent(t *testing.T, ch <-chan event, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(wait):
	}
}

func countByKind(events []event) (ready, unready map[content.Hash]int) {
	ready = make(map[content.Hash]int)
	unready = make(map[content.Hash]int)
	for _, ev := range events {
		if ev.kind == "ready" {
			ready[ev.file]++
		} else {
			unready[ev.file]++
		}
	}
	return ready, unready
}

func TestLoadUnloadSingleFile(t *testing.T) {
	p := newPipeline(t)
	p.write(t, "maybe.exists", 2)
	ft := p.registerRaw(t, map[string][]string{"maybe.exists": nil})
	if err := p.ldr.RegisterLibrary(p.lib); err != nil {
		t.Fatalf("RegisterLibrary: %v", err)
	}

	if err := p.ldr.LoadGlobal(ft, "maybe.exists", p.ready, p.unready, nil); err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}
	evs := collectEvents(t, p.events, 1, 5*time.Second)
	want := content.HashString("maybe.exists")
	if evs[0].kind != "ready" || evs[0].file != want {
		t.Fatalf("expected ready for maybe.exists, got %+v", evs[0])
	}
	if v, ok := p.value(want); !ok || v != 2 {
		t.Fatalf("expected loaded value 2, got %d (present=%v)", v, ok)
	}

	if err := p.ldr.UnloadGlobal("maybe.exists"); err != nil {
		t.Fatalf("UnloadGlobal: %v", err)
	}
	evs = collectEvents(t, p.events, 1, 5*time.Second)
	if evs[0].kind != "unready" || evs[0].file != want {
		t.Fatalf("expected unready for maybe.exists, got %+v", evs[0])
	}
	expectNoEvent(t, p.events, 200*time.Millisecond)
}

func TestDependencyTree(t *testing.T) {
	p := newPipeline(t)
	files := map[string]byte{
		"tree.root":    1,
		"dependency.1": 11,
		"dependency.2": 12,
		"dependency.3": 13,
		"dependency.4": 14,
		"dependency.5": 15,
	}
	for name, v := range files {
		p.write(t, name, v)
	}
	deps := map[string][]string{
		"tree.root":    {"dependency.1", "dependency.2", "dependency.3"},
		"dependency.1": nil,
		"dependency.2": {"dependency.3", "dependency.4"},
		"dependency.3": {"dependency.1"},
		"dependency.4": {"dependency.5"},
		"dependency.5": nil,
	}
	ft := p.registerRaw(t, deps)
	if err := p.ldr.RegisterLibrary(p.lib); err != nil {
		t.Fatalf("RegisterLibrary: %v", err)
	}

	if err := p.ldr.LoadGlobal(ft, "tree.root", p.ready, p.unready, nil); err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}

	// One ready per registration: the root once, each dependency once
	// per owner that asserted it.
	wantReady := map[string]int{
		"tree.root":    1,
		"dependency.1": 2,
		"dependency.2": 1,
		"dependency.3": 2,
		"dependency.4": 1,
		"dependency.5": 1,
	}
	total := 0
	for _, n := range wantReady {
		total += n
	}
	evs := collectEvents(t, p.events, total, 10*time.Second)
	ready, unready := countByKind(evs)
	if len(unready) != 0 {
		t.Fatalf("unexpected unready events during load: %v", unready)
	}
	for name, n := range wantReady {
		if got := ready[content.HashString(name)]; got != n {
			t.Errorf("ready count for %s: got %d, want %d", name, got, n)
		}
	}
	for name, v := range files {
		if got, ok := p.value(content.HashString(name)); !ok || got != v {
			t.Errorf("value for %s: got %d (present=%v), want %d", name, got, ok, v)
		}
	}

	if err := p.ldr.UnloadGlobal("tree.root"); err != nil {
		t.Fatalf("UnloadGlobal: %v", err)
	}
	evs = collectEvents(t, p.events, total, 10*time.Second)
	_, unready = countByKind(evs)
	for name, n := range wantReady {
		if got := unready[content.HashString(name)]; got != n {
			t.Errorf("unready count for %s: got %d, want %d", name, got, n)
		}
	}
	expectNoEvent(t, p.events, 200*time.Millisecond)
}

func TestHotReload(t *testing.T) {
	p := newPipeline(t)
	p.write(t, "x.raw", 1)
	ft := p.registerRaw(t, map[string][]string{"x.raw": nil})
	if err := p.ldr.RegisterLibrary(p.lib); err != nil {
		t.Fatalf("RegisterLibrary: %v", err)
	}

	if err := p.ldr.LoadGlobal(ft, "x.raw", p.ready, p.unready, nil); err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}
	x := content.HashString("x.raw")
	evs := collectEvents(t, p.events, 1, 5*time.Second)
	if evs[0].kind != "ready" {
		t.Fatalf("expected ready, got %+v", evs[0])
	}
	if v, _ := p.value(x); v != 1 {
		t.Fatalf("expected value 1, got %d", v)
	}

	p.write(t, "x.raw", 9)

	// The change must surface as unready then ready, strictly in that
	// order on x's strand. The OS may report one logical overwrite as
	// several events, each producing one more unready/ready pair, so
	// only alternation and the final value are asserted.
	evs = collectEvents(t, p.events, 2, 10*time.Second)
	if evs[0].kind != "unready" || evs[1].kind != "ready" {
		t.Fatalf("expected unready then ready, got %+v", evs)
	}
	if v, _ := p.value(x); v != 9 {
		t.Fatalf("expected reloaded value 9, got %d", v)
	}
}

func TestStemResolution(t *testing.T) {
	p := newPipeline(t)
	p.write(t, "stem.a", 4)
	ft := p.registerRaw(t, map[string][]string{"stem.a": nil, "stem.b": nil})
	if err := p.ldr.RegisterLibrary(p.lib); err != nil {
		t.Fatalf("RegisterLibrary: %v", err)
	}

	if err := p.ldr.LoadGlobal(ft, "stem", p.ready, p.unready, nil); err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}
	stem := content.HashString("stem")
	evs := collectEvents(t, p.events, 1, 5*time.Second)
	if evs[0].kind != "ready" || evs[0].file != stem {
		t.Fatalf("expected ready for the stem reference, got %+v", evs[0])
	}
	// The stem resolved to the full file, whose hash keys the value.
	if v, _ := p.value(content.HashString("stem.a")); v != 4 {
		t.Fatalf("expected value 4 behind the stem, got %d", v)
	}

	// A second extension makes the stem ambiguous: loading by stem is
	// now rejected and produces no callback.
	p.write(t, "stem.b", 5)
	time.Sleep(time.Second) // let the scan watch pick up stem.b
	if err := p.ldr.LoadGlobal(ft, "stem", p.ready, p.unready, nil); err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}
	expectNoEvent(t, p.events, 500*time.Millisecond)

	// Deleting stem.a force-unloads it and leaves the stem unique
	// again, pointing at stem.b.
	p.remove(t, "stem.a")
	evs = collectEvents(t, p.events, 1, 10*time.Second)
	if evs[0].kind != "unready" || evs[0].file != stem {
		t.Fatalf("expected unready after deletion, got %+v", evs[0])
	}
	if err := p.ldr.LoadGlobal(ft, "stem", p.ready, p.unready, nil); err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}
	evs = collectEvents(t, p.events, 1, 10*time.Second)
	if evs[0].kind != "ready" || evs[0].file != stem {
		t.Fatalf("expected ready against stem.b, got %+v", evs[0])
	}
	if v, _ := p.value(content.HashString("stem.b")); v != 5 {
		t.Fatalf("expected value 5 behind the re-resolved stem, got %d", v)
	}
}

func TestReloadReleasesDroppedDependencies(t *testing.T) {
	p := newPipeline(t)
	p.write(t, "owner.root", 1)
	p.write(t, "kept.dep", 2)
	p.write(t, "dropped.dep", 3)

	var mu sync.Mutex
	assertDropped := true
	deps := func() []string {
		mu.Lock()
		defer mu.Unlock()
		if assertDropped {
			return []string{"kept.dep", "dropped.dep"}
		}
		return []string{"kept.dep"}
	}

	ft := content.HashString("raw")
	names := map[content.Hash]string{content.HashString("owner.root"): "owner.root"}
	load := func(stream *vfs.ReadStream, payload any, file content.Hash) {
		var buf [1]byte
		stream.ReadAll(buf[:])
		if names[file] != "owner.root" {
			return
		}
		for _, dep := range deps() {
			p.ldr.LoadDependency(ft, file, dep, p.ready, p.unready, nil)
		}
	}
	if err := p.ldr.RegisterFiletype(ft, load, func(any, content.Hash) {}, nil); err != nil {
		t.Fatalf("RegisterFiletype: %v", err)
	}
	if err := p.ldr.RegisterLibrary(p.lib); err != nil {
		t.Fatalf("RegisterLibrary: %v", err)
	}

	if err := p.ldr.LoadGlobal(ft, "owner.root", p.ready, p.unready, nil); err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}
	evs := collectEvents(t, p.events, 3, 10*time.Second)
	ready, _ := countByKind(evs)
	for _, name := range []string{"owner.root", "kept.dep", "dropped.dep"} {
		if ready[content.HashString(name)] != 1 {
			t.Fatalf("expected one ready for %s, got %v", name, ready)
		}
	}

	// Reload the owner with the smaller dependency set: exactly the
	// set difference goes unready, the kept dependency stays ready
	// with no events at all.
	mu.Lock()
	assertDropped = false
	mu.Unlock()
	p.write(t, "owner.root", 1)

	dropped := content.HashString("dropped.dep")
	kept := content.HashString("kept.dep")
	owner := content.HashString("owner.root")
	seenDroppedUnready := false
	deadline := time.After(10 * time.Second)
	for !seenDroppedUnready {
		select {
		case ev := <-p.events:
			switch {
			case ev.file == kept:
				t.Fatalf("kept dependency saw an event during reload: %+v", ev)
			case ev.file == dropped && ev.kind == "unready":
				seenDroppedUnready = true
			case ev.file == dropped:
				t.Fatalf("dropped dependency saw %+v before unready", ev)
			case ev.file == owner:
				// the owner's own unready/ready pair from the reload
			}
		case <-deadline:
			t.Fatal("timed out waiting for the dropped dependency to go unready")
		}
	}
}

func TestRegisterFiletypeTwiceKeepsOriginal(t *testing.T) {
	p := newPipeline(t)
	p.write(t, "a.raw", 7)
	ft := p.registerRaw(t, map[string][]string{"a.raw": nil})

	// The duplicate registration is a detected contract violation; the
	// original load callback must remain in effect.
	err := p.ldr.RegisterFiletype(ft, func(*vfs.ReadStream, any, content.Hash) {
		t.Error("duplicate filetype registration took effect")
	}, nil, nil)
	if err != nil {
		t.Fatalf("RegisterFiletype: %v", err)
	}

	if err := p.ldr.RegisterLibrary(p.lib); err != nil {
		t.Fatalf("RegisterLibrary: %v", err)
	}
	if err := p.ldr.LoadGlobal(ft, "a.raw", p.ready, p.unready, nil); err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}
	collectEvents(t, p.events, 1, 5*time.Second)
	if v, _ := p.value(content.HashString("a.raw")); v != 7 {
		t.Fatalf("expected the original load callback to run, value 7, got %d", v)
	}
}

func TestUnregisterLibraryStopsCallbacks(t *testing.T) {
	p := newPipeline(t)
	p.write(t, "a.raw", 1)
	ft := p.registerRaw(t, map[string][]string{"a.raw": nil})
	if err := p.ldr.RegisterLibrary(p.lib); err != nil {
		t.Fatalf("RegisterLibrary: %v", err)
	}
	if err := p.ldr.LoadGlobal(ft, "a.raw", p.ready, p.unready, nil); err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}
	evs := collectEvents(t, p.events, 1, 5*time.Second)
	if evs[0].kind != "ready" {
		t.Fatalf("expected ready, got %+v", evs[0])
	}

	if err := p.ldr.UnregisterLibrary(p.lib); err != nil {
		t.Fatalf("UnregisterLibrary: %v", err)
	}
	evs = collectEvents(t, p.events, 1, 5*time.Second)
	if evs[0].kind != "unready" {
		t.Fatalf("expected unready from the cascade, got %+v", evs[0])
	}

	// Changes under the unregistered library must no longer surface.
	p.write(t, "a.raw", 2)
	p.write(t, "b.raw", 3)
	expectNoEvent(t, p.events, time.Second)
}

func TestConcurrentGlobalLoads(t *testing.T) {
	p := newPipeline(t)
	const n = 16
	names := make(map[string][]string, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("file%02d.raw", i)
		p.write(t, name, byte(i))
		names[name] = nil
	}
	ft := p.registerRaw(t, names)
	if err := p.ldr.RegisterLibrary(p.lib); err != nil {
		t.Fatalf("RegisterLibrary: %v", err)
	}

	var g errgroup.Group
	for name := range names {
		name := name
		g.Go(func() error {
			return p.ldr.LoadGlobal(ft, name, p.ready, p.unready, nil)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}

	evs := collectEvents(t, p.events, n, 10*time.Second)
	ready, _ := countByKind(evs)
	for name := range names {
		if ready[content.HashString(name)] != 1 {
			t.Errorf("expected one ready for %s, got %d", name, ready[content.HashString(name)])
		}
	}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("file%02d.raw", i)
		if v, ok := p.value(content.HashString(name)); !ok || v != byte(i) {
			t.Errorf("value for %s: got %d (present=%v), want %d", name, v, ok, i)
		}
	}
}
