// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command fimbulassets wires the whole asset pipeline together behind
// a small CLI: it registers the given directory as a library, loads
// the requested files with a built-in "raw" filetype that just keeps
// the bytes it read, and then sits watching the directory, logging
// every unready/ready transition as files change on disk.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/alecthomas/kong"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/shossjer/fimbulwinter/internal/content"
	"github.com/shossjer/fimbulwinter/internal/loader"
	"github.com/shossjer/fimbulwinter/internal/metrics"
	"github.com/shossjer/fimbulwinter/internal/scheduler"
	"github.com/shossjer/fimbulwinter/internal/slogutil"
	"github.com/shossjer/fimbulwinter/internal/vfs"
)

var log = slogutil.Default("main")

type cli struct {
	Root        string   `arg:"" help:"Directory to treat as the asset library root." type:"existingdir"`
	Load        []string `short:"l" help:"Files (or stems) to load at startup."`
	Threads     int      `help:"Scheduler worker count; 0 sizes to the CPU quota." default:"0"`
	MetricsAddr string   `help:"Serve Prometheus metrics on this address." placeholder:"ADDR"`
	Debug       bool     `help:"Enable debug checks and the hash reverse-lookup table."`
}

func main() {
	var args cli
	kctx := kong.Parse(&args,
		kong.Name("fimbulassets"),
		kong.Description("Watch a directory of assets and keep the requested files loaded."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(run(&args))
}

func run(args *cli) error {
	if args.Debug {
		os.Setenv("FIMBUL_DEBUG", "1")
	}

	// Respect the container CPU quota rather than raw NumCPU when
	// sizing the default worker pool.
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, fargs ...any) {
		log.Info(fmt.Sprintf(format, fargs...))
	}))
	if err != nil {
		log.Warn("automaxprocs failed", "error", err)
	}
	defer undo()

	threads := args.Threads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}

	sched := scheduler.New(threads)
	defer sched.Stop()
	fs := vfs.New(sched, args.Root)
	defer fs.Close()
	ldr := loader.New(sched, fs)
	defer ldr.Close()

	if args.MetricsAddr != "" {
		reg := metrics.New(sched, fs, ldr)
		go func() {
			log.Info("serving metrics", "addr", args.MetricsAddr)
			if err := http.ListenAndServe(args.MetricsAddr, reg.Handler()); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	raw := newRawFiletype()
	ft := content.HashString("raw")
	if err := ldr.RegisterFiletype(ft, raw.load, raw.unload, nil); err != nil {
		return err
	}
	if err := ldr.RegisterLibrary(vfs.Root); err != nil {
		return err
	}

	for _, name := range args.Load {
		name := name
		err := ldr.LoadGlobal(ft, name,
			func(_ any, file content.Hash) {
				log.Info("ready", "name", name, "file", file, "bytes", raw.size(file))
			},
			func(_ any, file content.Hash) {
				log.Info("unready", "name", name, "file", file)
			}, nil)
		if err != nil {
			return err
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", "signal", s.String())
	return nil
}

// rawFiletype keeps the bytes behind each loaded file, enough to prove
// the pipeline end to end without a real asset format.
type rawFiletype struct {
	mu    sync.Mutex
	bytes map[content.Hash][]byte
}

func newRawFiletype() *rawFiletype {
	return &rawFiletype{bytes: make(map[content.Hash][]byte)}
}

func (r *rawFiletype) load(stream *vfs.ReadStream, _ any, file content.Hash) {
	var data []byte
	buf := make([]byte, 64<<10)
	for !stream.Done() {
		n, err := stream.ReadSome(buf)
		data = append(data, buf[:n]...)
		if err != nil {
			break
		}
	}
	if stream.Fail() {
		log.Warn("read failed", "file", file, "path", stream.Origin())
		return
	}
	r.mu.Lock()
	r.bytes[file] = data
	r.mu.Unlock()
}

func (r *rawFiletype) unload(_ any, file content.Hash) {
	r.mu.Lock()
	delete(r.bytes, file)
	r.mu.Unlock()
}

func (r *rawFiletype) size(file content.Hash) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bytes[file])
}
