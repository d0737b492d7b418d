// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watch

import (
	"context"
	"path/filepath"
	"reflect"

	"github.com/syncthing/notify"
	"github.com/thejerf/suture/v4"

	"github.com/shossjer/fimbulwinter/internal/content"
)

// ioLoop is the Backend's single I/O goroutine. Every field it touches
// is private to this goroutine; Backend communicates with it only
// through the control channel, so no lock guards any of it.
type ioLoop struct {
	b    *Backend
	dirs map[string]*dirState // keyed by absolute OS path
}

func (l *ioLoop) Serve(ctx context.Context) error {
	l.dirs = make(map[string]*dirState)
	defer l.closeAll()

	for {
		cases, keys := l.buildSelect(ctx)
		idx, value, ok := reflect.Select(cases)

		switch {
		case idx == 0: // control
			if !ok {
				return suture.ErrDoNotRestart
			}
			l.handleControl(value.Interface())
		case idx == 1: // ctx.Done()
			return suture.ErrDoNotRestart
		default:
			dirPath := keys[idx]
			ds := l.dirs[dirPath]
			if !ok {
				// The notify channel itself closed; nothing more will
				// arrive for this directory.
				delete(l.dirs, dirPath)
				continue
			}
			ei, _ := value.Interface().(notify.EventInfo)
			l.handleEvent(dirPath, ds, ei)
		}
	}
}

func (l *ioLoop) buildSelect(ctx context.Context) ([]reflect.SelectCase, []string) {
	cases := make([]reflect.SelectCase, 0, 2+len(l.dirs))
	keys := make([]string, 0, 2+len(l.dirs))

	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.b.control)})
	keys = append(keys, "")
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	keys = append(keys, "")

	for path, ds := range l.dirs {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ds.events)})
		keys = append(keys, path)
	}
	return cases, keys
}

func (l *ioLoop) handleControl(msg any) {
	switch m := msg.(type) {
	case subscribeReadMsg:
		m.done <- l.subscribeRead(m.w)
	case subscribeScanMsg:
		m.done <- l.subscribeScan(m.w)
	case unsubscribeMsg:
		l.unsubscribe(m.id)
		close(m.done)
	}
}

func (l *ioLoop) dirFor(path string) (*dirState, error) {
	if ds, ok := l.dirs[path]; ok {
		return ds, nil
	}
	events := make(chan notify.EventInfo, 64)
	if err := notify.Watch(filepath.Join(path, "..."), events, notify.All); err != nil {
		return nil, err
	}
	ds := &dirState{
		path:   path,
		events: events,
		reads:  make(map[string]*ReadWatch),
		scans:  make(map[content.Hash]*ScanWatch),
	}
	l.dirs[path] = ds
	return ds, nil
}
