// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watch

import (
	"os"
	"strings"

	"github.com/syncthing/notify"

	"github.com/shossjer/fimbulwinter/internal/content"
)

func (l *ioLoop) subscribeRead(w *ReadWatch) error {
	ds, err := l.dirFor(w.Path)
	if err != nil {
		return err
	}
	ds.reads[w.Rel] = w
	return nil
}

func (l *ioLoop) subscribeScan(w *ScanWatch) error {
	ds, err := l.dirFor(w.Path)
	if err != nil {
		return err
	}
	ds.scans[w.ID] = w
	return nil
}

func (l *ioLoop) unsubscribe(id content.Hash) {
	for path, ds := range l.dirs {
		removed := false
		for rel, w := range ds.reads {
			if w.ID == id {
				delete(ds.reads, rel)
				removed = true
			}
		}
		if _, ok := ds.scans[id]; ok {
			delete(ds.scans, id)
			removed = true
		}
		if removed && len(ds.reads) == 0 && len(ds.scans) == 0 {
			notify.Stop(ds.events)
			delete(l.dirs, path)
		}
	}
}

func (l *ioLoop) closeAll() {
	for path, ds := range l.dirs {
		notify.Stop(ds.events)
		delete(l.dirs, path)
	}
}

// handleEvent dispatches a single OS notification for the directory at
// dirPath. A nil ei (or one whose path we can't make sense of) is
// treated as a buffer overflow: the directory is considered fully
// dirty and every ScanWatch on it gets a full rescan.
func (l *ioLoop) handleEvent(dirPath string, ds *dirState, ei notify.EventInfo) {
	if ei == nil || ei.Path() == "" {
		l.rescanAll(ds)
		return
	}

	abs := ei.Path()
	rel := relPath(dirPath, abs)
	if rel == "." || rel == "" {
		return
	}

	switch ei.Event() {
	case notify.Write, notify.Rename:
		if w, ok := ds.reads[rel]; ok {
			w.Changed()
		}
	case notify.Remove:
		if w, ok := ds.reads[rel]; ok {
			if w.ReportMissing {
				w.Missing()
			}
			delete(ds.reads, rel)
		}
		for _, sw := range ds.scans {
			if inScope(sw, rel) {
				sw.Changed(nil, []string{rel})
			}
		}
		return
	case notify.Create:
		if _, err := os.Stat(abs); err == nil {
			for _, sw := range ds.scans {
				if inScope(sw, rel) {
					sw.Changed([]string{rel}, nil)
				}
			}
		}
		return
	}
}

// inScope reports whether rel falls within sw's scan scope: every path
// for a recursive scan, only direct children for a non-recursive one.
func inScope(sw *ScanWatch, rel string) bool {
	if sw.Recursive {
		return true
	}
	return !strings.Contains(rel, "/")
}

func (l *ioLoop) rescanAll(ds *dirState) {
	for _, sw := range ds.scans {
		sw.Changed(nil, nil) // nil/nil signals "rescan from scratch"
	}
}
