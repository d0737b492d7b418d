// Copyright (C) 2024 The Fimbulwinter Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package vfs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/shossjer/fimbulwinter/internal/content"
)

// Root is the reserved alias for the directory passed to New: every
// other alias resolves, directly or transitively, against Root or
// another registered alias.
var Root content.Hash // zero value, the content package's sentinel

var (
	ErrNotDirectory  = errors.New("vfs: not a directory")
	ErrUnknownAlias  = errors.New("vfs: unknown directory alias")
	ErrBadPath       = errors.New("vfs: path must be relative, use '/' and not contain '..'")
	ErrAliasCycle    = errors.New("vfs: directory alias parent cycle")
	ErrWatchesActive = errors.New("vfs: directory still has live watches")
)

type directory struct {
	name      content.Hash
	path      string // resolved absolute OS path, always ends in the OS separator
	parent    content.Hash
	shares    int
	temporary bool
	watches   map[content.Hash]struct{} // ids of live read/scan watches under this alias
}

// RegisterDirectory binds name to parent's resolved path joined with
// relPath. relPath must end in '/', must not start with '/', and must
// not contain a ".." component. Registering an already-bound name
// reuses the existing record and increments its share count instead of
// erroring.
func (fs *FS) RegisterDirectory(name content.Hash, relPath string, parent content.Hash) error {
	if err := validateDirPath(relPath); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if d, ok := fs.dirs[name]; ok {
		d.shares++
		return nil
	}

	parentDir, ok := fs.dirs[parent]
	if !ok {
		return ErrUnknownAlias
	}
	if name == parent || wouldCycle(fs.dirs, name, parent) {
		return ErrAliasCycle
	}

	full := filepath.Join(parentDir.path, filepath.FromSlash(relPath)) + string(os.PathSeparator)
	info, err := os.Stat(full)
	if err != nil || !info.IsDir() {
		return ErrNotDirectory
	}

	fs.dirs[name] = &directory{name: name, path: full, parent: parent, shares: 1}
	return nil
}

// RegisterTemporaryDirectory creates a uniquely named directory under
// the OS temp location and binds name to it. The directory (and
// everything written under it) is deleted recursively when name is
// unregistered.
func (fs *FS) RegisterTemporaryDirectory(name content.Hash) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if d, ok := fs.dirs[name]; ok {
		d.shares++
		return nil
	}

	path, err := os.MkdirTemp("", "fimbul-")
	if err != nil {
		return err
	}
	fs.dirs[name] = &directory{
		name:      name,
		path:      path + string(os.PathSeparator),
		temporary: true,
		shares:    1,
	}
	return nil
}

// UnregisterDirectory decrements name's share count, purging a
// temporary directory and recursively deleting it once the count
// reaches zero. It is a contract violation (logged, not fatal) to
// unregister a directory that still has live watches referencing it;
// the watches are force-stopped before the alias (and a temp dir's
// backing path) goes away, so nothing fires against torn-down state.
func (fs *FS) UnregisterDirectory(name content.Hash) error {
	fs.mu.Lock()

	d, ok := fs.dirs[name]
	if !ok {
		fs.mu.Unlock()
		log.Warn("unregister of unknown directory alias", "name", name)
		return ErrUnknownAlias
	}

	d.shares--
	if d.shares > 0 {
		fs.mu.Unlock()
		return nil
	}

	var stale []content.Hash
	for id := range d.watches {
		stale = append(stale, id)
	}
	delete(fs.dirs, name)
	fs.mu.Unlock()

	if len(stale) > 0 {
		log.Warn("directory unregistered with live watches; force-stopping them", "name", name, "count", len(stale))
		for _, id := range stale {
			fs.backend.RemoveWatch(id)
		}
	}
	if d.temporary {
		os.RemoveAll(d.path)
	}
	return nil
}

func (fs *FS) resolve(name content.Hash) (*directory, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	d, ok := fs.dirs[name]
	if !ok {
		return nil, ErrUnknownAlias
	}
	return d, nil
}

func validateDirPath(p string) error {
	if p == "" || !strings.HasSuffix(p, "/") {
		return ErrBadPath
	}
	if strings.HasPrefix(p, "/") {
		return ErrBadPath
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return ErrBadPath
		}
	}
	return nil
}

func validateFilePath(p string) error {
	if p == "" || strings.HasSuffix(p, "/") {
		return ErrBadPath
	}
	if strings.HasPrefix(p, "/") {
		return ErrBadPath
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return ErrBadPath
		}
	}
	return nil
}

// wouldCycle reports whether binding name as a (possibly transitive)
// child of parent would make name its own ancestor.
func wouldCycle(dirs map[content.Hash]*directory, name, parent content.Hash) bool {
	for cur := parent; cur != Root; {
		d, ok := dirs[cur]
		if !ok {
			return false
		}
		if d.name == name {
			return true
		}
		cur = d.parent
	}
	return false
}
