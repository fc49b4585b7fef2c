// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package loader implements spec.md §4.7's module loader: load bytecode by
// logical name or raw bytes, decode and validate it, run the peephole
// optimizer over it once, and cache the result so a module imported from
// multiple call sites is decoded and optimized once.
//
//   - github.com/hashicorp/golang-lru bounds the decoded-module cache by
//     entry count (ModuleCacheSize in internal/config), evicting the
//     least-recently-used module rather than growing unbounded as an
//     embedder loads more and more named modules over a long-lived process.
//   - golang.org/x/sync/singleflight collapses concurrent loads of the same
//     logical name into one decode, so two goroutines racing to import the
//     same module don't both pay the decode cost (or, worse, both succeed
//     with two distinct *bytecode.Module values for what should be one
//     cached entry).
//   - golang.org/x/crypto/sha3 content-hashes a loaded file's bytes; a
//     cache hit is only honored when the hash still matches, so a changed
//     file on disk is never served stale from cache.
//   - github.com/edsrzf/mmap-go memory-maps files at or above a size
//     threshold (mmapThreshold) instead of reading them with File.Read; the
//     mapped bytes are then copied whole into a []byte and unmapped.
//   - github.com/rjeczalik/notify watches every file LoadModule reads for
//     writes and invalidates its cache entries, giving hot reload during
//     development; Close stops the watching.
//   - github.com/dlclark/regexp2 validates logical module names against a
//     pattern once at LoadModule's entry, rejecting path-traversal-shaped
//     or otherwise malformed names before they ever reach the filesystem.
package loader

import (
	"context"
	"fmt"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rjeczalik/notify"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/singleflight"

	"github.com/dlclark/regexp2"
	"github.com/edsrzf/mmap-go"

	"github.com/probeum/corevm/bytecode"
	"github.com/probeum/corevm/errs"
	"github.com/probeum/corevm/optimizer"
)

// namePattern rejects empty names, absolute paths, and parent-directory
// traversal; logical module names are expected to look like identifiers or
// simple slash-separated paths (e.g. "math/vectors").
var namePattern = regexp2.MustCompile(`^(?!.*(?:^|/)\.\.(?:/|$))[A-Za-z0-9_][A-Za-z0-9_/.\-]*$`, regexp2.None)

// mmapThreshold is the file size above which Loader memory-maps instead of
// reading the file fully into memory.
const mmapThreshold = 1 << 20 // 1 MiB

type cacheEntry struct {
	module *bytecode.Module
	hash   [32]byte
	path   string
}

// Loader resolves logical module names to decoded, validated
// *bytecode.Module values, caching and deduplicating loads per spec.md
// §4.7.
type Loader struct {
	roots []string

	cache   *lru.Cache
	group   singleflight.Group
	watcher chan notify.EventInfo

	mu      sync.Mutex
	watched map[string]struct{}
}

// New creates a Loader resolving logical names against roots (search
// directories tried in order) with an LRU cache bounded at cacheSize
// entries.
func New(roots []string, cacheSize int) (*Loader, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Loader{
		roots:   roots,
		cache:   c,
		watched: make(map[string]struct{}),
	}, nil
}

// LoadBytes decodes, validates, and peephole-optimizes raw bytecode,
// bypassing the filesystem and the cache entirely — the path for an
// embedder that already has the bytes in hand (spec.md §4.7's load_bytes).
func LoadBytes(data []byte) (*bytecode.Module, error) {
	mod, err := bytecode.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := bytecode.Validate(mod); err != nil {
		return nil, err
	}
	optimizer.OptimizeModule(mod)
	return mod, nil
}

// LoadModule resolves name against the loader's search roots, decodes and
// validates it, and returns the cached module if the backing file's content
// hash hasn't changed since it was last loaded (spec.md §4.7's load_file
// plus caching-by-logical-name).
func (l *Loader) LoadModule(ctx context.Context, name string) (*bytecode.Module, error) {
	ok, err := namePattern.MatchString(name)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: invalid module name %q", errs.ErrIO, name)
	}

	v, err, _ := l.group.Do(name, func() (any, error) {
		return l.loadLocked(name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*bytecode.Module), nil
}

func (l *Loader) loadLocked(name string) (*bytecode.Module, error) {
	path, data, hash, err := l.readFile(name)
	if err != nil {
		return nil, err
	}

	if cached, ok := l.cache.Get(name); ok {
		entry := cached.(cacheEntry)
		if entry.hash == hash {
			return entry.module, nil
		}
	}

	mod, err := LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrIO, name, err)
	}

	l.cache.Add(name, cacheEntry{module: mod, hash: hash, path: path})
	l.watchLocked(path)
	return mod, nil
}

func (l *Loader) readFile(name string) (path string, data []byte, hash [32]byte, err error) {
	for _, root := range l.roots {
		candidate := root + "/" + name
		data, err = l.readOne(candidate)
		if err == nil {
			return candidate, data, sha3.Sum256(data), nil
		}
	}
	if len(l.roots) == 0 {
		data, err = l.readOne(name)
		if err == nil {
			return name, data, sha3.Sum256(data), nil
		}
	}
	return "", nil, [32]byte{}, fmt.Errorf("%w: module %q not found", errs.ErrIO, name)
}

func (l *Loader) readOne(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < mmapThreshold {
		data := make([]byte, info.Size())
		if _, err := f.Read(data); err != nil {
			return nil, err
		}
		return data, nil
	}

	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer mapped.Unmap()
	out := make([]byte, len(mapped))
	copy(out, mapped)
	return out, nil
}

// watchLocked begins watching path for writes, if not already watching it.
// Caller must hold no lock (notify.Watch is independently synchronized);
// l.mu only guards the watched-set bookkeeping.
func (l *Loader) watchLocked(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.watched[path]; ok {
		return
	}
	if l.watcher == nil {
		l.watcher = make(chan notify.EventInfo, 16)
		go l.reloadLoop()
	}
	if err := notify.Watch(path, l.watcher, notify.Write); err == nil {
		l.watched[path] = struct{}{}
	}
}

// reloadLoop invalidates a file's cache entries as soon as a write is
// observed, so the next LoadModule call re-decodes rather than serving a
// stale cached module. This is the hot-reload path an embedder opts into
// simply by loading files instead of raw bytes.
func (l *Loader) reloadLoop() {
	for ev := range l.watcher {
		path := ev.Path()
		for _, key := range l.cache.Keys() {
			cached, ok := l.cache.Peek(key)
			if !ok {
				continue
			}
			if cached.(cacheEntry).path == path {
				l.cache.Remove(key)
			}
		}
	}
}

// Close stops watching every loaded file.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		notify.Stop(l.watcher)
		close(l.watcher)
		l.watcher = nil
	}
	l.watched = make(map[string]struct{})
}
