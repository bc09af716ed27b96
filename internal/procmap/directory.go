// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procmap

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aclements/hotline/internal/fileident"
)

// CacheDepth is the size of the front cache of most-recently-used
// ProcessMaps. Fixed at 5, as in the original tool; tunable, but the cache
// must invalidate on EXIT to preserve directory atomicity.
const CacheDepth = 5

// Directory is the process-global PID→VMA directory: one ProcessMap per
// live PID, fronted by a small LRU cache since the active PID on a given
// CPU usually repeats across many consecutive samples.
type Directory struct {
	procs map[int32]*ProcessMap
	cache *lru.Cache[int32, *ProcessMap]
}

// NewDirectory returns an empty PID→VMA directory.
func NewDirectory() *Directory {
	cache, err := lru.New[int32, *ProcessMap](CacheDepth)
	if err != nil {
		// CacheDepth is a positive constant; lru.New only fails for size <= 0.
		panic(err)
	}
	return &Directory{
		procs: make(map[int32]*ProcessMap),
		cache: cache,
	}
}

func (d *Directory) ensure(pid int32) *ProcessMap {
	pm, ok := d.procs[pid]
	if !ok {
		pm = newProcessMap(pid)
		d.procs[pid] = pm
	}
	return pm
}

// InsertMapping records a new mapping for pid, creating its ProcessMap if
// this is the first mapping seen for that PID.
func (d *Directory) InsertMapping(pid int32, seg Segment) {
	pm := d.ensure(pid)
	pm.Insert(seg)
	d.cache.Add(pid, pm)
}

// Remove deletes pid's entire ProcessMap and evicts it from the front
// cache. Per the directory-atomicity invariant, after Remove no lookup for
// pid may return a ProcessMap and no cache slot may reference it.
func (d *Directory) Remove(pid int32) {
	delete(d.procs, pid)
	d.cache.Remove(pid)
}

func (d *Directory) lookup(pid int32) (*ProcessMap, bool) {
	if pm, ok := d.cache.Get(pid); ok {
		return pm, true
	}
	pm, ok := d.procs[pid]
	if ok {
		d.cache.Add(pid, pm)
	}
	return pm, ok
}

// Resolve maps a (pc, pid) pair to a (file identity, file offset) pair.
// It returns false if pid has no directory entry, no live segment covers
// pc, or the covering segment is an anonymous or synthetic mapping.
func (d *Directory) Resolve(pc uint64, pid int32) (fileident.ID, uint64, bool) {
	pm, ok := d.lookup(pid)
	if !ok {
		return fileident.ID{}, 0, false
	}
	seg, ok := pm.Find(pc)
	if !ok || seg.File.Anonymous() {
		return fileident.ID{}, 0, false
	}
	return seg.File, pc - seg.Start + seg.FileOffset, true
}

// Has reports whether pid currently has a ProcessMap, for tests.
func (d *Directory) Has(pid int32) bool {
	_, ok := d.procs[pid]
	return ok
}
