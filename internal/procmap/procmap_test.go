// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procmap

import (
	"testing"

	"github.com/aclements/hotline/internal/fileident"
)

func TestProcessMapPunchOut(t *testing.T) {
	fileA := fileident.ID{Inode: 1}
	fileB := fileident.ID{Inode: 2}

	pm := newProcessMap(100)
	pm.Insert(Segment{Start: 0x1000, End: 0x2000, FileOffset: 0, File: fileA})

	// A later mapping that shadows the middle of the first one must
	// punch a hole in it rather than letting the stale mapping win.
	pm.Insert(Segment{Start: 0x1400, End: 0x1800, FileOffset: 0x400, File: fileB})

	if got, ok := pm.Find(0x1200); !ok || got.File != fileA {
		t.Fatalf("Find(0x1200) = %+v, %v; want fileA, true", got, ok)
	}
	if got, ok := pm.Find(0x1600); !ok || got.File != fileB {
		t.Fatalf("Find(0x1600) = %+v, %v; want fileB, true", got, ok)
	}
	if got, ok := pm.Find(0x1900); !ok || got.File != fileA {
		t.Fatalf("Find(0x1900) = %+v, %v; want fileA, true", got, ok)
	}
	if pm.Len() != 3 {
		t.Fatalf("Len() = %d; want 3 (left remnant, new segment, right remnant)", pm.Len())
	}
}

func TestProcessMapFullOverlapReplaces(t *testing.T) {
	fileA := fileident.ID{Inode: 1}
	fileB := fileident.ID{Inode: 2}

	pm := newProcessMap(100)
	pm.Insert(Segment{Start: 0x1000, End: 0x1100, FileOffset: 0, File: fileA})
	pm.Insert(Segment{Start: 0x1000, End: 0x2000, FileOffset: 0, File: fileB})

	if pm.Len() != 1 {
		t.Fatalf("Len() = %d; want 1", pm.Len())
	}
	if got, ok := pm.Find(0x1050); !ok || got.File != fileB {
		t.Fatalf("Find(0x1050) = %+v, %v; want fileB, true", got, ok)
	}
}

func TestProcessMapUnresolvedPC(t *testing.T) {
	pm := newProcessMap(100)
	pm.Insert(Segment{Start: 0x400000, End: 0x401000})

	if _, ok := pm.Find(0xdead0000); ok {
		t.Fatalf("Find of unmapped PC returned ok=true")
	}
}

func TestDirectoryExitAtomicity(t *testing.T) {
	d := NewDirectory()
	d.InsertMapping(100, Segment{Start: 0x400000, End: 0x401000, File: fileident.ID{Inode: 42, Major: 8, Minor: 1}})

	if _, _, ok := d.Resolve(0x400100, 100); !ok {
		t.Fatalf("Resolve before EXIT failed")
	}

	d.Remove(100)

	if d.Has(100) {
		t.Fatalf("Has(100) = true after Remove")
	}
	if _, _, ok := d.Resolve(0x400100, 100); ok {
		t.Fatalf("Resolve(..., 100) after EXIT = true; want false")
	}
}

func TestDirectoryCacheRecency(t *testing.T) {
	d := NewDirectory()
	for pid := int32(1); pid <= CacheDepth+2; pid++ {
		d.InsertMapping(pid, Segment{Start: 0x1000, End: 0x2000, File: fileident.ID{Inode: uint64(pid)}})
	}

	// pid 1 was evicted from the front cache but must still resolve via
	// the backing map (and be re-promoted into the cache).
	if _, _, ok := d.Resolve(0x1500, 1); !ok {
		t.Fatalf("Resolve(..., 1) after eviction from cache = false; want true")
	}
}
