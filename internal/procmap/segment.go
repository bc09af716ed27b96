// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package procmap tracks, per PID, the virtual-address mappings the kernel
// has reported and resolves a program counter to a (file identity, file
// offset) pair.
//
// The original tool kept each PID's mappings as an insertion-order array
// and resolved a PC with a first-match linear scan; when a new mapping
// shadowed an older, overlapping one, the stale mapping could still win.
// This package instead keeps each PID's mappings as a non-overlapping,
// punch-out interval index: inserting a segment first trims or removes any
// existing segment it overlaps, so a PC is never covered by more than one
// live segment and lookup is the closest segment at or below the PC.
package procmap

import (
	"github.com/google/btree"

	"github.com/aclements/hotline/internal/fileident"
)

// Segment is a half-open virtual-address range mapped to a file.
type Segment struct {
	Start, End uint64
	FileOffset uint64
	File       fileident.ID
}

func segmentLess(a, b Segment) bool {
	return a.Start < b.Start
}

// ProcessMap is one process's set of live, non-overlapping mappings.
type ProcessMap struct {
	PID  int32
	segs *btree.BTreeG[Segment]
}

func newProcessMap(pid int32) *ProcessMap {
	return &ProcessMap{PID: pid, segs: btree.NewG(32, segmentLess)}
}

// Insert adds seg to the process's mappings, applying the punch-out rule:
// any existing segment it overlaps is trimmed, split, or removed first.
func (pm *ProcessMap) Insert(seg Segment) {
	if seg.End <= seg.Start {
		return
	}

	var overlapping []Segment
	pm.segs.AscendRange(Segment{Start: 0}, Segment{Start: seg.End}, func(old Segment) bool {
		if old.End > seg.Start {
			overlapping = append(overlapping, old)
		}
		return true
	})

	for _, old := range overlapping {
		pm.segs.Delete(old)
		if old.Start < seg.Start {
			pm.segs.ReplaceOrInsert(Segment{
				Start:      old.Start,
				End:        seg.Start,
				FileOffset: old.FileOffset,
				File:       old.File,
			})
		}
		if old.End > seg.End {
			pm.segs.ReplaceOrInsert(Segment{
				Start:      seg.End,
				End:        old.End,
				FileOffset: old.FileOffset + (seg.End - old.Start),
				File:       old.File,
			})
		}
	}

	pm.segs.ReplaceOrInsert(seg)
}

// Find returns the live segment containing pc, if any.
func (pm *ProcessMap) Find(pc uint64) (Segment, bool) {
	var found Segment
	ok := false
	pm.segs.DescendLessOrEqual(Segment{Start: pc}, func(s Segment) bool {
		if pc < s.End {
			found, ok = s, true
		}
		return false
	})
	return found, ok
}

// Len reports the number of live segments, for tests.
func (pm *ProcessMap) Len() int {
	return pm.segs.Len()
}
