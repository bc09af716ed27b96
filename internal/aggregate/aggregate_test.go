// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package aggregate

import (
	"testing"

	"github.com/aclements/hotline/internal/fileident"
	"github.com/aclements/hotline/internal/spe"
	"github.com/aclements/hotline/internal/sysinfo"
)

var testLimits = sysinfo.LatencyLimits{L1CapPS: 1800, L2CapPS: 5000, L3CapPS: 20000}

func TestBuildLatencySampleBuckets(t *testing.T) {
	// cycToPS=400; issue=10 cycles (4000ps), total=20 cycles (8000ps),
	// xlat=2 cycles (800ps) -> execution latency 3200ps, which clears the
	// L1 cap but fits under L2.
	p := &spe.Packet{IssueLat: 10, TotalLat: 20, XlatLat: 2, DataSource: spe.DataSourceL1}
	key := Key{File: fileident.ID{Inode: 1}, Offset: 0x10}

	rec := BuildLatencySample(p, key, 400, testLimits)
	if rec.Count != 1 || rec.SaturatedCount != 0 {
		t.Fatalf("rec = %+v", rec)
	}
	if rec.TotalLatencyPS != 8000 || rec.IssueLatencyPS != 4000 || rec.TranslationLatencyPS != 800 {
		t.Fatalf("latencies = %+v", rec)
	}
	if rec.Histograms[spe.TierL1].L2Bin != 1 {
		t.Fatalf("Histograms[L1] = %+v; want L2Bin=1", rec.Histograms[spe.TierL1])
	}
}

func TestBuildLatencySampleSaturated(t *testing.T) {
	p := &spe.Packet{IssueLat: spe.Saturated, DataSource: spe.DataSourceDRAM}
	key := Key{File: fileident.ID{Inode: 1}}

	rec := BuildLatencySample(p, key, 400, testLimits)
	if rec.Count != 1 || rec.SaturatedCount != 1 {
		t.Fatalf("rec = %+v", rec)
	}
	if rec.TotalLatencyPS != 0 || rec.Histograms != [4]Histogram{} {
		t.Fatalf("saturated sample should not populate latency fields: %+v", rec)
	}
}

func TestLatencyStoreMergeIsCommutative(t *testing.T) {
	key := Key{File: fileident.ID{Inode: 7}, Offset: 0x100}
	a := LatencyRecord{Key: key, Count: 1, TotalLatencyPS: 100}
	a.Histograms[spe.TierL2].L1Bin = 1
	b := LatencyRecord{Key: key, Count: 1, TotalLatencyPS: 200}
	b.Histograms[spe.TierL2].L1Bin = 1

	s1 := NewLatencyStore()
	s1.Insert(a)
	s1.Insert(b)

	s2 := NewLatencyStore()
	s2.Insert(b)
	s2.Insert(a)

	var r1, r2 LatencyRecord
	s1.Ascend(func(r LatencyRecord) bool { r1 = r; return true })
	s2.Ascend(func(r LatencyRecord) bool { r2 = r; return true })

	if r1.Count != 2 || r1.TotalLatencyPS != 300 || r1.Histograms[spe.TierL2].L1Bin != 2 {
		t.Fatalf("r1 = %+v", r1)
	}
	if r1 != r2 {
		t.Fatalf("merge order changed result: %+v vs %+v", r1, r2)
	}
}

func TestLatencyStoreOrdering(t *testing.T) {
	s := NewLatencyStore()
	s.Insert(LatencyRecord{Key: Key{File: fileident.ID{Inode: 5}, Offset: 10}, Count: 1})
	s.Insert(LatencyRecord{Key: Key{File: fileident.ID{Inode: 2}, Offset: 99}, Count: 1})
	s.Insert(LatencyRecord{Key: Key{File: fileident.ID{Inode: 5}, Offset: 1}, Count: 1})

	var inodes []uint64
	var offsets []uint64
	s.Ascend(func(r LatencyRecord) bool {
		inodes = append(inodes, r.Key.File.Inode)
		offsets = append(offsets, r.Key.Offset)
		return true
	})
	want := []uint64{2, 5, 5}
	for i, v := range want {
		if inodes[i] != v {
			t.Fatalf("inodes = %v; want order %v", inodes, want)
		}
	}
	if offsets[1] != 1 || offsets[2] != 10 {
		t.Fatalf("offsets within inode 5 not ascending: %v", offsets)
	}
}

func TestBranchStoreMergeAndMispredictCount(t *testing.T) {
	key := Key{File: fileident.ID{Inode: 3}, Offset: 0x40}
	hit := BuildBranchSample(&spe.Packet{Type: spe.TypeBranch, Events: 0}, key)
	miss := BuildBranchSample(&spe.Packet{Type: spe.TypeBranch, Events: spe.EventBranchMiss}, key)

	s := NewBranchStore()
	s.Insert(hit)
	s.Insert(miss)

	var rec BranchRecord
	s.Ascend(func(r BranchRecord) bool { rec = r; return true })
	if rec.Count != 2 || rec.MispredictedCount != 1 {
		t.Fatalf("rec = %+v", rec)
	}
}

func TestStoreLen(t *testing.T) {
	s := NewLatencyStore()
	s.Insert(LatencyRecord{Key: Key{File: fileident.ID{Inode: 1}, Offset: 1}, Count: 1})
	s.Insert(LatencyRecord{Key: Key{File: fileident.ID{Inode: 1}, Offset: 1}, Count: 1})
	s.Insert(LatencyRecord{Key: Key{File: fileident.ID{Inode: 1}, Offset: 2}, Count: 1})
	if s.Len() != 2 {
		t.Fatalf("Len() = %d; want 2", s.Len())
	}
}
