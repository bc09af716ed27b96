// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package aggregate holds the two hot-path sinks every resolved sample
// folds into: a latency store that bins each (file, offset)'s samples by
// completion tier and execution-latency bucket, and a branch-misprediction
// store. Both are ordered maps keyed by (file, offset)
// so their final, serialized contents are independent of the order in
// which CPUs fed them samples.
package aggregate

import (
	"github.com/google/btree"

	"github.com/aclements/hotline/internal/fileident"
	"github.com/aclements/hotline/internal/spe"
	"github.com/aclements/hotline/internal/sysinfo"
)

// Key identifies one aggregation entry: a file and an offset within it.
type Key struct {
	File   fileident.ID
	Offset uint64
}

// Less orders keys (inode, offset, major, minor, generation), matching
// fileident.Less's device-identity ordering with offset spliced in second,
// since within one file offset varies the most after inode itself.
func Less(a, b Key) bool {
	if a.File.Inode != b.File.Inode {
		return a.File.Inode < b.File.Inode
	}
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	if a.File.Major != b.File.Major {
		return a.File.Major < b.File.Major
	}
	if a.File.Minor != b.File.Minor {
		return a.File.Minor < b.File.Minor
	}
	return a.File.Generation < b.File.Generation
}

// Histogram counts samples in one completion tier's four execution-latency
// buckets.
type Histogram struct {
	L1Bin, L2Bin, L3Bin, DRAMBin uint64
}

func (h *Histogram) add(o Histogram) {
	h.L1Bin += o.L1Bin
	h.L2Bin += o.L2Bin
	h.L3Bin += o.L3Bin
	h.DRAMBin += o.DRAMBin
}

// LatencyRecord is one (file, offset)'s accumulated latency statistics.
type LatencyRecord struct {
	Key                  Key
	Count                uint64
	TotalLatencyPS       uint64
	IssueLatencyPS       uint64
	TranslationLatencyPS uint64
	SaturatedCount       uint64
	// Histograms is indexed by spe.Tier (L1, L2, L3, DRAM data source).
	Histograms [4]Histogram
}

func (r *LatencyRecord) merge(o LatencyRecord) {
	r.Count += o.Count
	r.TotalLatencyPS += o.TotalLatencyPS
	r.IssueLatencyPS += o.IssueLatencyPS
	r.TranslationLatencyPS += o.TranslationLatencyPS
	r.SaturatedCount += o.SaturatedCount
	for i := range r.Histograms {
		r.Histograms[i].add(o.Histograms[i])
	}
}

// BranchRecord is one (file, offset)'s accumulated branch statistics.
type BranchRecord struct {
	Key               Key
	Count             uint64
	MispredictedCount uint64
	BranchType        uint8
}

func (r *BranchRecord) merge(o BranchRecord) {
	r.Count += o.Count
	r.MispredictedCount += o.MispredictedCount
	r.BranchType = o.BranchType // last-write-wins; see DESIGN.md
}

// BuildLatencySample converts one non-AUX-ignored SPE latency packet,
// already resolved to key, into a single-sample LatencyRecord ready to be
// folded into a LatencyStore. Saturated samples only bump Count and
// SaturatedCount; cycToPS converts the hardware's cycle counts to
// picoseconds.
func BuildLatencySample(p *spe.Packet, key Key, cycToPS uint64, limits sysinfo.LatencyLimits) LatencyRecord {
	rec := LatencyRecord{Key: key, Count: 1}
	if p.Saturated() {
		rec.SaturatedCount = 1
		return rec
	}

	rec.TotalLatencyPS = uint64(p.TotalLat) * cycToPS
	rec.IssueLatencyPS = uint64(p.IssueLat) * cycToPS
	rec.TranslationLatencyPS = uint64(p.XlatLat) * cycToPS
	execLatency := rec.TotalLatencyPS - rec.IssueLatencyPS - rec.TranslationLatencyPS

	bin := &rec.Histograms[spe.ClassifyTier(p.DataSource)]
	switch {
	case execLatency <= limits.L1CapPS:
		bin.L1Bin = 1
	case execLatency <= limits.L2CapPS:
		bin.L2Bin = 1
	case execLatency <= limits.L3CapPS:
		bin.L3Bin = 1
	default:
		bin.DRAMBin = 1
	}
	return rec
}

// BuildBranchSample converts one SPE branch packet, already resolved to
// key, into a single-sample BranchRecord.
func BuildBranchSample(p *spe.Packet, key Key) BranchRecord {
	rec := BranchRecord{Key: key, Count: 1, BranchType: p.Type}
	if p.BranchMissed() {
		rec.MispredictedCount = 1
	}
	return rec
}

// LatencyStore is the ordered, commutative-merge aggregation of latency
// samples by key.
type LatencyStore struct {
	tree *btree.BTreeG[LatencyRecord]
}

// NewLatencyStore returns an empty latency store.
func NewLatencyStore() *LatencyStore {
	return &LatencyStore{tree: btree.NewG(32, func(a, b LatencyRecord) bool { return Less(a.Key, b.Key) })}
}

// Insert folds sample into the store, creating a zero entry first if this
// is the key's first sample.
func (s *LatencyStore) Insert(sample LatencyRecord) {
	rec, _ := s.tree.Get(LatencyRecord{Key: sample.Key})
	rec.Key = sample.Key
	rec.merge(sample)
	s.tree.ReplaceOrInsert(rec)
}

// Ascend visits every entry in key order, stopping early if fn returns
// false.
func (s *LatencyStore) Ascend(fn func(LatencyRecord) bool) {
	s.tree.Ascend(func(r LatencyRecord) bool { return fn(r) })
}

// Len reports the number of distinct keys, for tests.
func (s *LatencyStore) Len() int { return s.tree.Len() }

// BranchStore is the ordered, commutative-merge aggregation of branch
// samples by key.
type BranchStore struct {
	tree *btree.BTreeG[BranchRecord]
}

// NewBranchStore returns an empty branch store.
func NewBranchStore() *BranchStore {
	return &BranchStore{tree: btree.NewG(32, func(a, b BranchRecord) bool { return Less(a.Key, b.Key) })}
}

// Insert folds sample into the store, creating a zero entry first if this
// is the key's first sample.
func (s *BranchStore) Insert(sample BranchRecord) {
	rec, _ := s.tree.Get(BranchRecord{Key: sample.Key})
	rec.Key = sample.Key
	rec.merge(sample)
	s.tree.ReplaceOrInsert(rec)
}

// Ascend visits every entry in key order, stopping early if fn returns
// false.
func (s *BranchStore) Ascend(fn func(BranchRecord) bool) {
	s.tree.Ascend(func(r BranchRecord) bool { return fn(r) })
}

// Len reports the number of distinct keys, for tests.
func (s *BranchStore) Len() int { return s.tree.Len() }
