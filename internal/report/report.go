// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package report serializes the latency and branch-miss aggregation stores
// to the two CSV files hotline emits at shutdown, resolving each key's file
// identity to a path immediately before it is written.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aclements/hotline/internal/aggregate"
	"github.com/aclements/hotline/internal/fileident"
)

const (
	// BmissFilename is the name of the branch-miss CSV, written under the
	// configured data directory.
	BmissFilename = "hotline_bmiss_map.csv"
	// LatFilename is the name of the latency CSV, written under the
	// configured data directory.
	LatFilename = "hotline_lat_map.csv"
)

// unresolvedFilename is substituted for entries whose file identity was
// never registered with a path (it can still be aggregated against, since
// the key only needs identity and offset).
const unresolvedFilename = "[unknown]"

func pathFor(files *fileident.Directory, id fileident.ID) string {
	if p, ok := files.Path(id); ok {
		return p
	}
	return unresolvedFilename
}

// WriteBmissMap writes hotline_bmiss_map.csv under dir: one row per branch
// key, five fields (filename, hex offset, count, mispredicted count, hex
// branch type). This matches the original tool's actual row format rather
// than its header comment, which names three columns the row data never
// carried (see DESIGN.md).
func WriteBmissMap(dir string, store *aggregate.BranchStore, files *fileident.Directory) error {
	return writeCSV(dir, BmissFilename, func(w *csv.Writer) error {
		var werr error
		store.Ascend(func(r aggregate.BranchRecord) bool {
			werr = w.Write([]string{
				pathFor(files, r.Key.File),
				fmt.Sprintf("0x%x", r.Key.Offset),
				fmt.Sprintf("%d", r.Count),
				fmt.Sprintf("%d", r.MispredictedCount),
				fmt.Sprintf("0x%x", r.BranchType),
			})
			return werr == nil
		})
		return werr
	})
}

// WriteLatMap writes hotline_lat_map.csv under dir: one row per latency
// key, 23 fields (filename, hex offset, count, total/issue/translation
// latency, the four 4-bucket histograms in L1/L2/L3/DRAM tier order, and
// the saturated count).
func WriteLatMap(dir string, store *aggregate.LatencyStore, files *fileident.Directory) error {
	return writeCSV(dir, LatFilename, func(w *csv.Writer) error {
		var werr error
		store.Ascend(func(r aggregate.LatencyRecord) bool {
			row := make([]string, 0, 23)
			row = append(row,
				pathFor(files, r.Key.File),
				fmt.Sprintf("0x%x", r.Key.Offset),
				fmt.Sprintf("%d", r.Count),
				fmt.Sprintf("%d", r.TotalLatencyPS),
				fmt.Sprintf("%d", r.IssueLatencyPS),
				fmt.Sprintf("%d", r.TranslationLatencyPS),
			)
			for _, h := range r.Histograms {
				row = append(row,
					fmt.Sprintf("%d", h.L1Bin),
					fmt.Sprintf("%d", h.L2Bin),
					fmt.Sprintf("%d", h.L3Bin),
					fmt.Sprintf("%d", h.DRAMBin),
				)
			}
			row = append(row, fmt.Sprintf("%d", r.SaturatedCount))
			werr = w.Write(row)
			return werr == nil
		})
		return werr
	})
}

func writeCSV(dir, name string, write func(*csv.Writer) error) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("report: create data dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("report: create %s: %w", name, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := write(w); err != nil {
		return fmt.Errorf("report: write %s: %w", name, err)
	}
	w.Flush()
	return w.Error()
}
