// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aclements/hotline/internal/aggregate"
	"github.com/aclements/hotline/internal/fileident"
	"github.com/aclements/hotline/internal/procmap"
	"github.com/aclements/hotline/internal/report"
	"github.com/aclements/hotline/internal/session"
	"github.com/aclements/hotline/internal/sysinfo"
)

// TestShutdownWritesBothCSVs exercises Shutdown directly against a
// hand-built Engine (bypassing New, which requires a live SPE PMU), since
// Shutdown's serialization step has no kernel dependency.
func TestShutdownWritesBothCSVs(t *testing.T) {
	dir := t.TempDir()

	world := &session.World{
		Procs:    procmap.NewDirectory(),
		Files:    fileident.NewDirectory(),
		Latency:  aggregate.NewLatencyStore(),
		Branches: aggregate.NewBranchStore(),
		Limits:   sysinfo.LatencyLimits{L1CapPS: 1800, L2CapPS: 5700, L3CapPS: 34000},
		CycToPS:  400,
	}
	id := fileident.ID{Major: 8, Minor: 1, Inode: 42}
	world.Files.Register(id, "/bin/prog")
	world.Latency.Insert(aggregate.LatencyRecord{Key: aggregate.Key{File: id, Offset: 0x4C0}, Count: 1})
	world.Branches.Insert(aggregate.BranchRecord{Key: aggregate.Key{File: id, Offset: 0x500}, Count: 1})

	e := &Engine{cfg: Config{DataDir: dir}, world: world}
	if err := e.Shutdown(); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{report.LatFilename, report.BmissFilename} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s missing: %v", name, err)
		}
	}
}

// TestRunStopsOnContextCancel exercises the supervisor loop's cancellation
// path with zero sessions (no kernel dependency): Run must return once ctx
// is canceled, without requiring a drain cycle to have happened.
func TestRunStopsOnContextCancel(t *testing.T) {
	e := &Engine{cfg: Config{WakeupPeriod: time.Hour}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v; want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestRunRespectsTimeout exercises the timeout branch directly with no
// sessions to drain.
func TestRunRespectsTimeout(t *testing.T) {
	e := &Engine{cfg: Config{WakeupPeriod: time.Hour, Timeout: 10 * time.Millisecond}}

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v; want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after timeout elapsed")
	}
}
