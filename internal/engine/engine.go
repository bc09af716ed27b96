// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package engine wires the discovered host configuration, the per-CPU ring
// sessions, and the process-global stores into hotline's init/run/shutdown
// lifecycle: a single supervisor goroutine that wakes on a fixed period,
// drains every CPU's session, and serializes both aggregation stores to CSV
// when it stops.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aclements/hotline/internal/aggregate"
	"github.com/aclements/hotline/internal/fileident"
	"github.com/aclements/hotline/internal/procmap"
	"github.com/aclements/hotline/internal/report"
	"github.com/aclements/hotline/internal/ringbuf"
	"github.com/aclements/hotline/internal/session"
	"github.com/aclements/hotline/internal/sysinfo"
)

// Config holds the CLI-supplied parameters that drive a run.
type Config struct {
	WakeupPeriod     time.Duration
	HotlineFrequency uint64
	Timeout          time.Duration
	DataDir          string

	// NumToReport is validated by the CLI but otherwise unused here: it
	// governs how many entries the offline report renderer keeps after
	// sorting the emitted CSVs, and that renderer is out of scope (see
	// spec.md §1).
	NumToReport int
}

// Engine owns one session per online CPU plus the process-global stores
// every session's drain mutates, and runs the single-threaded supervisor
// loop spec.md §5 describes: no worker goroutines, no locking.
type Engine struct {
	cfg     Config
	info    sysinfo.Info
	world   *session.World
	sessions []*session.State
	rings    []*ringbuf.Session
}

// New discovers the host, opens one ring session per CPU, and bootstraps
// the PID→VMA directory from every already-running process, per spec.md
// §4.8's init phase. It returns an error when the SPE device is missing,
// /proc/cpuinfo names no CPU part, or the perf subscription is denied:
// hotline aborts with no output in that case. A CPU part that is not in
// sysinfo's table is not an error; it gets the frequency and latency
// thresholds of the table's newest row.
func New(cfg Config) (*Engine, error) {
	info, err := sysinfo.Discover()
	if err != nil {
		return nil, fmt.Errorf("engine: host discovery: %w", err)
	}

	world := &session.World{
		Procs:    procmap.NewDirectory(),
		Files:    fileident.NewDirectory(),
		Latency:  aggregate.NewLatencyStore(),
		Branches: aggregate.NewBranchStore(),
		Limits:   info.LatencyLimits,
		CycToPS:  info.CycToPSFactor,
	}
	if err := procmap.Bootstrap(world.Procs, world.Files); err != nil {
		log.Printf("engine: startup bootstrap: %v", err)
	}

	e := &Engine{cfg: cfg, info: info, world: world}
	for cpu := 0; cpu < info.NumCPU; cpu++ {
		ring, err := ringbuf.Open(cpu, info, cfg.HotlineFrequency, uint64(cfg.WakeupPeriod.Seconds()))
		if err != nil {
			e.closeRings()
			return nil, fmt.Errorf("engine: cpu %d: %w", cpu, err)
		}
		e.rings = append(e.rings, ring)
		e.sessions = append(e.sessions, session.New(cpu, ring))
	}
	return e, nil
}

func (e *Engine) closeRings() {
	for _, r := range e.rings {
		r.Close()
	}
}

// Run drives the supervisor loop: sleep for the configured wakeup period,
// drain every CPU session, repeat until ctx is canceled (SIGTERM) or the
// configured timeout elapses. The in-flight drain cycle always completes
// before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(e.cfg.WakeupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.drainAll()
		}
	}
}

func (e *Engine) drainAll() {
	for _, s := range e.sessions {
		s.Drain(e.world)
	}
	e.logOverruns()
}

func (e *Engine) logOverruns() {
	for i, r := range e.rings {
		if n := r.Records.Overruns(); n > 0 {
			log.Printf("engine: cpu %d: %d record-ring overrun(s)", i, n)
		}
		if n := r.Aux.Overruns(); n > 0 {
			log.Printf("engine: cpu %d: %d aux-ring overrun(s)", i, n)
		}
	}
}

// Shutdown closes every CPU's ring session and serializes both aggregation
// stores to the configured data directory. All offline processing of the
// emitted CSVs is detached from this repository, per spec.md §1/§9.
func (e *Engine) Shutdown() error {
	e.closeRings()

	if err := report.WriteLatMap(e.cfg.DataDir, e.world.Latency, e.world.Files); err != nil {
		return err
	}
	return report.WriteBmissMap(e.cfg.DataDir, e.world.Branches, e.world.Files)
}
