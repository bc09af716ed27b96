// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session implements the per-CPU state machine and two-clock
// synchronizer: for each SPE sample, it pulls just enough of that CPU's
// merged record stream to catch the PID/VMA state up to the sample's
// timestamp before resolving and aggregating the sample itself.
package session

import (
	"log"

	"github.com/aclements/hotline/internal/aggregate"
	"github.com/aclements/hotline/internal/fileident"
	"github.com/aclements/hotline/internal/procmap"
	"github.com/aclements/hotline/internal/record"
	"github.com/aclements/hotline/internal/ringbuf"
	"github.com/aclements/hotline/internal/spe"
	"github.com/aclements/hotline/internal/sysinfo"
)

// World holds the process-global state every CPU's session mutates and
// reads: the PID/VMA directory, the file-identity directory, and the two
// aggregation stores. Only the supervisor goroutine touches it, so it
// carries no synchronization of its own (spec's single-threaded
// cooperative model).
type World struct {
	Procs    *procmap.Directory
	Files    *fileident.Directory
	Latency  *aggregate.LatencyStore
	Branches *aggregate.BranchStore
	Limits   sysinfo.LatencyLimits
	CycToPS  uint64
}

// noActivePID marks a CPU session that has not yet observed a SWITCH
// record; PC resolution against it always misses.
const noActivePID = -1

// State is one CPU's session: which PID it believes is currently
// scheduled, and the ring-buffer reader pair that feeds it.
type State struct {
	CPU int

	ring      *ringbuf.Session
	activePID int32

	// lastProcessedTS is the t_perf of the most recently accepted SPE
	// sample on this CPU; used to defend against rare SPE reordering.
	lastProcessedTS uint64
}

// New creates session state for one CPU.
func New(cpu int, ring *ringbuf.Session) *State {
	return &State{CPU: cpu, ring: ring, activePID: noActivePID}
}

// SeedActivePID sets the session's initial active PID directly, for use
// during startup bootstrap before any SWITCH record has been observed.
func (s *State) SeedActivePID(pid int32) { s.activePID = pid }

// Drain processes every AUX packet currently available on this CPU,
// pulling just enough of the record stream ahead of each packet to keep
// world's global state consistent with what was live when the sample was
// captured.
func (s *State) Drain(world *World) {
	for {
		buf, ok := s.ring.Aux.Next()
		if !ok {
			break
		}

		var pkt spe.Packet
		if err := spe.Decode(buf, &pkt); err != nil {
			continue
		}

		tPerf := s.ring.Conv.Convert(pkt.Timestamp)
		if tPerf < s.lastProcessedTS {
			continue
		}

		s.drainRecordsUpTo(world, tPerf)
		s.resolveAndAggregate(world, &pkt)

		s.lastProcessedTS = tPerf
		s.ring.Aux.Commit()
	}
	s.ring.Records.Commit()
}

// drainRecordsUpTo applies every pending record-stream effect whose
// timestamp is no later than tPerf, leaving any record timestamped after
// tPerf unconsumed for a later call.
func (s *State) drainRecordsUpTo(world *World, tPerf uint64) {
	for {
		hdr, payload, ok, err := s.ring.Records.Peek()
		if err != nil {
			s.ring.Records.Consume()
			continue
		}
		if !ok {
			return
		}

		var dec record.Decoded
		if err := record.Decode(hdr, payload, true, &dec); err != nil {
			log.Printf("session: cpu %d: skipping record: %v", s.CPU, err)
			s.ring.Records.Consume()
			continue
		}
		if dec.Time != 0 && dec.Time > tPerf {
			return
		}

		s.apply(world, &dec)
		s.ring.Records.Consume()
	}
}

func (s *State) apply(world *World, dec *record.Decoded) {
	switch dec.Kind {
	case record.KindMmap2:
		id := fileident.ID{Major: dec.Major, Minor: dec.Minor, Inode: dec.Ino, Generation: dec.InoGeneration}
		world.Files.Register(id, dec.Filename)
		world.Procs.InsertMapping(dec.PID, procmap.Segment{
			Start:      dec.Addr,
			End:        dec.Addr + dec.Len,
			FileOffset: dec.PgOff,
			File:       id,
		})
	case record.KindExit:
		world.Procs.Remove(dec.ExitPID)
	case record.KindSwitchCPUWide:
		if dec.SwitchOut {
			s.activePID = dec.NextPrevPID
		}
	}
}

func (s *State) resolveAndAggregate(world *World, pkt *spe.Packet) {
	id, offset, ok := world.Procs.Resolve(pkt.PC, s.activePID)
	if !ok {
		return
	}

	key := aggregate.Key{File: id, Offset: offset}
	switch pkt.Type {
	case spe.TypeLatency:
		world.Latency.Insert(aggregate.BuildLatencySample(pkt, key, world.CycToPS, world.Limits))
	case spe.TypeBranch:
		world.Branches.Insert(aggregate.BuildBranchSample(pkt, key))
	}
}
