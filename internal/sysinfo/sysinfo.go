// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sysinfo discovers the host facts the profiling core needs but
// cannot derive on its own: CPU part and frequency, page size, the SPE
// PMU's dynamic perf event type, and the cache-latency thresholds used to
// bin execution latency by completion tier.
package sysinfo

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/aclements/hotline/internal/record"
	"github.com/aclements/hotline/internal/spe"
)

// ErrSPEUnsupported is returned when the host has no arm_spe_0 PMU.
var ErrSPEUnsupported = errors.New("sysinfo: arm_spe_0 PMU not found")

// ErrCPUPartUnknown is returned when /proc/cpuinfo has no "CPU part" line.
var ErrCPUPartUnknown = errors.New("sysinfo: CPU part not found in /proc/cpuinfo")

// LatencyLimits bins execution latency, in picoseconds, by completion tier.
type LatencyLimits struct {
	L1CapPS uint64
	L2CapPS uint64
	L3CapPS uint64
}

// known Graviton CPU part IDs and their associated frequency and latency
// tiers, gathered from lat_mem_rd measurements. Unknown parts fall back to
// the newest (GRV4) row.
var cpuParts = []struct {
	part  uint64
	freq  uint64
	bins  LatencyLimits
}{
	{0xd0c, 2_500_000_000, LatencyLimits{1800, 5700, 34000}},
	{0xd40, 2_600_000_000, LatencyLimits{1800, 5700, 34000}},
	{0xd4f, 2_800_000_000, LatencyLimits{1500, 5000, 31000}},
}

const secondToPS = 1_000_000_000_000

// Info is the discovered host configuration.
type Info struct {
	CPUPart        uint64
	FrequencyHz    uint64
	PageSize       int
	NumCPU         int
	LatencyLimits  LatencyLimits
	PerfEventType  uint64
	CycToPSFactor  uint64
}

// Discover probes the host for everything the profiler needs to size
// buffers, configure the hardware event, and bin latencies.
func Discover() (Info, error) {
	var info Info

	part, err := cpuPart()
	if err != nil {
		return Info{}, err
	}
	info.CPUPart = part
	info.FrequencyHz = frequencyForPart(part)
	info.LatencyLimits = latencyLimitsForPart(part)
	info.PageSize = os.Getpagesize()
	info.NumCPU = numCPU()

	typ, err := perfEventType()
	if err != nil {
		return Info{}, err
	}
	info.PerfEventType = typ
	info.CycToPSFactor = secondToPS / info.FrequencyHz

	return info, nil
}

func cpuPart() (uint64, error) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		const prefix = "CPU part"
		idx := strings.Index(line, prefix)
		if idx != 0 {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		val := strings.TrimSpace(line[colon+1:])
		val = strings.TrimPrefix(val, "0x")
		part, err := strconv.ParseUint(val, 16, 64)
		if err == nil {
			return part, nil
		}
	}
	return 0, ErrCPUPartUnknown
}

func frequencyForPart(part uint64) uint64 {
	for _, row := range cpuParts {
		if row.part == part {
			return row.freq
		}
	}
	return cpuParts[len(cpuParts)-1].freq
}

func latencyLimitsForPart(part uint64) LatencyLimits {
	for _, row := range cpuParts {
		if row.part == part {
			return row.bins
		}
	}
	return cpuParts[len(cpuParts)-1].bins
}

func numCPU() int {
	return runtime.NumCPU()
}

func perfEventType() (uint64, error) {
	b, err := os.ReadFile("/sys/devices/arm_spe_0/type")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSPEUnsupported, err)
	}
	typ, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sysinfo: malformed arm_spe_0 type: %w", err)
	}
	return typ, nil
}

// nextPow2 rounds v up to the next power of two (v itself, if already one).
func nextPow2(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}

// BufferSizes computes the per-CPU record-ring size (including its
// one-page metadata header) and AUX-ring size for the given SPE sampling
// frequency and supervisor wakeup period, following the original
// implementation's sizing formulas: the record ring is sized for 16
// wakeup periods' worth of SWITCH_CPU_WIDE records, and the AUX ring for
// four times the expected number of SPE samples per wakeup period.
func BufferSizes(pageSize int, hotlineFrequency, wakeupPeriod uint64) (recordSize, auxSize uint64) {
	page := uint64(pageSize)
	recordSize = nextPow2(16*page*uint64(record.SwitchCPUWideRecordSize)*wakeupPeriod) + page
	auxSize = nextPow2(hotlineFrequency * wakeupPeriod * uint64(spe.RecordSize) * 4)
	return recordSize, auxSize
}

// FileInfo returns the device/inode identity of a mapped path, or the zero
// identity for anonymous and pseudo-mappings (leading '[' or "anon_inode:").
// finode_t's generation field has no stat(2) equivalent and is always 0 here.
func FileInfo(path string) (major, minor uint32, inode, generation uint64) {
	if strings.HasPrefix(path, "anon_inode:") || strings.HasPrefix(path, "[") || path == "" {
		return 0, 0, 0, 0
	}
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, 0, 0, 0
	}
	dev := uint64(st.Dev)
	return unix.Major(dev), unix.Minor(dev), uint64(st.Ino), 0
}
