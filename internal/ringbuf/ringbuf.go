// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ringbuf opens the per-CPU SPE hardware event and its software
// companion, maps their shared record ring and the hardware event's AUX
// ring, and exposes both as framed cursors. It owns the acquire/release
// discipline the kernel's producer/consumer protocol requires and the
// monotone SPE-cycle-to-perf-clock conversion read from the record ring's
// metadata page.
package ringbuf

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/aclements/hotline/internal/record"
	"github.com/aclements/hotline/internal/spe"
	"github.com/aclements/hotline/internal/sysinfo"
)

// hardwareConfig is the raw SPE event config: PERF_TYPE_RAW with the
// architecture's reserved SPE event code.
const hardwareConfig = 0x10001

// cursor is a producer-maintained circular byte buffer reader: head is
// written by the kernel, tail is owned by this cursor and published back
// to the kernel only on Commit.
type cursor struct {
	data     []byte
	mask     uint64
	headPtr  *uint64
	tailPtr  *uint64
	tail     uint64
	scratch  []byte
	overruns uint64
}

func newCursor(data []byte, headPtr, tailPtr *uint64) *cursor {
	return &cursor{
		data:    data,
		mask:    uint64(len(data)) - 1,
		headPtr: headPtr,
		tailPtr: tailPtr,
		tail:    atomic.LoadUint64(tailPtr),
	}
}

// available returns the number of unread bytes behind the cursor's tail,
// resynchronizing past an overrun first and counting it for Overruns.
func (c *cursor) available() uint64 {
	head := atomic.LoadUint64(c.headPtr)
	if head-c.tail > uint64(len(c.data)) {
		c.tail = head - uint64(len(c.data))
		c.overruns++
	}
	return head - c.tail
}

// read returns n bytes starting at the cursor's tail without advancing it,
// copying into a scratch buffer only when the read straddles the ring's
// wrap boundary.
func (c *cursor) read(n uint64) []byte {
	start := c.tail & c.mask
	if start+n <= uint64(len(c.data)) {
		return c.data[start : start+n]
	}
	if uint64(cap(c.scratch)) < n {
		c.scratch = make([]byte, n)
	}
	buf := c.scratch[:n]
	first := uint64(len(c.data)) - start
	copy(buf, c.data[start:])
	copy(buf[first:], c.data[:n-first])
	return buf
}

func (c *cursor) advance(n uint64) { c.tail += n }

// commit publishes the cursor's tail to the kernel with a release fence.
func (c *cursor) commit() { atomic.StoreUint64(c.tailPtr, c.tail) }

// RecordReader frames the merged record ring (MMAP2, EXIT,
// SWITCH_CPU_WIDE, AUX notifications, and anything else the kernel wrote).
type RecordReader struct {
	cur     *cursor
	pending uint64 // byte length of the last Peek'd-but-not-yet-Consume'd record
}

// Peek returns the next record's header and payload (everything after the
// 8-byte header, trailer included) without advancing the cursor past it.
// ok is false when fewer than one full record is currently available.
// Calling Peek again without an intervening Consume re-decodes the same
// record, since the two-clock synchronizer (internal/session) needs to
// look at a record's timestamp before deciding whether it is allowed to
// consume it yet.
func (r *RecordReader) Peek() (hdr record.Header, payload []byte, ok bool, err error) {
	avail := r.cur.available()
	if avail < record.HeaderSize {
		return record.Header{}, nil, false, nil
	}
	hdr, err = record.DecodeHeader(r.cur.read(record.HeaderSize))
	if err != nil {
		return record.Header{}, nil, false, err
	}
	if uint64(hdr.Size) < record.HeaderSize || avail < uint64(hdr.Size) {
		return record.Header{}, nil, false, nil
	}
	full := r.cur.read(uint64(hdr.Size))
	payload = full[record.HeaderSize:]
	r.pending = uint64(hdr.Size)
	return hdr, payload, true, nil
}

// Consume advances past the record last returned by Peek.
func (r *RecordReader) Consume() {
	r.cur.advance(r.pending)
	r.pending = 0
}

// Commit publishes the reader's progress to the kernel.
func (r *RecordReader) Commit() { r.cur.commit() }

// Overruns reports how many times the kernel has overwritten record-ring
// data this reader had not yet consumed.
func (r *RecordReader) Overruns() uint64 { return r.cur.overruns }

// auxLookahead is the minimum number of unread AUX bytes required before a
// packet is consumed, guarding against reading a sample the kernel wrote
// just ahead of a pending record-ring SWITCH that has not arrived yet.
const auxLookahead = 2 * spe.RecordSize

// AuxReader frames the fixed-size SPE packet stream.
type AuxReader struct {
	cur *cursor
}

// Next returns the next raw SPE packet, or ok=false if fewer than
// auxLookahead bytes remain unread.
func (a *AuxReader) Next() (buf []byte, ok bool) {
	if a.cur.available() < auxLookahead {
		return nil, false
	}
	buf = a.cur.read(spe.RecordSize)
	a.cur.advance(spe.RecordSize)
	return buf, true
}

// Commit publishes the reader's progress to the kernel.
func (a *AuxReader) Commit() { a.cur.commit() }

// Overruns reports how many times the kernel has overwritten AUX-ring data
// this reader had not yet consumed.
func (a *AuxReader) Overruns() uint64 { return a.cur.overruns }

// TscConversion holds the parameters the kernel's metadata page publishes
// for translating an SPE hardware cycle counter into perf-clock
// nanoseconds. CapShort and CapZero mirror the kernel's
// cap_user_time_short/cap_user_time_zero capability bits, but this
// implementation follows the original tool's observed behavior of
// hardcoding both true rather than reading them from the metadata page's
// capability bitfield (see DESIGN.md).
type TscConversion struct {
	Shift    uint16
	Mult     uint32
	Zero     uint64
	Cycles   uint64
	Mask     uint64
	CapShort bool
	CapZero  bool
}

// Convert maps an SPE cycle timestamp to a perf-clock nanosecond timestamp.
func (c TscConversion) Convert(tSPE uint64) uint64 {
	cyc := tSPE
	if c.CapShort {
		cyc = c.Cycles + ((cyc - c.Cycles) & c.Mask)
	}
	quot := (cyc >> c.Shift) * uint64(c.Mult)
	rem := ((cyc & ((uint64(1) << c.Shift) - 1)) * uint64(c.Mult)) >> c.Shift
	return c.Zero + quot + rem
}

// Session owns one CPU's hardware SPE event, software companion event,
// and the record/AUX ring mappings shared between them.
type Session struct {
	CPU int

	hwFD int
	swFD int

	recordMmap []byte
	auxMmap    []byte
	meta       *unix.PerfEventMmapPage

	Records *RecordReader
	Aux     *AuxReader
	Conv    TscConversion
}

// Open subscribes to the SPE hardware event and its software companion on
// the given CPU, maps the shared record ring and the AUX ring from the
// hardware event's file descriptor, and enables both events.
func Open(cpu int, info sysinfo.Info, hotlineFrequency, wakeupPeriod uint64) (*Session, error) {
	recordSize, auxSize := sysinfo.BufferSizes(info.PageSize, hotlineFrequency, wakeupPeriod)

	period := info.FrequencyHz / hotlineFrequency
	hwFD, err := openHardwareEvent(info.PerfEventType, cpu, period)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: hardware event: %w", err)
	}

	recordMmap, err := unix.Mmap(hwFD, 0, int(recordSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(hwFD)
		return nil, fmt.Errorf("ringbuf: mmap record ring: %w", err)
	}
	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&recordMmap[0]))

	auxOffset := recordSize + uint64(info.PageSize)
	meta.Aux_offset = auxOffset
	meta.Aux_size = auxSize
	auxMmap, err := unix.Mmap(hwFD, int64(auxOffset), int(auxSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(recordMmap)
		unix.Close(hwFD)
		return nil, fmt.Errorf("ringbuf: mmap aux ring: %w", err)
	}

	swFD, err := openSoftwareCompanion(cpu, period, hwFD)
	if err != nil {
		unix.Munmap(auxMmap)
		unix.Munmap(recordMmap)
		unix.Close(hwFD)
		return nil, fmt.Errorf("ringbuf: software companion event: %w", err)
	}

	s := &Session{
		CPU:        cpu,
		hwFD:       hwFD,
		swFD:       swFD,
		recordMmap: recordMmap,
		auxMmap:    auxMmap,
		meta:       meta,
		Conv: TscConversion{
			Shift:    meta.Time_shift,
			Mult:     meta.Time_mult,
			Zero:     meta.Time_zero,
			Cycles:   meta.Time_cycles,
			Mask:     meta.Time_mask,
			CapShort: true,
			CapZero:  true,
		},
	}

	dataRegion := recordMmap[meta.Data_offset : meta.Data_offset+meta.Data_size]
	s.Records = &RecordReader{cur: newCursor(dataRegion, &meta.Data_head, &meta.Data_tail)}
	s.Aux = &AuxReader{cur: newCursor(auxMmap, &meta.Aux_head, &meta.Aux_tail)}

	if err := s.enable(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func openHardwareEvent(perfType uint64, cpu int, period uint64) (int, error) {
	attr := unix.PerfEventAttr{
		Type:        uint32(perfType),
		Config:      hardwareConfig,
		Sample:      period,
		Sample_type: unix.PERF_SAMPLE_RAW,
		Bits: unix.PerfBitWatermark | unix.PerfBitMmap2 | unix.PerfBitMmap |
			unix.PerfBitMmapData | unix.PerfBitComm |
			unix.PerfBitContextSwitch | unix.PerfBitSampleIDAll,
		Wakeup: 1,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))
	fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func openSoftwareCompanion(cpu int, period uint64, outputFD int) (int, error) {
	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_SOFTWARE,
		Config: unix.PERF_COUNT_SW_DUMMY,
		Sample: period,
		Bits: unix.PerfBitWatermark | unix.PerfBitMmap2 | unix.PerfBitMmap |
			unix.PerfBitComm | unix.PerfBitContextSwitch | unix.PerfBitSampleIDAll,
		Wakeup: 1,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))
	fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	// Redirect the software event's output into the hardware event's
	// record ring: both streams land in one merged, time-ordered buffer.
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_OUTPUT, outputFD); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func (s *Session) enable() error {
	if err := unix.IoctlSetInt(s.hwFD, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("ringbuf: enable hardware event: %w", err)
	}
	if err := unix.IoctlSetInt(s.swFD, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("ringbuf: enable software event: %w", err)
	}
	return nil
}

// NewTestSession builds a Session around in-memory record and AUX buffers
// and explicit head/tail words, bypassing perf_event_open and mmap
// entirely. It exists so internal/session can exercise the two-clock
// synchronizer against literal byte sequences instead of a live kernel.
func NewTestSession(conv TscConversion, recordBuf []byte, recordHead, recordTail *uint64, auxBuf []byte, auxHead, auxTail *uint64) *Session {
	return &Session{
		Conv:    conv,
		Records: &RecordReader{cur: newCursor(recordBuf, recordHead, recordTail)},
		Aux:     &AuxReader{cur: newCursor(auxBuf, auxHead, auxTail)},
	}
}

// Close disables both events and unmaps the ring buffers.
func (s *Session) Close() error {
	unix.IoctlSetInt(s.swFD, unix.PERF_EVENT_IOC_DISABLE, 0)
	unix.IoctlSetInt(s.hwFD, unix.PERF_EVENT_IOC_DISABLE, 0)
	if s.auxMmap != nil {
		unix.Munmap(s.auxMmap)
	}
	if s.recordMmap != nil {
		unix.Munmap(s.recordMmap)
	}
	unix.Close(s.swFD)
	return unix.Close(s.hwFD)
}
