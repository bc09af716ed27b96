// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package record demultiplexes the merged software-event record stream:
// MMAP2, EXIT, and SWITCH_CPU_WIDE carry the state transitions the PID/VMA
// directory and session state machine need; AUX is a notification consumed
// directly by the ring-buffer reader; everything else is either ignored or,
// for a short list of opcodes the profiler never expects to subscribe to,
// treated as a sign of misconfiguration.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind identifies which fields of a Decoded record are meaningful.
type Kind int

const (
	KindIgnored Kind = iota
	KindMmap2
	KindExit
	KindSwitchCPUWide
	KindAux
)

// Perf record type tags, from linux/perf_event.h's perf_event_type enum.
const (
	typeMmap          = 1
	typeLost          = 2
	typeComm          = 3
	typeExit          = 4
	typeThrottle      = 5
	typeUnthrottle    = 6
	typeFork          = 7
	typeRead          = 8
	typeSample        = 9
	typeMmap2         = 10
	typeAux           = 11
	typeItraceStart   = 12
	typeLostSamples   = 13
	typeSwitch        = 14
	typeSwitchCPUWide = 15
	typeNamespaces    = 16
	typeKsymbol       = 17
	typeBPFEvent      = 18
	typeCgroup        = 19
	typeTextPoke      = 20
)

// miscSwitchOut is PERF_RECORD_MISC_SWITCH_OUT: set on a SWITCH_CPU_WIDE
// record when the CPU is switching a task out (as opposed to in).
const miscSwitchOut = 1 << 13

// sampleIDSize is the byte length of the sample_id trailer appended to
// every non-SAMPLE record when the event was opened with sample_id_all=1:
// {pid, tid u32; time u64; cpu, res u32; id u64}.
const sampleIDSize = 32

// SwitchCPUWideRecordSize is the on-wire byte length of one
// SWITCH_CPU_WIDE record (header + next_prev_pid/tid + sample_id
// trailer), used to size the record ring.
const SwitchCPUWideRecordSize = HeaderSize + 4 + 4 + sampleIDSize

// ErrReservedType is returned for perf record types the profiler never
// expects to see subscribed, because seeing one indicates the hardware or
// software event was configured with flags this profiler does not use.
var ErrReservedType = errors.New("record: reserved record type observed")

// ErrShortRecord is returned when a record's declared size is smaller than
// its fixed-layout fields require.
var ErrShortRecord = errors.New("record: payload shorter than its fixed fields")

// Header is the 8-byte perf_event_header common to every record.
type Header struct {
	Type uint32
	Misc uint16
	Size uint16
}

// HeaderSize is the encoded byte length of a Header.
const HeaderSize = 8

// DecodeHeader decodes the 8-byte record header from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortRecord
	}
	return Header{
		Type: binary.LittleEndian.Uint32(buf[0:4]),
		Misc: binary.LittleEndian.Uint16(buf[4:6]),
		Size: binary.LittleEndian.Uint16(buf[6:8]),
	}, nil
}

// Decoded is the demultiplexed result of one record. Only the fields
// relevant to Kind are populated; Decoded is reused across calls to Decode
// by callers that want to avoid a per-record allocation.
type Decoded struct {
	Kind Kind
	Time uint64 // perf-clock nanoseconds from the sample_id trailer, 0 if absent

	// KindMmap2
	PID           int32
	Addr, Len     uint64
	PgOff         uint64
	Major, Minor  uint32
	Ino           uint64
	InoGeneration uint64
	Filename      string

	// KindExit
	ExitPID int32

	// KindSwitchCPUWide
	SwitchOut   bool
	NextPrevPID int32
}

// Decode demultiplexes one record's payload (everything after the 8-byte
// header) into out. sampleIDAll must match how the hardware and software
// events were configured: with sample_id_all=1 (required, see
// internal/ringbuf), every non-SAMPLE record carries the 32-byte trailer
// this function strips to recover Time.
func Decode(hdr Header, payload []byte, sampleIDAll bool, out *Decoded) error {
	*out = Decoded{}

	var trailer []byte
	body := payload
	if sampleIDAll && hdr.Type != typeSample {
		if len(payload) < sampleIDSize {
			return fmt.Errorf("%w: trailer", ErrShortRecord)
		}
		trailer = payload[len(payload)-sampleIDSize:]
		body = payload[:len(payload)-sampleIDSize]
		out.Time = binary.LittleEndian.Uint64(trailer[8:16])
	}

	switch hdr.Type {
	case typeMmap2:
		return decodeMmap2(body, out)
	case typeExit:
		return decodeExit(body, out)
	case typeSwitchCPUWide:
		return decodeSwitchCPUWide(hdr, body, out)
	case typeAux:
		out.Kind = KindAux
		return nil
	case typeNamespaces, typeKsymbol, typeBPFEvent, typeCgroup, typeTextPoke:
		return fmt.Errorf("%w: type %d", ErrReservedType, hdr.Type)
	default:
		out.Kind = KindIgnored
		return nil
	}
}

func decodeMmap2(body []byte, out *Decoded) error {
	// pid, tid u32; addr, len, pgoff u64; major, minor u32; ino,
	// ino_generation u64; prot, flags u32; filename (NUL-terminated).
	const fixedLen = 4 + 4 + 8 + 8 + 8 + 4 + 4 + 8 + 8 + 4 + 4
	if len(body) < fixedLen {
		return fmt.Errorf("%w: mmap2", ErrShortRecord)
	}
	out.Kind = KindMmap2
	out.PID = int32(binary.LittleEndian.Uint32(body[0:4]))
	out.Addr = binary.LittleEndian.Uint64(body[8:16])
	out.Len = binary.LittleEndian.Uint64(body[16:24])
	out.PgOff = binary.LittleEndian.Uint64(body[24:32])
	out.Major = binary.LittleEndian.Uint32(body[32:36])
	out.Minor = binary.LittleEndian.Uint32(body[36:40])
	out.Ino = binary.LittleEndian.Uint64(body[40:48])
	out.InoGeneration = binary.LittleEndian.Uint64(body[48:56])
	out.Filename = cstring(body[fixedLen:])
	return nil
}

func decodeExit(body []byte, out *Decoded) error {
	// pid, ppid, tid, ptid u32; time u64.
	const fixedLen = 4 + 4 + 4 + 4 + 8
	if len(body) < fixedLen {
		return fmt.Errorf("%w: exit", ErrShortRecord)
	}
	out.Kind = KindExit
	out.ExitPID = int32(binary.LittleEndian.Uint32(body[0:4]))
	return nil
}

func decodeSwitchCPUWide(hdr Header, body []byte, out *Decoded) error {
	// next_prev_pid, next_prev_tid u32.
	const fixedLen = 4 + 4
	if len(body) < fixedLen {
		return fmt.Errorf("%w: switch_cpu_wide", ErrShortRecord)
	}
	out.Kind = KindSwitchCPUWide
	out.NextPrevPID = int32(binary.LittleEndian.Uint32(body[0:4]))
	out.SwitchOut = hdr.Misc&miscSwitchOut != 0
	return nil
}

func cstring(buf []byte) string {
	for i, c := range buf {
		if c == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
