// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package record

import (
	"encoding/binary"
	"errors"
	"testing"
)

func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func putU64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

func buildSampleIDTrailer(pid, tid uint32, ts uint64) []byte {
	b := make([]byte, sampleIDSize)
	putU32(b, 0, pid)
	putU32(b, 4, tid)
	putU64(b, 8, ts)
	return b
}

func TestDecodeMmap2(t *testing.T) {
	body := make([]byte, 64)
	putU32(body, 0, 100) // pid
	putU32(body, 4, 100) // tid
	putU64(body, 8, 0x400000)
	putU64(body, 16, 0x1000)
	putU64(body, 24, 0)
	putU32(body, 32, 8) // major
	putU32(body, 36, 1) // minor
	putU64(body, 40, 42)
	putU64(body, 48, 0) // ino_generation
	putU32(body, 56, 0) // prot
	putU32(body, 60, 0) // flags
	body = append(body, []byte("/bin/prog\x00")...)
	body = append(body, buildSampleIDTrailer(100, 100, 12345)...)

	var out Decoded
	if err := Decode(Header{Type: typeMmap2}, body, true, &out); err != nil {
		t.Fatal(err)
	}
	if out.Kind != KindMmap2 || out.PID != 100 || out.Addr != 0x400000 || out.Len != 0x1000 {
		t.Fatalf("out = %+v", out)
	}
	if out.Major != 8 || out.Minor != 1 || out.Ino != 42 {
		t.Fatalf("identity = %+v", out)
	}
	if out.Filename != "/bin/prog" {
		t.Fatalf("Filename = %q", out.Filename)
	}
	if out.Time != 12345 {
		t.Fatalf("Time = %d; want 12345", out.Time)
	}
}

func TestDecodeExit(t *testing.T) {
	body := make([]byte, 24) // pid, ppid, tid, ptid u32
	putU32(body, 0, 100)
	body = append(body, buildSampleIDTrailer(100, 100, 999)...)

	var out Decoded
	if err := Decode(Header{Type: typeExit}, body, true, &out); err != nil {
		t.Fatal(err)
	}
	if out.Kind != KindExit || out.ExitPID != 100 || out.Time != 999 {
		t.Fatalf("out = %+v", out)
	}
}

func TestDecodeSwitchCPUWideDirection(t *testing.T) {
	body := make([]byte, 8)
	putU32(body, 0, 200)
	body = append(body, buildSampleIDTrailer(0, 0, 1000)...)

	var out Decoded
	if err := Decode(Header{Type: typeSwitchCPUWide, Misc: miscSwitchOut}, body, true, &out); err != nil {
		t.Fatal(err)
	}
	if !out.SwitchOut || out.NextPrevPID != 200 {
		t.Fatalf("out = %+v", out)
	}

	if err := Decode(Header{Type: typeSwitchCPUWide}, body, true, &out); err != nil {
		t.Fatal(err)
	}
	if out.SwitchOut {
		t.Fatalf("SwitchOut = true without misc flag set")
	}
}

func TestDecodeReservedTypeFails(t *testing.T) {
	body := buildSampleIDTrailer(0, 0, 0)
	var out Decoded
	err := Decode(Header{Type: typeKsymbol}, body, true, &out)
	if !errors.Is(err, ErrReservedType) {
		t.Fatalf("err = %v; want ErrReservedType", err)
	}
}

func TestDecodeIgnoredType(t *testing.T) {
	body := buildSampleIDTrailer(0, 0, 0)
	var out Decoded
	if err := Decode(Header{Type: typeComm}, body, true, &out); err != nil {
		t.Fatal(err)
	}
	if out.Kind != KindIgnored {
		t.Fatalf("Kind = %v; want KindIgnored", out.Kind)
	}
}
