// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spe decodes the fixed-layout packets the Arm Statistical
// Profiling Extension writes to its auxiliary ring buffer.
package spe

import (
	"encoding/binary"
	"errors"
)

// Packet type tags (spe_record_raw_t.type in the kernel's SPE record
// format): latency-bearing records vs. branch records.
const (
	TypeLatency uint8 = 0x49
	TypeBranch  uint8 = 0x4a
)

// Event flag bits in a packet's events field.
const (
	EventRetired         uint32 = 1 << 1
	EventBranchNotTaken  uint32 = 1 << 6
	EventBranchMiss      uint32 = 1 << 7
)

// Saturated is the sentinel value of IssueLat marking a sample whose
// latency fields are invalid because the hardware counter saturated.
const Saturated = 0xfff

// Data-source tiers, as reported by the hardware in the low 4 bits of the
// packet's data-source byte.
const (
	DataSourceL1           uint8 = 0b0000
	DataSourceL2           uint8 = 0b1000
	DataSourcePeerCore     uint8 = 0b1001
	DataSourceLocalCluster uint8 = 0b1010
	DataSourceSystemCache  uint8 = 0b1011
	DataSourcePeerCluster  uint8 = 0b1100
	DataSourceRemote       uint8 = 0b1101
	DataSourceDRAM         uint8 = 0b1110
)

// RecordSize is the fixed byte length of one SPE packet.
const RecordSize = 64

// ErrShortPacket is returned when fewer than RecordSize bytes are available.
var ErrShortPacket = errors.New("spe: packet shorter than the fixed record size")

// Packet is one decoded SPE auxiliary-stream sample.
type Packet struct {
	PC         uint64
	Type       uint8
	Events     uint32
	IssueLat   uint16
	TotalLat   uint16
	XlatLat    uint16 // address-translation latency
	DataSource uint8
	Timestamp  uint64
}

// Saturated reports whether the packet's latency fields are invalid
// because the issue-latency counter hit its maximum representable value.
func (p *Packet) Saturated() bool {
	return p.IssueLat == Saturated
}

// BranchMissed reports whether the EventBranchMiss flag is set.
func (p *Packet) BranchMissed() bool {
	return p.Events&EventBranchMiss != 0
}

// Decode parses one fixed-size SPE packet from buf. The field offsets
// mirror the kernel's packed spe_record_raw_t layout exactly: a 7-byte
// little-endian PC at offset 1, the type tag at offset 19, a 32-bit event
// bitfield at offset 22, 16-bit issue/total latencies at offsets 27 and
// 30, the 16-bit translation latency at offset 42, the data-source byte at
// offset 54, and the 64-bit cycle timestamp in the last 8 bytes.
func Decode(buf []byte, out *Packet) error {
	if len(buf) < RecordSize {
		return ErrShortPacket
	}

	var pc uint64
	for i := 6; i >= 0; i-- {
		pc = pc<<8 | uint64(buf[1+i])
	}
	out.PC = pc
	out.Type = buf[19]
	out.Events = binary.LittleEndian.Uint32(buf[22:26])
	out.IssueLat = binary.LittleEndian.Uint16(buf[27:29])
	out.TotalLat = binary.LittleEndian.Uint16(buf[30:32])
	out.XlatLat = binary.LittleEndian.Uint16(buf[42:44])
	out.DataSource = buf[54]
	out.Timestamp = binary.LittleEndian.Uint64(buf[56:64])
	return nil
}

// Tier classifies a data-source byte into one of the four completion
// tiers the latency aggregation store bins by.
type Tier int

const (
	TierL1 Tier = iota
	TierL2
	TierL3
	TierDRAM
)

// ClassifyTier maps a raw data-source value to its completion tier.
func ClassifyTier(dataSource uint8) Tier {
	switch dataSource & 0x0f {
	case DataSourceL1:
		return TierL1
	case DataSourceL2:
		return TierL2
	case DataSourceLocalCluster, DataSourcePeerCluster, DataSourceSystemCache:
		return TierL3
	default:
		return TierDRAM
	}
}
