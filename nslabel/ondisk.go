// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package nslabel implements the dimm label store: the versioned,
// dual-index, slot-based allocator of namespace records kept in a dimm's
// small config area.
//
// The on-media structs below are plain Go integer/array fields tagged
// with bin:"off=...,siz=..." and a trailing binstruct.End field asserting
// the struct's total size, unmarshaled with lib/binstruct.Unmarshal
// instead of hand-rolled encoding/binary calls.
package nslabel

import (
	"github.com/pmem/ndctl-go/lib/binstruct"
)

// Signature is the fixed 16-byte magic at the start of every namespace
// index block.
var Signature = [16]byte{'N', 'A', 'M', 'E', 'S', 'P', 'A', 'C', 'E', '_', 'I', 'N', 'D', 'E', 'X', 0}

// IndexHeader is the fixed-size portion of a namespace index block; the
// free-bitmap that follows it is variable length (one bit per slot) and
// is handled separately in store.go rather than forced into a binstruct
// tag.
type IndexHeader struct {
	Signature     [16]byte `bin:"off=0x0,siz=0x10"`
	Flags         [3]byte  `bin:"off=0x10,siz=0x3"`
	LabelSizeCode uint8    `bin:"off=0x13,siz=0x1"`
	Seq           uint32   `bin:"off=0x14,siz=0x4"`
	MyOff         uint64   `bin:"off=0x18,siz=0x8"`
	MySize        uint64   `bin:"off=0x20,siz=0x8"`
	OtherOff      uint64   `bin:"off=0x28,siz=0x8"`
	LabelOff      uint64   `bin:"off=0x30,siz=0x8"`
	NSlot         uint32   `bin:"off=0x38,siz=0x4"`
	Major         uint16   `bin:"off=0x3c,siz=0x2"`
	Minor         uint16   `bin:"off=0x3e,siz=0x2"`
	Checksum      uint64   `bin:"off=0x40,siz=0x8"`
	binstruct.End `bin:"off=0x48"`
}

// IndexHeaderSize is the fixed size of IndexHeader, before the free-bitmap.
const IndexHeaderSize = 0x48

// checksumOffset is IndexHeader.Checksum's byte offset, needed by the
// fletcher64-with-zeroed-field routine in checksum.go.
const checksumOffset = 0x40

// LabelSize returns the on-media label size this header's LabelSizeCode
// encodes: 128 bytes when the code is 0 (label spec v1.1), or
// 1<<(7+code) otherwise (v1.2 and beyond).
func (h *IndexHeader) LabelSize() int {
	if h.LabelSizeCode == 0 {
		return 128
	}
	return 1 << (7 + h.LabelSizeCode)
}

// LabelV1_1 is the 128-byte namespace label (label spec v1.1).
type LabelV1_1 struct {
	UUID          [16]byte `bin:"off=0x0,siz=0x10"`
	Name          [64]byte `bin:"off=0x10,siz=0x40"`
	Flags         uint32   `bin:"off=0x50,siz=0x4"`
	NLabel        uint16   `bin:"off=0x54,siz=0x2"`
	Position      uint16   `bin:"off=0x56,siz=0x2"`
	ISetCookie    uint64   `bin:"off=0x58,siz=0x8"`
	LBASize       uint64   `bin:"off=0x60,siz=0x8"`
	DPA           uint64   `bin:"off=0x68,siz=0x8"`
	RawSize       uint64   `bin:"off=0x70,siz=0x8"`
	Slot          uint32   `bin:"off=0x78,siz=0x4"`
	Reserved      [4]byte  `bin:"off=0x7c,siz=0x4"`
	binstruct.End `bin:"off=0x80"`
}

const LabelV1_1Size = 0x80

// LabelV1_2 is the 256-byte namespace label (label spec v1.2): the v1.1
// layout plus a type guid and an abstraction guid, padded to 256 bytes.
type LabelV1_2 struct {
	UUID            [16]byte `bin:"off=0x0,siz=0x10"`
	Name            [64]byte `bin:"off=0x10,siz=0x40"`
	Flags           uint32   `bin:"off=0x50,siz=0x4"`
	NLabel          uint16   `bin:"off=0x54,siz=0x2"`
	Position        uint16   `bin:"off=0x56,siz=0x2"`
	ISetCookie      uint64   `bin:"off=0x58,siz=0x8"`
	LBASize         uint64   `bin:"off=0x60,siz=0x8"`
	DPA             uint64   `bin:"off=0x68,siz=0x8"`
	RawSize         uint64   `bin:"off=0x70,siz=0x8"`
	Slot            uint32   `bin:"off=0x78,siz=0x4"`
	Reserved        [4]byte  `bin:"off=0x7c,siz=0x4"`
	TypeGUID        [16]byte `bin:"off=0x80,siz=0x10"`
	AbstractionGUID [16]byte `bin:"off=0x90,siz=0x10"`
	Reserved2       [96]byte `bin:"off=0xa0,siz=0x60"`
	binstruct.End   `bin:"off=0x100"`
}

const LabelV1_2Size = 0x100
