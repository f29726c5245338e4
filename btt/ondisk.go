// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btt implements the BTT (Block Translation Table) metadata
// engine: arena discovery over a namespace's raw
// capacity, info-block recovery, map/log parsing and cross-checking, and
// minimal targeted repair.
//
// The on-disk InfoBlock mirrors the real Linux nvdimm BTT superblock
// layout: a plain struct with bin:"off=...,siz=..." tags and a trailing
// binstruct.End, decoded with lib/binstruct.Unmarshal.
package btt

import (
	"github.com/pmem/ndctl-go/lib/binstruct"
)

// Signature is the fixed 16-byte magic at the start of every BTT info
// block.
var Signature = [16]byte{'B', 'T', 'T', '_', 'A', 'R', 'E', 'N', 'A', '_', 'I', 'N', 'F', 'O', 0, 0}

// InfoBlockSize is the fixed size of every primary/backup info block.
const InfoBlockSize = 4096

const checksumOffset = 0xff8

// FlagError is the one terminal bit in InfoBlock.Flags: once set, the
// arena is considered permanently failed and the engine will not attempt
// further repair on it.
const FlagError = 1 << 0

// InfoBlock is the fixed 4096-byte BTT arena info block (primary or
// backup/"info2").
type InfoBlock struct {
	Signature       [16]byte   `bin:"off=0x0,siz=0x10"`
	UUID            [16]byte   `bin:"off=0x10,siz=0x10"`
	ParentUUID      [16]byte   `bin:"off=0x20,siz=0x10"`
	Flags           uint32     `bin:"off=0x30,siz=0x4"`
	VersionMajor    uint16     `bin:"off=0x34,siz=0x2"`
	VersionMinor    uint16     `bin:"off=0x36,siz=0x2"`
	ExternalLBASize uint32     `bin:"off=0x38,siz=0x4"`
	ExternalNlba    uint32     `bin:"off=0x3c,siz=0x4"`
	InternalLBASize uint32     `bin:"off=0x40,siz=0x4"`
	InternalNlba    uint32     `bin:"off=0x44,siz=0x4"`
	Nfree           uint32     `bin:"off=0x48,siz=0x4"`
	Infosize        uint32     `bin:"off=0x4c,siz=0x4"`
	Nextoff         uint64     `bin:"off=0x50,siz=0x8"`
	Dataoff         uint64     `bin:"off=0x58,siz=0x8"`
	Mapoff          uint64     `bin:"off=0x60,siz=0x8"`
	Logoff          uint64     `bin:"off=0x68,siz=0x8"`
	Info2off        uint64     `bin:"off=0x70,siz=0x8"`
	Padding         [3968]byte `bin:"off=0x78,siz=0xf80"`
	Checksum        uint64     `bin:"off=0xff8,siz=0x8"`
	binstruct.End   `bin:"off=0x1000"`
}

// MapEntry is the 32-bit little-endian on-media map slot encoding: the
// top two bits set marks "normal" (post-map LBA in the low 30 bits);
// otherwise the entry is in its untouched "raw" initial state, and the
// post-map LBA equals the pre-map LBA.
type MapEntry uint32

const (
	mapEntNormal = 0xC0000000
	mapLBAMask   = 0x3FFFFFFF
)

// Lookup returns the internal (post-map) LBA this entry resolves preLBA
// to.
func (e MapEntry) Lookup(preLBA uint32) uint32 {
	if uint32(e)&mapEntNormal == mapEntNormal {
		return uint32(e) & mapLBAMask
	}
	return preLBA
}

// IsNormal reports whether the entry carries an explicit post-map LBA
// (both top bits set) rather than being in its untouched initial state.
func (e MapEntry) IsNormal() bool {
	return uint32(e)&mapEntNormal == mapEntNormal
}

// NormalEntry encodes lba as a "normal" map entry.
func NormalEntry(lba uint32) MapEntry {
	return MapEntry(lba&mapLBAMask | mapEntNormal)
}

// LogEntry is one 16-byte BTT log record: an external lba
// plus the old and new internal mappings for it, and a 2-bit sequence
// number (0 means unused).
type LogEntry struct {
	LBA           uint32 `bin:"off=0x0,siz=0x4"`
	OldMap        uint32 `bin:"off=0x4,siz=0x4"`
	NewMap        uint32 `bin:"off=0x8,siz=0x4"`
	Seq           uint32 `bin:"off=0xc,siz=0x4"`
	binstruct.End `bin:"off=0x10"`
}

// LogEntrySize is the fixed size of one LogEntry.
const LogEntrySize = 0x10

// logNextSeq is the same 1->3->2->1 cycle used by the namespace label
// index, reused here for the log entry's own sequence number.
var logNextSeq = [4]uint32{0: 0, 1: 3, 3: 2, 2: 1}

// IncSeq advances a log sequence number one step around the cycle.
func IncSeq(seq uint32) uint32 {
	if seq > 3 {
		return 1
	}
	return logNextSeq[seq]
}
