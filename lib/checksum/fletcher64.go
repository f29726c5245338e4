// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package checksum implements the on-media checksum algorithm shared by
// the namespace label index block and the BTT info block: fletcher64
// computed with the block's own checksum field temporarily zeroed.
// Checksums are plain uint64 values.
package checksum

import "encoding/binary"

// Fletcher64 computes the fletcher64 checksum over data, which must have
// a length that is a multiple of 4. It is the running sum of two 32-bit
// accumulators over little-endian 32-bit words, combined into one 64-bit
// value as (sum2<<32 | sum1).
func Fletcher64(data []byte) uint64 {
	var lo, hi uint32
	for off := 0; off+4 <= len(data); off += 4 {
		lo += binary.LittleEndian.Uint32(data[off : off+4])
		hi += lo
	}
	return uint64(hi)<<32 | uint64(lo)
}

// VerifyZeroed recomputes the fletcher64 checksum of block with the
// 8 bytes at checksumOffset temporarily replaced by zero, and reports
// whether it equals the value already stored there (read as a
// little-endian uint64). The block is unchanged on return: the checksum
// field is zeroed in place for the computation and then restored, so it
// reads as zero only while this call runs.
func VerifyZeroed(block []byte, checksumOffset int) bool {
	want := binary.LittleEndian.Uint64(block[checksumOffset : checksumOffset+8])
	return ComputeZeroed(block, checksumOffset) == want
}

// ComputeZeroed computes Fletcher64(block) with the 8 bytes at
// checksumOffset treated as zero, without mutating the caller's slice
// for longer than the scope of this call.
func ComputeZeroed(block []byte, checksumOffset int) uint64 {
	var saved [8]byte
	copy(saved[:], block[checksumOffset:checksumOffset+8])
	for i := 0; i < 8; i++ {
		block[checksumOffset+i] = 0
	}
	sum := Fletcher64(block)
	copy(block[checksumOffset:checksumOffset+8], saved[:])
	return sum
}

// StoreZeroed computes ComputeZeroed and writes the result into the
// checksum field, little-endian.
func StoreZeroed(block []byte, checksumOffset int) {
	sum := ComputeZeroed(block, checksumOffset)
	binary.LittleEndian.PutUint64(block[checksumOffset:checksumOffset+8], sum)
}
