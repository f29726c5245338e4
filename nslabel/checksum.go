// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package nslabel

import (
	"github.com/pmem/ndctl-go/lib/checksum"
)

// verifyIndexChecksum reports whether blk (a full index block, header plus
// free-bitmap) carries a valid fletcher64 checksum in its Checksum field,
// the checksum field is temporarily zeroed for the
// computation and restored, matching lib/checksum.VerifyZeroed's contract.
func verifyIndexChecksum(blk []byte) bool {
	if len(blk) < IndexHeaderSize {
		return false
	}
	return checksum.VerifyZeroed(blk, checksumOffset)
}

// storeIndexChecksum writes the freshly computed checksum into blk's
// Checksum field.
func storeIndexChecksum(blk []byte) {
	checksum.StoreZeroed(blk, checksumOffset)
}
