// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btt

import (
	"bytes"

	"github.com/pmem/ndctl-go/lib/binstruct"
	"github.com/pmem/ndctl-go/lib/checksum"
)

// ParseInfoBlock decodes a 4096-byte buffer into an InfoBlock without
// verifying it; use VerifyInfoBlock for that.
func ParseInfoBlock(buf []byte) (*InfoBlock, error) {
	var ib InfoBlock
	if _, err := binstruct.Unmarshal(buf, &ib); err != nil {
		return nil, err
	}
	return &ib, nil
}

// VerifyInfoBlock checks buf's signature, checksum, and (if parentUUID is
// non-nil) that the block's ParentUUID matches.
func VerifyInfoBlock(buf []byte, parentUUID *[16]byte) (*InfoBlock, bool) {
	if len(buf) < InfoBlockSize {
		return nil, false
	}
	ib, err := ParseInfoBlock(buf)
	if err != nil {
		return nil, false
	}
	if !bytes.Equal(ib.Signature[:], Signature[:]) {
		return nil, false
	}
	if !checksum.VerifyZeroed(buf, checksumOffset) {
		return nil, false
	}
	if parentUUID != nil && *parentUUID != zeroUUID && ib.ParentUUID != *parentUUID {
		return nil, false
	}
	return ib, true
}

var zeroUUID [16]byte

// EncodeInfoBlock marshals ib and stamps a fresh checksum into the
// result.
func EncodeInfoBlock(ib *InfoBlock) ([]byte, error) {
	buf, err := binstruct.Marshal(*ib)
	if err != nil {
		return nil, err
	}
	checksum.StoreZeroed(buf, checksumOffset)
	return buf, nil
}
