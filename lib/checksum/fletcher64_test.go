// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFletcher64Zero(t *testing.T) {
	data := make([]byte, 16)
	assert.Equal(t, uint64(0), Fletcher64(data))
}

func TestComputeZeroedRoundTrip(t *testing.T) {
	block := make([]byte, 64)
	for i := range block {
		block[i] = byte(i * 7)
	}
	// Poison the checksum field so VerifyZeroed has to actually zero it
	// out rather than accidentally passing by reading garbage back.
	for i := 32; i < 40; i++ {
		block[i] = 0xff
	}
	StoreZeroed(block, 32)
	require.True(t, VerifyZeroed(block, 32))

	// Corrupting any other byte must flip the verification.
	block[0] ^= 0xff
	require.False(t, VerifyZeroed(block, 32))
}
