// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cfgio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmem/ndctl-go/ndctl/transport"
)

const (
	cmdGetConfigData uintptr = 1
	cmdSetConfigData uintptr = 2
)

// backedHandler simulates a dimm's config area with an in-memory slice,
// dispatching the two config commands the way the real driver would.
func backedHandler(backing []byte) func(devNode string, req uintptr, data []byte) error {
	return func(devNode string, req uintptr, data []byte) error {
		off := int(binary.LittleEndian.Uint32(data[0:4]))
		n := int(binary.LittleEndian.Uint32(data[4:8]))
		switch req {
		case cmdGetConfigData:
			copy(data[8:8+n], backing[off:off+n])
		case cmdSetConfigData:
			copy(backing[off:off+n], data[8:8+n])
		}
		return nil
	}
}

func TestXferReadWriteRoundTrip(t *testing.T) {
	backing := make([]byte, 1024)
	for i := range backing {
		backing[i] = byte(i)
	}
	fake := transport.NewFakeAttrIO()
	fake.Handler = backedHandler(backing)

	xfer := NewXfer(fake, "/dev/nmem0", 1024, 128, cmdGetConfigData, cmdSetConfigData)

	got, err := xfer.Read()
	require.NoError(t, err)
	assert.Equal(t, backing, got)
	assert.Len(t, fake.IoctlCalls, 1024/128)

	got[10] = 0xAB
	require.NoError(t, xfer.Write(got))
	assert.Equal(t, byte(0xAB), backing[10])
}

func TestXferWriteRejectsWrongSize(t *testing.T) {
	fake := transport.NewFakeAttrIO()
	xfer := NewXfer(fake, "/dev/nmem0", 1024, 128, cmdGetConfigData, cmdSetConfigData)
	err := xfer.Write(make([]byte, 10))
	assert.Error(t, err)
}
