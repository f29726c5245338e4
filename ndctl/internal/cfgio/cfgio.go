// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cfgio copies a dimm's label config area in and out through
// its driver's firmware-chunked transfer-iterator commands (C2): the
// driver never exposes the config area as one flat read/write, only as
// a sequence of (offset, length) windows bounded by its payload_max.
package cfgio

import (
	"encoding/binary"
	"fmt"

	"github.com/pmem/ndctl-go/ndctl/transport"
	"github.com/pmem/ndctl-go/ndctlerr"
)

// cmdHeaderSize is the fixed (in_offset, in_length) header ndctl's real
// ND_CMD_{GET,SET}_CONFIG_DATA payload carries ahead of the data itself.
const cmdHeaderSize = 8

// Xfer chunks a dimm's label config area into firmware payload_max
// sized windows, mirroring the driver's own transfer-iterator command
// pair; callers size PayloadMax from Dimm.PayloadMax.
type Xfer struct {
	DevNode    string
	ConfigSize int
	PayloadMax int
	ReadIoctl  uintptr
	WriteIoctl uintptr
	attr       transport.AttrIO
}

// NewXfer builds a transfer iterator over dev for a config area of the
// given total size, chunked to payloadMax bytes per ioctl.
func NewXfer(attr transport.AttrIO, devNode string, configSize, payloadMax int, readIoctl, writeIoctl uintptr) *Xfer {
	if payloadMax <= 0 {
		payloadMax = configSize
	}
	return &Xfer{
		DevNode:    devNode,
		ConfigSize: configSize,
		PayloadMax: payloadMax,
		ReadIoctl:  readIoctl,
		WriteIoctl: writeIoctl,
		attr:       attr,
	}
}

// Read copies the whole config area in, one payloadMax-sized chunk at a
// time. Each ioctl's buffer is (in_offset, in_length, out_buf...); the
// kernel driver fills out_buf in place.
func (x *Xfer) Read() ([]byte, error) {
	out := make([]byte, x.ConfigSize)
	for off := 0; off < x.ConfigSize; off += x.PayloadMax {
		n := x.PayloadMax
		if off+n > x.ConfigSize {
			n = x.ConfigSize - off
		}
		cmd := make([]byte, cmdHeaderSize+n)
		binary.LittleEndian.PutUint32(cmd[0:4], uint32(off))
		binary.LittleEndian.PutUint32(cmd[4:8], uint32(n))
		if err := x.attr.Ioctl(x.DevNode, x.ReadIoctl, cmd); err != nil {
			return nil, ndctlerr.New(ndctlerr.KindMedia, x.DevNode, fmt.Errorf("config read at offset %d (len %d): %w", off, n, err))
		}
		copy(out[off:off+n], cmd[cmdHeaderSize:])
	}
	return out, nil
}

// Write copies buf (which must be exactly ConfigSize bytes) out to the
// dimm in the same chunking scheme as Read. A config_write is only ever
// issued immediately after a completed config_read of the same region:
// callers must always start from a buffer obtained via Read, never one
// constructed from scratch, so a concurrent writer's unrelated bytes
// are never clobbered.
func (x *Xfer) Write(buf []byte) error {
	if len(buf) != x.ConfigSize {
		return ndctlerr.New(ndctlerr.KindInvalidArgument, x.DevNode,
			fmt.Errorf("config write buffer is %d bytes, want %d", len(buf), x.ConfigSize))
	}
	for off := 0; off < x.ConfigSize; off += x.PayloadMax {
		n := x.PayloadMax
		if off+n > x.ConfigSize {
			n = x.ConfigSize - off
		}
		cmd := make([]byte, cmdHeaderSize+n)
		binary.LittleEndian.PutUint32(cmd[0:4], uint32(off))
		binary.LittleEndian.PutUint32(cmd[4:8], uint32(n))
		copy(cmd[cmdHeaderSize:], buf[off:off+n])
		if err := x.attr.Ioctl(x.DevNode, x.WriteIoctl, cmd); err != nil {
			return ndctlerr.New(ndctlerr.KindMedia, x.DevNode, fmt.Errorf("config write at offset %d (len %d): %w", off, n, err))
		}
	}
	return nil
}
