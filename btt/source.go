// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btt

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MemSource is an in-memory Source backed by a plain byte slice, used by
// unit tests in place of a real device node, wrapping a []byte the same
// way a fake diskio.File does.
type MemSource struct {
	Buf []byte
}

func (m *MemSource) Size() uint64 { return uint64(len(m.Buf)) }

func (m *MemSource) ReadAt(off uint64, size int) ([]byte, error) {
	if off+uint64(size) > uint64(len(m.Buf)) {
		return nil, fmt.Errorf("read [%#x,%#x) out of range of %#x-byte source", off, off+uint64(size), len(m.Buf))
	}
	out := make([]byte, size)
	copy(out, m.Buf[off:off+uint64(size)])
	return out, nil
}

func (m *MemSource) ReadInto(off uint64, buf []byte) error {
	if off+uint64(len(buf)) > uint64(len(m.Buf)) {
		return fmt.Errorf("read [%#x,%#x) out of range of %#x-byte source", off, off+uint64(len(buf)), len(m.Buf))
	}
	copy(buf, m.Buf[off:off+uint64(len(buf))])
	return nil
}

func (m *MemSource) WriteAt(off uint64, data []byte) error {
	if off+uint64(len(data)) > uint64(len(m.Buf)) {
		return fmt.Errorf("write [%#x,%#x) out of range of %#x-byte source", off, off+uint64(len(data)), len(m.Buf))
	}
	copy(m.Buf[off:], data)
	return nil
}

// mmapSource maps a raw namespace block device (or regular file, in
// tests that want to exercise the real mmap path) in full and serves the
// five logical per-arena windows (info/data/map/log/info2) as slices of
// that one mapping, rather than five separate mmap calls: data is never
// touched (kept only for interface symmetry with the data window), and
// info/map/log/info2 all live in the same address space so a single
// Msync range covers any write.
type mmapSource struct {
	file     *os.File
	data     []byte
	writable bool
}

// NewMmapSource mmaps file's full extent: the namespace's raw block
// device is opened exclusively, read-only unless writable is set (which
// the caller does only when repair was requested).
func NewMmapSource(file *os.File, writable bool) (*mmapSource, error) {
	st, err := file.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size == 0 {
		return nil, fmt.Errorf("mmap source: zero-length file")
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &mmapSource{file: file, data: data, writable: writable}, nil
}

func (m *mmapSource) Size() uint64 { return uint64(len(m.data)) }

func (m *mmapSource) ReadAt(off uint64, size int) ([]byte, error) {
	if off+uint64(size) > uint64(len(m.data)) {
		return nil, fmt.Errorf("read [%#x,%#x) out of range of %#x-byte mapping", off, off+uint64(size), len(m.data))
	}
	out := make([]byte, size)
	copy(out, m.data[off:off+uint64(size)])
	return out, nil
}

func (m *mmapSource) ReadInto(off uint64, buf []byte) error {
	if off+uint64(len(buf)) > uint64(len(m.data)) {
		return fmt.Errorf("read [%#x,%#x) out of range of %#x-byte mapping", off, off+uint64(len(buf)), len(m.data))
	}
	copy(buf, m.data[off:off+uint64(len(buf))])
	return nil
}

func (m *mmapSource) WriteAt(off uint64, buf []byte) error {
	if !m.writable {
		return fmt.Errorf("mmap source opened read-only")
	}
	if off+uint64(len(buf)) > uint64(len(m.data)) {
		return fmt.Errorf("write [%#x,%#x) out of range of %#x-byte mapping", off, off+uint64(len(buf)), len(m.data))
	}
	copy(m.data[off:off+uint64(len(buf))], buf)
	return m.msyncRange(off, len(buf))
}

const pageMask = 4095

func (m *mmapSource) msyncRange(off uint64, size int) error {
	start := off &^ pageMask
	end := (off + uint64(size) + pageMask) &^ pageMask
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}
	return unix.Msync(m.data[start:end], unix.MS_SYNC)
}

// Close unmaps the region. It does not close the underlying file.
func (m *mmapSource) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
