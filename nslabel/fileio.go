// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package nslabel

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/pmem/ndctl-go/lib/diskio"
	"github.com/pmem/ndctl-go/lib/linux"
)

// FileConfigIO is a ConfigIO/DriverControl backed by a plain file
// standing in for a dimm's config-area device node, the same way
// btt.Run operates on a raw block device or a regular file
// interchangeably. It lets the offline label-dump/label-init CLI
// commands (and tests) operate on a config area captured to disk
// without a live dimm behind it, built on the diskio.File abstraction
// instead of calling os.File methods directly.
type FileConfigIO struct {
	name    string
	file    diskio.File[int64]
	maxXfer int
}

// OpenFileConfigIO opens path for read/write and wraps it as a
// ConfigIO/DriverControl of maxXfer-sized chunks.
//
// path may name a regular file holding a captured config area, or a
// block or character device node exposing one directly; anything else
// (a directory, FIFO, socket) is rejected up front rather than failing
// confusingly on the first read.
//
// The config area is served through a block-buffered diskio.File: a
// device node pays a real ioctl/syscall round trip per read, and
// AvailableSlots and friends each re-read the whole area from scratch,
// so caching the area's one block avoids re-issuing that read for
// every call against an area nothing else has touched in between.
func OpenFileConfigIO(path string, maxXfer int) (*FileConfigIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		mode := linux.StatMode(stat.Mode)
		if !(mode.IsRegular() || mode&linux.ModeFmt == linux.ModeFmtBlockDevice || mode&linux.ModeFmt == linux.ModeFmtCharDevice) {
			f.Close()
			return nil, fmt.Errorf("%s: not a regular file or device node (mode %s)", path, mode)
		}
	}
	osFile := &diskio.OSFile[int64]{File: f}
	var file diskio.File[int64] = osFile
	if size := osFile.Size(); size > 0 {
		file = diskio.NewBufferedFile[int64](osFile, size, 2)
	}
	return &FileConfigIO{name: path, file: file, maxXfer: maxXfer}, nil
}

func (f *FileConfigIO) Close() error { return f.file.Close() }

func (f *FileConfigIO) Name() string { return f.name }

// ConfigSize implements ConfigIO.
func (f *FileConfigIO) ConfigSize(ctx context.Context) (configSize, maxXfer int, err error) {
	return int(f.file.Size()), f.maxXfer, nil
}

// ReadConfig implements ConfigIO.
func (f *FileConfigIO) ReadConfig(ctx context.Context) ([]byte, error) {
	buf := make([]byte, f.file.Size())
	if _, err := f.file.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteConfig implements ConfigIO.
func (f *FileConfigIO) WriteConfig(ctx context.Context, data []byte) error {
	_, err := f.file.WriteAt(data, 0)
	return err
}

// Enabled implements DriverControl. A plain file has no live driver
// bound to it, so there is never a relabel-on-bounce to skip.
func (f *FileConfigIO) Enabled(ctx context.Context) bool { return false }

// Bounce implements DriverControl as a no-op: offline files have
// nothing to re-probe.
func (f *FileConfigIO) Bounce(ctx context.Context) error { return nil }

// AvailableSlots implements DriverControl by re-deriving the free-slot
// count from the area's own current index block, minus the one slot
// the driver always reserves as scratch space, so offline tooling
// observes the same "+1" accounting AvailableLabels documents for a
// live dimm.
func (f *FileConfigIO) AvailableSlots(ctx context.Context) (int, error) {
	area, err := ReadLabelArea(ctx, f)
	if err != nil {
		return 0, err
	}
	v, err := Validate(area)
	if err != nil {
		return 0, err
	}
	count := 0
	bm := v.CurrentBitmap()
	for s := 0; s < v.Nslot; s++ {
		if bitmapFree(bm, s) {
			count++
		}
	}
	if count > 0 {
		count--
	}
	return count, nil
}
