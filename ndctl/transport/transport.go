// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package transport is the bottom-most collaborator of the object
// graph (C1): reading and writing small sysfs text attributes by path,
// issuing device-node ioctls, and waiting for the kernel's background
// device-probe queue to drain. Nothing above this package touches
// sysfs or a device node directly.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"
)

// AttrIO is the seam between the object graph and the host's sysfs
// tree and device nodes, so tests can swap in an in-memory fake rather
// than requiring a real nvdimm-backed host.
type AttrIO interface {
	// ReadAttr reads and trims a sysfs attribute file, e.g.
	// "<dimm>/size". Missing attributes (kernel built without a
	// given feature) return os.ErrNotExist.
	ReadAttr(path string) (string, error)
	// WriteAttr writes value to a sysfs attribute file.
	WriteAttr(path string, value string) error
	// Ioctl issues a device-node ioctl whose argument is a pointer to
	// data (the kernel reads and/or overwrites data in place,
	// depending on req), returning the raw errno if any so callers
	// can translate it into an ndctlerr.Kind.
	Ioctl(devNode string, req uintptr, data []byte) error
	// WaitProbe blocks until the kernel's module/device probe queue
	// has drained, or ctx is done.
	WaitProbe(ctx context.Context) error
}

// SysfsAttrIO is the real implementation, backed by the host's /sys
// tree and device nodes under /dev.
type SysfsAttrIO struct {
	// ProbeAttr is the sysfs file whose read blocks (or, on older
	// kernels, whose content must be polled) until probing settles,
	// e.g. "/sys/bus/nd/wait_probe".
	ProbeAttr string
	// PollInterval paces the wait_probe poll loop on kernels where
	// the read does not itself block.
	PollInterval time.Duration
}

var _ AttrIO = (*SysfsAttrIO)(nil)

func (s *SysfsAttrIO) ReadAttr(path string) (string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf), "\n"), nil
}

func (s *SysfsAttrIO) WriteAttr(path string, value string) error {
	return os.WriteFile(path, []byte(value), 0)
}

func (s *SysfsAttrIO) Ioctl(devNode string, req uintptr, data []byte) error {
	f, err := os.OpenFile(devNode, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	var argPtr uintptr
	if len(data) > 0 {
		argPtr = uintptr(unsafe.Pointer(&data[0]))
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, argPtr)
	if errno != 0 {
		return errno
	}
	return nil
}

// WaitProbe polls ProbeAttr until it reads "0" (no outstanding probes),
// supervised by a dgroup worker the same way other long-lived
// background loops in this codebase are, so a caller cancelling ctx
// tears the poll down cleanly instead of leaking a goroutine.
func (s *SysfsAttrIO) WaitProbe(ctx context.Context) error {
	interval := s.PollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	grp.Go("wait-probe", func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				val, err := s.ReadAttr(s.ProbeAttr)
				if err != nil {
					return fmt.Errorf("wait_probe: %w", err)
				}
				n, err := strconv.Atoi(val)
				if err != nil {
					return fmt.Errorf("wait_probe: unexpected value %q: %w", val, err)
				}
				if n == 0 {
					dlog.Debugf(ctx, "transport: probe queue drained")
					return nil
				}
			}
		}
	})
	return grp.Wait()
}

// FakeAttrIO is an in-memory AttrIO for unit tests: attribute files
// live in a map keyed by path, and ioctls are dispatched to Handler
// (set by the test) rather than issued against a real device.
type FakeAttrIO struct {
	Attrs       map[string]string
	IoctlCalls  []FakeIoctlCall
	IoctlErrors map[uintptr]error
	// Handler, if set, is called with the same []byte the real ioctl
	// would read/overwrite in place; it stands in for the kernel
	// driver backing a config read/write command.
	Handler func(devNode string, req uintptr, data []byte) error
}

type FakeIoctlCall struct {
	DevNode string
	Req     uintptr
	Len     int
}

var _ AttrIO = (*FakeAttrIO)(nil)

func NewFakeAttrIO() *FakeAttrIO {
	return &FakeAttrIO{
		Attrs:       make(map[string]string),
		IoctlErrors: make(map[uintptr]error),
	}
}

func (f *FakeAttrIO) ReadAttr(path string) (string, error) {
	v, ok := f.Attrs[path]
	if !ok {
		return "", os.ErrNotExist
	}
	return v, nil
}

func (f *FakeAttrIO) WriteAttr(path string, value string) error {
	f.Attrs[path] = value
	return nil
}

func (f *FakeAttrIO) Ioctl(devNode string, req uintptr, data []byte) error {
	f.IoctlCalls = append(f.IoctlCalls, FakeIoctlCall{DevNode: devNode, Req: req, Len: len(data)})
	if err, ok := f.IoctlErrors[req]; ok {
		return err
	}
	if f.Handler != nil {
		return f.Handler(devNode, req, data)
	}
	return nil
}

func (f *FakeAttrIO) WaitProbe(ctx context.Context) error {
	return nil
}

// TrimNull trims a NUL-terminated fixed-size ioctl output buffer to its
// string content, the common shape for ndctl's ioctl replies.
func TrimNull(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
