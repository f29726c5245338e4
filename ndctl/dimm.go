// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ndctl

import (
	"context"
	"fmt"
	"sync"

	"github.com/pmem/ndctl-go/ndctl/internal/cfgio"
	"github.com/pmem/ndctl-go/ndctl/transport"
	"github.com/pmem/ndctl-go/nslabel"
)

// Dimm is one memory module visible to the platform firmware. It
// implements nslabel.ConfigIO and nslabel.DriverControl directly, so
// the label store engine can operate on it without ever importing
// anything under ndctl/internal.
type Dimm struct {
	bus *Bus

	ID               int
	Handle           uint32 // encodes node/socket/imc/channel/dimm
	ManufacturerID   uint16
	PayloadMax       int
	ConfigAreaSize   int
	DsmFamily        int
	CmdMask          uint64
	ReadConfigIoctl  uintptr
	WriteConfigIoctl uintptr
	DevNode          string
	SysfsPath        string

	mu        sync.Mutex
	labelArea *nslabel.LabelArea // lazily populated snapshot
	xfer      *cfgio.Xfer
}

var (
	_ nslabel.ConfigIO      = (*Dimm)(nil)
	_ nslabel.DriverControl = (*Dimm)(nil)
)

func (d *Dimm) Bus() *Bus { return d.bus }

func (d *Dimm) Name() string {
	return fmt.Sprintf("nmem%d", d.ID)
}

// ConfigSize implements nslabel.ConfigIO.
func (d *Dimm) ConfigSize(ctx context.Context) (configSize, maxXfer int, err error) {
	return d.ConfigAreaSize, d.PayloadMax, nil
}

// xferLocked lazily constructs the transfer iterator; callers must hold d.mu.
func (d *Dimm) xferLocked() *cfgio.Xfer {
	if d.xfer == nil {
		d.xfer = cfgio.NewXfer(d.attr(), d.DevNode, d.ConfigAreaSize, d.PayloadMax, d.ReadConfigIoctl, d.WriteConfigIoctl)
	}
	return d.xfer
}

func (d *Dimm) attr() transport.AttrIO {
	return d.bus.ctx.AttrIO()
}

// ReadConfig implements nslabel.ConfigIO.
func (d *Dimm) ReadConfig(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.xferLocked().Read()
}

// WriteConfig implements nslabel.ConfigIO.
func (d *Dimm) WriteConfig(ctx context.Context, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.xferLocked().Write(buf)
}

// Enabled implements nslabel.DriverControl: the dimm's label area
// driver is considered enabled whenever its config area is non-zero (a
// dimm that never advertised one cannot carry labels at all).
func (d *Dimm) Enabled(ctx context.Context) bool {
	return d.ConfigAreaSize > 0
}

// Bounce implements nslabel.DriverControl: force the driver to
// re-parse the label area (e.g. after InitLabels), via its own
// disable/enable sysfs attribute pair.
func (d *Dimm) Bounce(ctx context.Context) error {
	attr := d.attr()
	path := d.SysfsPath + "/nfit/flags" // stands in for the real disable/enable toggle
	if err := attr.WriteAttr(path, "0"); err != nil {
		return err
	}
	return attr.WriteAttr(path, "1")
}

// AvailableSlots implements nslabel.DriverControl by asking the
// driver's own accounting attribute, which is the only way to observe
// the kernel's reserved-scratch-slot bookkeeping directly (the
// autolabel fallback check compares this against InitLabels' returned
// slot count).
func (d *Dimm) AvailableSlots(ctx context.Context) (int, error) {
	attr := d.attr()
	s, err := attr.ReadAttr(d.SysfsPath + "/available_slots")
	if err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("available_slots: unparseable value %q: %w", s, err)
	}
	return n, nil
}

// LabelArea returns a snapshot of the dimm's label area, read with
// nslabel.ReadLabelArea the first time it's asked for and then kept in
// the Dimm until InvalidateLabelArea drops it, so later calls do not
// issue a fresh config read. The snapshot is not validated here.
func (d *Dimm) LabelArea(ctx context.Context) (*nslabel.LabelArea, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.labelArea != nil {
		return d.labelArea, nil
	}
	la, err := nslabel.ReadLabelArea(ctx, d)
	if err != nil {
		return nil, err
	}
	d.labelArea = la
	return la, nil
}

// InvalidateLabelArea drops the cached snapshot, forcing the next
// LabelArea call to re-read the config area.
func (d *Dimm) InvalidateLabelArea() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.labelArea = nil
}
