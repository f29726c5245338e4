// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package lifecycle implements namespace create/reconfigure/destroy/
// enable/disable (C6): the option table and validation that sits
// between a caller's request and the C5 object graph + C3 label store
// it operates on.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/pmem/ndctl-go/ndctl"
	"github.com/pmem/ndctl-go/ndctlerr"
	"github.com/pmem/ndctl-go/nslabel"
)

// the 2 MiB alignment the kernel defaults fsdax/devdax namespaces to
// when the region's own resource is suitably aligned.
const (
	align4K  = 4 << 10
	align2M  = 2 << 20
)

// CreateOptions describes a namespace to carve out of a region.
type CreateOptions struct {
	Mode       ndctl.NamespaceMode
	Map        string // "mem" or "dev", for fsdax/devdax holder location
	Size       uint64
	SectorSize uint32 // 0 means "use the kernel default for Mode"
	Align      uint64 // 0 means "pick the default for Mode"
	UUID       [16]byte
	AltName    string
	Autolabel  bool
}

// Create carves a new namespace out of region. It checks that the size
// is a multiple of the alignment and, through region.Attach, that it fits
// the region's available capacity; AltName, SectorSize and UUID are
// stored as given without being validated.
func Create(ctx context.Context, region *ndctl.Region, opts CreateOptions) (*ndctl.Namespace, error) {
	align := opts.Align
	if align == 0 {
		align = defaultAlign(opts.Mode, region)
	}
	if opts.Size%align != 0 {
		return nil, ndctlerr.New(ndctlerr.KindInvalidArgument, region.Name(),
			fmt.Errorf("size %d is not a multiple of alignment %d", opts.Size, align))
	}

	ns := &ndctl.Namespace{
		ID:      fmt.Sprintf("namespace%d.0", region.ID),
		Mode:    opts.Mode,
		UUID:    opts.UUID,
		AltName: opts.AltName,
		Size:    opts.Size,
	}

	sectorSize := opts.SectorSize
	if sectorSize == 0 {
		sectorSize = defaultSectorSize(opts.Mode)
	}
	ns.SectorSize = sectorSize

	if err := region.Attach(ns); err != nil {
		return nil, err
	}

	switch opts.Mode {
	case ndctl.ModeSafe:
		ns.Holder = ndctl.HolderBtt
		ns.Btt = &ndctl.BttDevice{Namespace: ns, UUID: opts.UUID, SectorSize: sectorSize}
	case ndctl.ModeMemory:
		ns.Holder = ndctl.HolderPfn
		ns.Pfn = &ndctl.PfnDevice{Namespace: ns, UUID: opts.UUID, Align: align, Location: mapLocation(opts.Map)}
	case ndctl.ModeDax:
		ns.Holder = ndctl.HolderDax
		ns.Dax = &ndctl.DaxDevice{Namespace: ns, UUID: opts.UUID, Align: align, Location: mapLocation(opts.Map)}
	}

	dlog.Infof(ctx, "ndctl: created %s mode=%s size=%d align=%d", ns.ID, opts.Mode, opts.Size, align)
	return ns, nil
}

// defaultAlign implements the alignment boundary: fsdax/devdax regions
// whose base resource is not 2 MiB aligned fall back to 4 KiB without
// requiring an explicit override. Other modes align to their default
// sector size.
func defaultAlign(mode ndctl.NamespaceMode, region *ndctl.Region) uint64 {
	if mode != ndctl.ModeMemory && mode != ndctl.ModeDax {
		return uint64(defaultSectorSize(mode))
	}
	if region.BaseResourceAligned(align2M) {
		return align2M
	}
	return align4K
}

func defaultSectorSize(mode ndctl.NamespaceMode) uint32 {
	if mode == ndctl.ModeMemory || mode == ndctl.ModeDax {
		return 0
	}
	return 512
}

// mapLocation defaults to pmem whenever --map wasn't given, for both
// memory and dax holders. The original validate_namespace_options
// guards this default with "p->mode == NDCTL_NS_MODE_MEMORY ||
// NDCTL_NS_MODE_DAX", a tautology (the right side is a nonzero
// enumerator, not a comparison) that makes the pmem default
// unconditional rather than dax-specific; preserved here rather than
// "corrected" to whatever a distinguishing condition might have meant.
func mapLocation(m string) ndctl.PfnLocation {
	if m == "mem" {
		return ndctl.PfnLocationRAM
	}
	return ndctl.PfnLocationPmem
}

// ReconfigOptions carries the subset of CreateOptions that can change
// on an existing namespace.
type ReconfigOptions struct {
	Mode       ndctl.NamespaceMode
	SectorSize uint32
	UUID       [16]byte
}

// Reconfig changes ns's mode/sector-size/uuid in place. The namespace
// must not be enabled.
func Reconfig(ctx context.Context, ns *ndctl.Namespace, opts ReconfigOptions) error {
	if ns.Enabled {
		return ndctlerr.New(ndctlerr.KindBusy, ns.ID, fmt.Errorf("namespace is enabled"))
	}
	ns.Mode = opts.Mode
	if opts.SectorSize != 0 {
		ns.SectorSize = opts.SectorSize
	}
	ns.UUID = opts.UUID
	dlog.WithField(ctx, "ndctl.lifecycle.step", "reconfig").Infof("ndctl: reconfigured %s mode=%s", ns.ID, opts.Mode)
	return nil
}

// Destroy removes ns from its region. An enabled namespace requires
// force; destruction is performed by writing size=0 through the
// driver's size attribute, never by removing a sysfs node directly.
func Destroy(ctx context.Context, region *ndctl.Region, ns *ndctl.Namespace, force bool) error {
	if ns.Enabled && !force {
		return ndctlerr.New(ndctlerr.KindBusy, ns.ID, fmt.Errorf("namespace is enabled, use force to destroy anyway"))
	}
	if ns.Enabled {
		dlog.WithField(ctx, "ndctl.lifecycle.substep", "disable").Debugf("ndctl: destroying %s, disabling first", ns.ID)
		if err := disableUnsafe(ctx, region, ns); err != nil {
			return err
		}
	}
	if err := region.SetSize(ns, 0); err != nil {
		return err
	}
	region.Detach(ns)
	dlog.WithField(ctx, "ndctl.lifecycle.step", "destroy").Infof("ndctl: destroyed %s", ns.ID)
	return nil
}

// Enable brings ns online.
func Enable(ctx context.Context, ns *ndctl.Namespace) error {
	if ns.Stale() {
		return ndctlerr.New(ndctlerr.KindStale, ns.ID, fmt.Errorf("namespace's region generation has advanced"))
	}
	ns.Enabled = true
	dlog.Infof(ctx, "ndctl: enabled %s", ns.ID)
	return nil
}

func disableUnsafe(ctx context.Context, region *ndctl.Region, ns *ndctl.Namespace) error {
	ns.Enabled = false
	return nil
}

// DisableSafe disables ns, first exclusively opening its raw device
// node to fence out any other writer. There is an inherent TOCTOU
// window between that exclusive open and the unbind the kernel does
// not expose a way to close; this implementation does not attempt to
// paper over it with additional locking.
func DisableSafe(ctx context.Context, opener ExclusiveOpener, region *ndctl.Region, ns *ndctl.Namespace) error {
	if !ns.Enabled {
		return nil
	}
	closeFn, err := opener.OpenExclusive(ns.DevNode)
	if err != nil {
		return ndctlerr.New(ndctlerr.KindBusy, ns.ID, fmt.Errorf("exclusive open failed: %w", err))
	}
	defer closeFn()
	return disableUnsafe(ctx, region, ns)
}

// ExclusiveOpener abstracts the exclusive-open-then-unbind step so
// DisableSafe is testable without a real device node.
type ExclusiveOpener interface {
	OpenExclusive(devNode string) (close func(), err error)
}

// AutolabelVersion tries v1.2 first and falls back to v1.1 if the
// post-init slot count disagrees with the driver's own available-slot
// report by more than the expected one-slot reserve — the only signal
// the kernel gives that it did not understand v1.2.
func AutolabelVersion(ctx context.Context, cio nslabel.ConfigIO, dc nslabel.DriverControl) (nslabel.Version, int, error) {
	nslot, err := nslabel.InitLabels(ctx, cio, nslabel.V1_2)
	if err != nil {
		return 0, 0, err
	}
	if err := dc.Bounce(ctx); err != nil {
		return 0, 0, err
	}
	avail, err := dc.AvailableSlots(ctx)
	if err != nil {
		return 0, 0, err
	}
	if nslot-avail <= 1 {
		return nslabel.V1_2, nslot, nil
	}
	dlog.Warnf(ctx, "ndctl: v1.2 label init on %s disagreed with driver slot count (nslot=%d avail=%d), falling back to v1.1", cio.Name(), nslot, avail)
	nslot, err = nslabel.InitLabels(ctx, cio, nslabel.V1_1)
	if err != nil {
		return 0, 0, err
	}
	return nslabel.V1_1, nslot, nil
}
