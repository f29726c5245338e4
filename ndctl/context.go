// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ndctl is the object graph tying buses, dimms, regions,
// mappings, namespaces, and their btt/pfn/dax child devices into one
// coherent, reference-counted model (C5): Enumerate once at
// construction time from C1 attribute reads, then navigate by index
// (not pointer) so a region disable can atomically invalidate its
// children without dangling any handle a caller still holds.
package ndctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/pmem/ndctl-go/lib/containers"
	"github.com/pmem/ndctl-go/ndctl/transport"
	"github.com/pmem/ndctl-go/ndctlerr"
)

// SysfsConfig configures a Context backed by the host's real /sys tree
// and /dev nodes. It exists so that callers outside this module's
// ndctl/ subtree (the CLI under cmd/ndctl, say) can get a working
// AttrIO without constructing a transport.SysfsAttrIO themselves: one
// public door onto the sysfs-open machinery, rather than a package-private
// seam each caller has to duplicate.
type SysfsConfig struct {
	// ProbeAttr is the sysfs file WaitProbe polls, e.g.
	// "/sys/bus/nd/wait_probe".
	ProbeAttr string
	// PollInterval paces that poll; zero picks a sensible default.
	PollInterval time.Duration
	// Enumerate is as in Config.
	Enumerate func(ctx *Context) error
}

// NewSysfsContext builds a Context talking to the real host.
func NewSysfsContext(cfg SysfsConfig) (*Context, error) {
	return NewContext(Config{
		AttrIO: &transport.SysfsAttrIO{
			ProbeAttr:    cfg.ProbeAttr,
			PollInterval: cfg.PollInterval,
		},
		Enumerate: cfg.Enumerate,
	})
}

var errNilAttrIO = ndctlerr.New(ndctlerr.KindInvalidArgument, "", fmt.Errorf("Config.AttrIO must not be nil"))

// Config selects how a Context reaches the host and, optionally, how it
// discovers its bus tree.
type Config struct {
	// AttrIO is the transport every Bus/Dimm/Region/Namespace under
	// this Context issues sysfs reads, writes, and ioctls through.
	AttrIO transport.AttrIO
	// Enumerate, if set, is run once on the first call to Buses and
	// populates the Context via AddBus. Tests that build their bus
	// tree directly (via AddBus before ever calling Buses) can leave
	// this nil; the on-disk sysfs tree walk itself is out of this
	// core's scope.
	Enumerate func(ctx *Context) error
}

// Context is the root of the object graph: one enumeration pass over a
// host's nd bus tree. It owns every Bus, Dimm, Region, and Namespace
// reachable from it.
type Context struct {
	mu         sync.RWMutex
	attr       transport.AttrIO
	enumerate  func(ctx *Context) error
	enumerated bool
	buses      []*Bus
	busByProvider containers.Set[string]
}

// NewContext builds a Context talking to the host through cfg.AttrIO.
// Enumeration, if cfg.Enumerate is set, does not run here: it is
// deferred to the first call to Buses, matching new(provider_string)
// followed by bus_first's lazy-trigger semantics.
func NewContext(cfg Config) (*Context, error) {
	if cfg.AttrIO == nil {
		return nil, errNilAttrIO
	}
	return &Context{attr: cfg.AttrIO, enumerate: cfg.Enumerate}, nil
}

// AttrIO returns the transport this Context (and everything under it)
// uses to reach the host.
func (c *Context) AttrIO() transport.AttrIO { return c.attr }

// Buses triggers enumeration on its first call (if an Enumerate func
// was configured and none has run yet) and returns every bus in
// enumeration order.
func (c *Context) Buses() []*Bus {
	c.mu.Lock()
	if !c.enumerated && c.enumerate != nil {
		c.enumerated = true
		c.mu.Unlock()
		if err := c.enumerate(c); err != nil {
			dlog.Errorf(context.Background(), "ndctl: enumeration failed: %v", err)
		}
		c.mu.RLock()
	} else {
		c.mu.Unlock()
		c.mu.RLock()
	}
	defer c.mu.RUnlock()
	out := make([]*Bus, len(c.buses))
	copy(out, c.buses)
	return out
}

// AddBus registers a newly-enumerated (or, in tests, hand-built) Bus.
// Re-adding a bus with a provider string already seen is a no-op, so a
// sysfs walk that runs more than once (or a caller that enumerates the
// same bus from two paths) never produces duplicate entries.
func (c *Context) AddBus(b *Bus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busByProvider == nil {
		c.busByProvider = containers.NewSet[string]()
	}
	if c.busByProvider.Has(b.Provider) {
		return
	}
	c.busByProvider.Insert(b.Provider)
	b.ctx = c
	c.buses = append(c.buses, b)
}

// WaitProbe blocks until the host's background device-probe queue has
// drained, then every Bus's view of its dimms/regions is current.
func (c *Context) WaitProbe(ctx context.Context) error {
	dlog.Debugf(ctx, "ndctl: waiting for probe queue to drain")
	return c.attr.WaitProbe(ctx)
}

// Bus is one platform-firmware source of nvdimm devices.
type Bus struct {
	ctx      *Context
	Provider string
	CmdMask  uint64
	ScrubPath string

	mu         sync.RWMutex
	dimms      []*Dimm
	regions    []*Region
	dimmByID   containers.Set[int]
	regionByID containers.Set[int]
}

func NewBus(provider string) *Bus {
	return &Bus{Provider: provider}
}

func (b *Bus) Context() *Context { return b.ctx }

func (b *Bus) Dimms() []*Dimm {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Dimm, len(b.dimms))
	copy(out, b.dimms)
	return out
}

func (b *Bus) Regions() []*Region {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Region, len(b.regions))
	copy(out, b.regions)
	return out
}

// AddDimm registers a dimm under this bus, idempotently: a second call
// for the same dimm ID (the host never assigns that ID to two dimms on
// one bus) is a no-op rather than a duplicate entry.
func (b *Bus) AddDimm(d *Dimm) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dimmByID == nil {
		b.dimmByID = containers.NewSet[int]()
	}
	if b.dimmByID.Has(d.ID) {
		return
	}
	b.dimmByID.Insert(d.ID)
	d.bus = b
	b.dimms = append(b.dimms, d)
}

// AddRegion registers a region under this bus, idempotently by region
// ID, for the same reason AddDimm is.
func (b *Bus) AddRegion(r *Region) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.regionByID == nil {
		b.regionByID = containers.NewSet[int]()
	}
	if b.regionByID.Has(r.ID) {
		return
	}
	b.regionByID.Insert(r.ID)
	r.bus = b
	b.regions = append(b.regions, r)
}

// SupportsCommand reports whether cmd's bit is set in the bus's
// firmware-advertised command-support mask.
func (b *Bus) SupportsCommand(cmd uint) bool {
	return b.CmdMask&(1<<cmd) != 0
}
