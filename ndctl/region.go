// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ndctl

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/derror"

	"github.com/pmem/ndctl-go/ndctlerr"
)

// RegionType distinguishes a region's capacity model.
type RegionType int

const (
	RegionPmem RegionType = iota
	RegionBlk
)

func (t RegionType) String() string {
	if t == RegionBlk {
		return "blk"
	}
	return "pmem"
}

// Mapping is one dimm's contribution to one region: (dimm, offset,
// length, position). Always owned by its region.
type Mapping struct {
	Dimm     *Dimm
	Offset   uint64
	Length   uint64
	Position int
}

// Region is a capacity pool striped across one or more dimms on one
// bus, stably identified by its set cookie. A per-region generation
// counter is bumped on every disable so stale handles into its
// children can detect themselves.
type Region struct {
	bus *Bus

	ID            int
	Type          RegionType
	SetCookie     uint64
	ReadOnly      bool
	Size          uint64
	BaseResource  uint64

	mu              sync.RWMutex
	mappings        []Mapping
	namespaces      []*Namespace
	generation      uint64
	availSize       uint64
	seed            *Namespace
	staleNamespaces []*Namespace
}

func NewRegion(id int, typ RegionType, size uint64) *Region {
	return &Region{ID: id, Type: typ, Size: size, availSize: size}
}

func (r *Region) Bus() *Bus { return r.bus }

func (r *Region) Name() string { return fmt.Sprintf("region%d", r.ID) }

func (r *Region) Mappings() []Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mapping, len(r.mappings))
	copy(out, r.mappings)
	return out
}

func (r *Region) AddMapping(m Mapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings = append(r.mappings, m)
}

func (r *Region) Namespaces() []*Namespace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Namespace, len(r.namespaces))
	copy(out, r.namespaces)
	return out
}

// Generation returns the region's current generation counter, captured
// by any child object created under it.
func (r *Region) Generation() uint64 {
	return atomic.LoadUint64(&r.generation)
}

// AvailableSize returns the region's remaining unallocated capacity.
func (r *Region) AvailableSize() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.availSize
}

// reserve subtracts size from the region's available capacity,
// failing with invalid-argument if it would go negative (the create
// boundary: a request for exactly available_size must still succeed,
// one byte more must not).
func (r *Region) reserve(size uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if size > r.availSize {
		return ndctlerr.New(ndctlerr.KindInvalidArgument, r.Name(),
			fmt.Errorf("requested size %d exceeds available_size %d", size, r.availSize))
	}
	r.availSize -= size
	return nil
}

func (r *Region) release(size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.availSize += size
}

func (r *Region) addNamespace(ns *Namespace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns.region = r
	ns.generation = r.generation
	r.namespaces = append(r.namespaces, ns)
}

func (r *Region) removeNamespace(target *Namespace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ns := range r.namespaces {
		if ns == target {
			r.namespaces = append(r.namespaces[:i], r.namespaces[i+1:]...)
			return
		}
	}
}

// BaseResourceAligned reports whether the region's base system
// physical address is aligned to align bytes.
func (r *Region) BaseResourceAligned(align uint64) bool {
	return r.BaseResource%align == 0
}

// Attach reserves ns.Size out of the region's available capacity and
// adopts ns as one of the region's namespaces.
func (r *Region) Attach(ns *Namespace) error {
	if err := r.reserve(ns.Size); err != nil {
		return err
	}
	r.addNamespace(ns)
	return nil
}

// Detach releases ns's reserved capacity and removes it from the
// region.
func (r *Region) Detach(ns *Namespace) {
	r.release(ns.Size)
	r.removeNamespace(ns)
}

// SetSize implements the "zero byte" delete protocol and general
// resizing: it never removes a sysfs node itself, it only adjusts the
// driver-visible size attribute (here: the in-memory model) and the
// region's capacity accounting.
func (r *Region) SetSize(ns *Namespace, newSize uint64) error {
	if newSize > ns.Size {
		if err := r.reserve(newSize - ns.Size); err != nil {
			return err
		}
	} else {
		r.release(ns.Size - newSize)
	}
	ns.Size = newSize
	return nil
}

// Disable invalidates every outstanding handle into the region's
// children by bumping its generation, and queues its current
// namespaces for Cleanup; it does not itself touch driver state
// (that's C6's DisableSafe).
func (r *Region) Disable() {
	atomic.AddUint64(&r.generation, 1)
	r.mu.Lock()
	r.staleNamespaces = append(r.staleNamespaces, r.namespaces...)
	r.mu.Unlock()
}

// Stale reports whether gen (captured by some child at creation time)
// no longer matches the region's current generation.
func (r *Region) Stale(gen uint64) bool {
	return gen != r.Generation()
}

// Cleanup releases every namespace handle a prior Disable queued:
// teardown, if non-nil, is called once per stale namespace (to close
// its btt/pfn/dax holder device node, say) before the namespace is
// detached from the region's capacity accounting. teardown errors are
// aggregated rather than stopping the sweep at the first failure.
func (r *Region) Cleanup(teardown func(*Namespace) error) error {
	r.mu.Lock()
	stale := r.staleNamespaces
	r.staleNamespaces = nil
	r.mu.Unlock()

	var errs derror.MultiError
	for _, ns := range stale {
		if teardown != nil {
			if err := teardown(ns); err != nil {
				errs = append(errs, err)
			}
		}
		r.Detach(ns)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Seed returns the namespace last recorded with SetSeed, or nil if none
// has been recorded. NewRegion sets no seed, and lifecycle.Create neither
// reads nor replaces it.
func (r *Region) Seed() *Namespace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seed
}

// SetSeed records ns as the region's seed namespace.
func (r *Region) SetSeed(ns *Namespace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seed = ns
}
