// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ndctl

import (
	"fmt"
	"math"

	"github.com/pmem/ndctl-go/ndctlerr"
)

// NamespaceType is the namespace's underlying capacity model,
// inherited from its region.
type NamespaceType int

const (
	NSTypeIO NamespaceType = iota
	NSTypePmem
	NSTypeBlk
)

// NamespaceMode selects how a namespace's capacity is exposed.
type NamespaceMode int

const (
	ModeRaw NamespaceMode = iota
	ModeSafe                 // sector-atomic, via a btt holder
	ModeMemory                // fsdax, via a pfn holder
	ModeDax                   // devdax, via a dax holder
)

func (m NamespaceMode) String() string {
	switch m {
	case ModeSafe:
		return "safe"
	case ModeMemory:
		return "memory"
	case ModeDax:
		return "dax"
	default:
		return "raw"
	}
}

// HolderKind names which single child device, if any, a namespace has.
type HolderKind int

const (
	HolderNone HolderKind = iota
	HolderBtt
	HolderPfn
	HolderDax
)

const ResourceUnset = math.MaxUint64

// Namespace is a capacity subdivision within a region.
type Namespace struct {
	region *Region

	ID              string
	Type            NamespaceType
	Mode            NamespaceMode
	EnforceMode     bool
	UUID            [16]byte
	AltName         string // <= 63 printable bytes
	Size            uint64
	SectorSize      uint32
	SupportedSectorSizes []uint32
	RawModeOverride bool
	Resource        uint64 // system physical address, or ResourceUnset
	DevNode         string // raw block device node, for the btt checker
	Enabled         bool

	generation uint64 // captured from region at creation

	Holder     HolderKind
	Btt        *BttDevice
	Pfn        *PfnDevice
	Dax        *DaxDevice
}

func (ns *Namespace) Region() *Region { return ns.region }

// Stale reports whether this handle predates its region's current
// generation (e.g. the region was disabled after this namespace was
// looked up).
func (ns *Namespace) Stale() bool {
	return ns.region.Stale(ns.generation)
}

func (ns *Namespace) validateAltName() error {
	if len(ns.AltName) > 63 {
		return ndctlerr.New(ndctlerr.KindInvalidArgument, ns.ID,
			fmt.Errorf("alt_name %q exceeds 63 bytes", ns.AltName))
	}
	for _, b := range []byte(ns.AltName) {
		if b < 0x20 || b > 0x7e {
			return ndctlerr.New(ndctlerr.KindInvalidArgument, ns.ID,
				fmt.Errorf("alt_name contains a non-printable byte %#x", b))
		}
	}
	return nil
}

// validateSectorSize checks size against the namespace's advertised
// set, with the one universal kernel-default exception.
func (ns *Namespace) validateSectorSize(size uint32) error {
	if size == 512 && ns.Type == NSTypePmem {
		return nil
	}
	for _, s := range ns.SupportedSectorSizes {
		if s == size {
			return nil
		}
	}
	return ndctlerr.New(ndctlerr.KindInvalidArgument, ns.ID,
		fmt.Errorf("sector_size %d not in advertised set %v", size, ns.SupportedSectorSizes))
}

// BttDevice is a sector-atomicity wrapper stacked on a namespace.
type BttDevice struct {
	Namespace  *Namespace
	UUID       [16]byte
	SectorSize uint32
	DevNode    string
}

// PfnDevice is a page-frame-metadata reservation stacked on a
// namespace, used to expose fsdax.
type PfnDevice struct {
	Namespace *Namespace
	UUID      [16]byte
	Align     uint64
	Location  PfnLocation
	DevNode   string
}

// PfnLocation selects where a pfn device's metadata lives.
type PfnLocation int

const (
	PfnLocationRAM PfnLocation = iota
	PfnLocationPmem
)

// DaxDevice is a character-device-dax instance stacked on a namespace.
type DaxDevice struct {
	Namespace *Namespace
	UUID      [16]byte
	Align     uint64
	Location  PfnLocation
	DevNode   string
}
