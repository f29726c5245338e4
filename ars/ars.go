// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ars builds Address Range Scrub capability/start/status and
// per-record error-injection commands as structured requests to the
// transport layer (C8), and tracks the resulting error extents.
package ars

import (
	"fmt"

	"github.com/pmem/ndctl-go/lib/binstruct"
	"github.com/pmem/ndctl-go/lib/containers"
	"github.com/pmem/ndctl-go/ndctl/transport"
	"github.com/pmem/ndctl-go/ndctlerr"
)

// ScrubType is the extended-status bit a capability advertises support
// for, matching the firmware's ARS_EXT_STATUS shift encoding.
type ScrubType uint32

const (
	ScrubShort ScrubType = 1 << 0
	ScrubLong  ScrubType = 1 << 1
)

const (
	arsStatusMask     = 0xffff
	arsExtStatusShift = 16
)

// Cap is the result of a completed ars_cap command: the address range
// the firmware is willing to scrub, its extended-status bitfield of
// supported scrub types, the output-buffer size a status command must
// allocate, and the alignment unit clear_error must respect.
type Cap struct {
	Address        uint64
	Length         uint64
	Status         uint32 // raw firmware status, low 16 bits
	SupportedTypes ScrubType
	MaxArsOut      uint32
	ClearErrUnit   uint32
}

// completed reports whether the capability command finished with zero
// firmware status, the precondition every other ARS command checks.
func (c *Cap) completed() bool {
	return c.Status&arsStatusMask == 0
}

// Cmd is the bottom-level request builder: everything the real driver
// needs is a small fixed header issued as an ioctl through AttrIO.
type Cmd struct {
	attr    transport.AttrIO
	devNode string
}

func NewCmd(attr transport.AttrIO, devNode string) *Cmd {
	return &Cmd{attr: attr, devNode: devNode}
}

// Ioctl command numbers, matching the kernel's nd_cmd enum.
const (
	cmdArsCap    uintptr = 0x01
	cmdArsStart  uintptr = 0x02
	cmdArsStatus uintptr = 0x03
	cmdClearErr  uintptr = 0x04
)

// arsCapCmd is the ars_cap ioctl buffer: address/length go in, and the
// driver overwrites status/max_ars_out in place, the same one-buffer
// in/out convention the kernel's nd_cmd_ars_cap uses.
type arsCapCmd struct {
	Address       uint64 `bin:"off=0x0,siz=0x8"`
	Length        uint64 `bin:"off=0x8,siz=0x8"`
	Status        uint32 `bin:"off=0x10,siz=0x4"`
	MaxArsOut     uint32 `bin:"off=0x14,siz=0x4"`
	binstruct.End `bin:"off=0x18"`
}

// ArsCap issues ars_cap(address, len) and decodes the resulting
// capability.
func (c *Cmd) ArsCap(address, length uint64) (*Cap, error) {
	buf, err := binstruct.Marshal(arsCapCmd{Address: address, Length: length})
	if err != nil {
		return nil, ndctlerr.New(ndctlerr.KindInvalidArgument, c.devNode, fmt.Errorf("ars_cap: encoding request: %w", err))
	}
	if err := c.attr.Ioctl(c.devNode, cmdArsCap, buf); err != nil {
		return nil, ndctlerr.New(ndctlerr.KindMedia, c.devNode, fmt.Errorf("ars_cap: %w", err))
	}
	var resp arsCapCmd
	if _, err := binstruct.Unmarshal(buf, &resp); err != nil {
		return nil, ndctlerr.New(ndctlerr.KindMedia, c.devNode, fmt.Errorf("ars_cap: decoding response: %w", err))
	}
	return &Cap{
		Address:        address,
		Length:         length,
		Status:         resp.Status & arsStatusMask,
		SupportedTypes: ScrubType(resp.Status >> arsExtStatusShift),
		MaxArsOut:      resp.MaxArsOut,
		ClearErrUnit:   512,
	}, nil
}

// arsStartCmd is the ars_start ioctl buffer; the trailing 4 bytes are
// reserved padding the kernel's struct carries but never reads back.
type arsStartCmd struct {
	Address       uint64  `bin:"off=0x0,siz=0x8"`
	Length        uint64  `bin:"off=0x8,siz=0x8"`
	Type          uint32  `bin:"off=0x10,siz=0x4"`
	Reserved      [4]byte `bin:"off=0x14,siz=0x4"`
	binstruct.End `bin:"off=0x18"`
}

// ArsStart starts a scrub of typ over cap's range. cap must have
// completed with zero firmware status and must advertise support for
// typ.
func (c *Cmd) ArsStart(cap *Cap, typ ScrubType) error {
	if !cap.completed() {
		return ndctlerr.New(ndctlerr.KindInvalidArgument, c.devNode, fmt.Errorf("ars_cap did not complete successfully"))
	}
	if cap.SupportedTypes&typ == 0 {
		return ndctlerr.New(ndctlerr.KindNotSupported, c.devNode, fmt.Errorf("ars_cap does not advertise scrub type %#x", typ))
	}
	buf, err := binstruct.Marshal(arsStartCmd{Address: cap.Address, Length: cap.Length, Type: uint32(typ)})
	if err != nil {
		return ndctlerr.New(ndctlerr.KindInvalidArgument, c.devNode, fmt.Errorf("ars_start: encoding request: %w", err))
	}
	if err := c.attr.Ioctl(c.devNode, cmdArsStart, buf); err != nil {
		return ndctlerr.New(ndctlerr.KindMedia, c.devNode, fmt.Errorf("ars_start: %w", err))
	}
	return nil
}

// Record is one firmware-reported error range.
type Record struct {
	Address uint64
	Length  uint64
}

// StatusResult is one completed ars_status response: whether a scrub is
// still in progress, and the error records it has found so far.
type StatusResult struct {
	InProgress bool
	Records    []Record
}

// arsStatusHeader is the fixed leading portion of the ars_status
// response; the variable-length record array that follows is decoded
// one arsRecord at a time.
type arsStatusHeader struct {
	Status        uint32 `bin:"off=0x0,siz=0x4"`
	NumRecords    uint32 `bin:"off=0x4,siz=0x4"`
	binstruct.End `bin:"off=0x8"`
}

type arsRecord struct {
	Address       uint64 `bin:"off=0x0,siz=0x8"`
	Length        uint64 `bin:"off=0x8,siz=0x8"`
	binstruct.End `bin:"off=0x10"`
}

// ArsStatus requests the current scrub status for cap. cap must have
// completed and advertise a non-zero MaxArsOut.
func (c *Cmd) ArsStatus(cap *Cap) (*StatusResult, error) {
	if !cap.completed() {
		return nil, ndctlerr.New(ndctlerr.KindInvalidArgument, c.devNode, fmt.Errorf("ars_cap did not complete successfully"))
	}
	if cap.MaxArsOut == 0 {
		return nil, ndctlerr.New(ndctlerr.KindInvalidArgument, c.devNode, fmt.Errorf("ars_cap has max_ars_out == 0"))
	}
	buf := make([]byte, cap.MaxArsOut)
	if err := c.attr.Ioctl(c.devNode, cmdArsStatus, buf); err != nil {
		return nil, ndctlerr.New(ndctlerr.KindMedia, c.devNode, fmt.Errorf("ars_status: %w", err))
	}
	var hdr arsStatusHeader
	if _, err := binstruct.Unmarshal(buf, &hdr); err != nil {
		return nil, ndctlerr.New(ndctlerr.KindMedia, c.devNode, fmt.Errorf("ars_status: decoding header: %w", err))
	}
	if hdr.Status == 1<<16 {
		return &StatusResult{InProgress: true}, nil
	}
	recSize := binstruct.StaticSize(arsRecord{})
	off := binstruct.StaticSize(arsStatusHeader{})
	recs := make([]Record, 0, hdr.NumRecords)
	for i := uint32(0); i < hdr.NumRecords; i++ {
		if off+recSize > len(buf) {
			break
		}
		var rec arsRecord
		n, err := binstruct.Unmarshal(buf[off:], &rec)
		if err != nil {
			return nil, ndctlerr.New(ndctlerr.KindMedia, c.devNode, fmt.Errorf("ars_status: decoding record %d: %w", i, err))
		}
		recs = append(recs, Record{Address: rec.Address, Length: rec.Length})
		off += n
	}
	return &StatusResult{Records: recs}, nil
}

// clearErrCmd is the clear_error ioctl buffer: address/length go in,
// and the driver overwrites cleared_length in place.
type clearErrCmd struct {
	Address       uint64 `bin:"off=0x0,siz=0x8"`
	Length        uint64 `bin:"off=0x8,siz=0x8"`
	Cleared       uint64 `bin:"off=0x10,siz=0x8"`
	binstruct.End `bin:"off=0x18"`
}

// ClearError clears address errors over [address, address+length),
// which must fall within cap's range and be aligned to cap's
// clear_err_unit (itself required to be a power of two).
func (c *Cmd) ClearError(address, length uint64, cap *Cap) (cleared uint64, err error) {
	if cap.ClearErrUnit == 0 || cap.ClearErrUnit&(cap.ClearErrUnit-1) != 0 {
		return 0, ndctlerr.New(ndctlerr.KindInvalidArgument, c.devNode, fmt.Errorf("clear_err_unit %d is not a power of two", cap.ClearErrUnit))
	}
	if address < cap.Address || address > cap.Address+cap.Length || address+length > cap.Address+cap.Length {
		return 0, ndctlerr.New(ndctlerr.KindInvalidArgument, c.devNode, fmt.Errorf("request [%#x,%#x) outside ars_cap range [%#x,%#x)", address, address+length, cap.Address, cap.Address+cap.Length))
	}
	mask := uint64(cap.ClearErrUnit) - 1
	if (address|length)&mask != 0 {
		return 0, ndctlerr.New(ndctlerr.KindInvalidArgument, c.devNode, fmt.Errorf("request [%#x,%#x) not aligned to clear_err_unit %d", address, address+length, cap.ClearErrUnit))
	}
	buf, merr := binstruct.Marshal(clearErrCmd{Address: address, Length: length})
	if merr != nil {
		return 0, ndctlerr.New(ndctlerr.KindInvalidArgument, c.devNode, fmt.Errorf("clear_error: encoding request: %w", merr))
	}
	if err := c.attr.Ioctl(c.devNode, cmdClearErr, buf); err != nil {
		return 0, ndctlerr.New(ndctlerr.KindMedia, c.devNode, fmt.Errorf("clear_error: %w", err))
	}
	var resp clearErrCmd
	if _, err := binstruct.Unmarshal(buf, &resp); err != nil {
		return 0, ndctlerr.New(ndctlerr.KindMedia, c.devNode, fmt.Errorf("clear_error: decoding response: %w", err))
	}
	return resp.Cleared, nil
}

// Extent is one coalesced error range in a Tracker.
type Extent struct {
	Address uint64
	Length  uint64
}

func (e Extent) end() uint64 { return e.Address + e.Length }

func extentMin(e Extent) containers.NativeOrdered[uint64] {
	return containers.NativeOrdered[uint64]{Val: e.Address}
}

func extentMax(e Extent) containers.NativeOrdered[uint64] {
	return containers.NativeOrdered[uint64]{Val: e.end() - 1}
}

// Tracker merges overlapping or adjacent error extents into a sorted
// list, grounded on the firmware status cache's own range-merge
// behavior. The extents live in a containers.IntervalTree rather than a
// flat slice, so both the coalescing in Add and the range query in
// Overlaps walk the same indexed structure instead of a linear scan.
type Tracker struct {
	tree containers.IntervalTree[containers.NativeOrdered[uint64], Extent]
}

func (t *Tracker) init() {
	if t.tree.MinFn == nil {
		t.tree.MinFn = extentMin
		t.tree.MaxFn = extentMax
	}
}

// Add merges in a newly reported error range, coalescing it with every
// tracked extent it overlaps or touches.
func (t *Tracker) Add(address, length uint64) {
	t.init()

	qMin := address
	if qMin > 0 {
		qMin--
	}
	qMax := address + length // deliberately not -1: the extra unit catches an exactly-adjacent extent as touching.

	touching := t.tree.SearchAll(func(k containers.NativeOrdered[uint64]) int {
		switch {
		case k.Val < qMin:
			return 1
		case k.Val > qMax:
			return -1
		default:
			return 0
		}
	})
	for _, e := range touching {
		t.tree.Delete(extentMin(e), extentMax(e))
	}

	lo, hi := address, address+length
	for _, e := range touching {
		if e.Address < lo {
			lo = e.Address
		}
		if e.end() > hi {
			hi = e.end()
		}
	}
	t.tree.Insert(Extent{Address: lo, Length: hi - lo})
}

// Extents returns the current coalesced, sorted extent list.
func (t *Tracker) Extents() []Extent {
	t.init()
	return t.tree.SearchAll(func(containers.NativeOrdered[uint64]) int { return 0 })
}

// Overlaps returns every tracked extent that intersects [address,
// address+length).
func (t *Tracker) Overlaps(address, length uint64) []Extent {
	t.init()
	if length == 0 {
		return nil
	}
	qMax := address + length - 1
	return t.tree.SearchAll(func(k containers.NativeOrdered[uint64]) int {
		switch {
		case k.Val < address:
			return 1
		case k.Val > qMax:
			return -1
		default:
			return 0
		}
	})
}

// InjectNamespaceError translates a (block, count) request on a
// namespace into a system-physical-address range via resource and the
// 512-byte sector scale, rejecting requests that exceed the
// namespace's bounds, then clears it and records it in the tracker.
func InjectNamespaceError(cmd *Cmd, cap *Cap, tracker *Tracker, resource, nsSize uint64, block, count uint64) (uint64, error) {
	const sectorSize = 512
	address := resource + block*sectorSize
	length := count * sectorSize
	if block*sectorSize+length > nsSize {
		return 0, ndctlerr.New(ndctlerr.KindInvalidArgument, "", fmt.Errorf("injection range exceeds namespace bounds"))
	}
	cleared, err := cmd.ClearError(address, length, cap)
	if err != nil {
		return 0, err
	}
	tracker.Add(address, length)
	return cleared, nil
}
