// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package nslabel

import (
	"bytes"
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/pmem/ndctl-go/lib/binstruct"
	"github.com/pmem/ndctl-go/ndctlerr"
)

// Version selects the on-media namespace-label size: v1.1 uses 128-byte
// labels, v1.2 uses 256-byte labels and additionally carries type/
// abstraction guids.
type Version int

const (
	V1_1 Version = iota
	V1_2
)

func (v Version) labelSize() int {
	if v == V1_1 {
		return LabelV1_1Size
	}
	return LabelV1_2Size
}

// ConfigIO is the seam nslabel is built against for moving bytes in and
// out of a dimm's config area; ndctl.Dimm implements it on
// top of internal/cfgio. Kept minimal and dimm-agnostic so label-store
// logic can be unit tested with an in-memory fake, matching the
// ambient test-tooling note.
type ConfigIO interface {
	// Name identifies the dimm for error/log messages.
	Name() string
	ConfigSize(ctx context.Context) (configSize, maxXfer int, err error)
	ReadConfig(ctx context.Context) ([]byte, error)
	WriteConfig(ctx context.Context, data []byte) error
}

// DriverControl is the seam for the driver-level side-effects ReadConfig
// and WriteConfig don't cover: forcing a relabel re-read and reporting the
// driver's own view of how many slots are free.
type DriverControl interface {
	Enabled(ctx context.Context) bool
	Bounce(ctx context.Context) error
	AvailableSlots(ctx context.Context) (int, error)
}

// LabelArea is an immutable snapshot of a dimm's label config area,
// cheap to produce because it is backed directly by ConfigIO's buffer
// (returns an immutable snapshot; cheap because backed by
// C2's buffer").
type LabelArea struct {
	raw          []byte
	configSize   int
	nslabelSize  int
	nsindexSize  int
	nslot        int
}

// ReadLabelArea reads the full config area off dimm via cio and wraps it
// as a LabelArea. It does not validate the contents; call Validate for
// that.
func ReadLabelArea(ctx context.Context, cio ConfigIO) (*LabelArea, error) {
	configSize, _, err := cio.ConfigSize(ctx)
	if err != nil {
		return nil, ndctlerr.WithDevice(cio.Name(), err)
	}
	raw, err := cio.ReadConfig(ctx)
	if err != nil {
		return nil, ndctlerr.WithDevice(cio.Name(), err)
	}
	if len(raw) != configSize {
		return nil, ndctlerr.New(ndctlerr.KindMedia, cio.Name(),
			fmt.Errorf("config read returned %d bytes, expected %d", len(raw), configSize))
	}
	return &LabelArea{raw: raw, configSize: configSize}, nil
}

// Raw returns the area's backing bytes. Callers must not mutate them;
// LabelArea promises an immutable view.
func (a *LabelArea) Raw() []byte { return a.raw }

func (a *LabelArea) ConfigSize() int { return a.configSize }

// indexHeaderAt decodes the IndexHeader at byte offset off.
func indexHeaderAt(raw []byte, off, sz int) (*IndexHeader, error) {
	if off < 0 || off+sz > len(raw) {
		return nil, fmt.Errorf("index block at %#x,%#x out of range of %#x-byte config area", off, sz, len(raw))
	}
	var h IndexHeader
	if _, err := binstruct.Unmarshal(raw[off:off+IndexHeaderSize], &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// indexSizeForSlots is sizeof_namespace_index_header(nslot) aligned up to
// 256 bytes with a 512-byte floor, per the nsindex_size derivation.
func indexSizeForSlots(nslot int) int {
	sz := IndexHeaderSize + (nslot+7)/8
	sz = alignUp(sz, 256)
	if sz < 512 {
		sz = 512
	}
	return sz
}

func alignUp(v, align int) int {
	return (v + align - 1) / align * align
}

// computeIndexGeometry derives (nsindexSize, nslot) for a config area of
// configSize bytes holding labels of nslabelSize bytes each, per ndctl's
// doubling search: start at the 512-byte floor and double until the
// header+bitmap needed for the resulting slot count fits within the
// current guess.
func computeIndexGeometry(configSize, nslabelSize int) (nsindexSize, nslot int) {
	nsindexSize = 512
	for {
		n := (configSize - 2*nsindexSize) / nslabelSize
		if n < 0 {
			n = 0
		}
		need := indexSizeForSlots(n)
		if need <= nsindexSize {
			nslot = n
			return
		}
		nsindexSize *= 2
	}
}

// Validated is the result of Validate: the current (winning) index block
// plus the derived geometry needed to address labels and the other index
// block.
type Validated struct {
	CurrentIdx  int // 0 or 1: which physical index block is current
	Current     *IndexHeader
	Other       *IndexHeader
	NslabelSize int
	NsindexSize int
	Nslot       int
	bitmaps     [2][]byte
}

// CurrentBitmap is the free-bitmap belonging to the current index block:
// bit s set means slot s is free.
func (v *Validated) CurrentBitmap() []byte { return v.bitmaps[v.CurrentIdx] }

// OtherBitmap is the free-bitmap of the non-current index block.
func (v *Validated) OtherBitmap() []byte { return v.bitmaps[1-v.CurrentIdx] }

func bitmapFree(bitmap []byte, slot int) bool {
	byteIdx, bit := slot/8, uint(slot%8)
	if byteIdx >= len(bitmap) {
		return false
	}
	return bitmap[byteIdx]&(1<<bit) != 0
}

func setBitmapBit(bitmap []byte, slot int, free bool) {
	byteIdx, bit := slot/8, uint(slot%8)
	if free {
		bitmap[byteIdx] |= 1 << bit
	} else {
		bitmap[byteIdx] &^= 1 << bit
	}
}

// tryParseAt attempts to validate the index-block pair assuming labels
// are nslabelSize bytes. A block counts as valid when it has a valid
// signature, matching labelsize, valid checksum, in-range myoff/otheroff/
// mysize, a nonzero sequence number, and an nslot compatible with the
// config area's size; the pair is accepted when at least one block is
// valid.
func tryParseAt(raw []byte, configSize, nslabelSize int) (*Validated, bool) {
	nsindexSize, wantNslot := computeIndexGeometry(configSize, nslabelSize)
	if 2*nsindexSize+wantNslot*nslabelSize > configSize {
		return nil, false
	}

	var headers [2]*IndexHeader
	var bitmaps [2][]byte
	validCount := 0
	for i := 0; i < 2; i++ {
		off := i * nsindexSize
		blk := raw[off : off+nsindexSize]
		h, err := indexHeaderAt(raw, off, nsindexSize)
		if err != nil {
			continue
		}
		if !bytes.Equal(h.Signature[:], Signature[:]) {
			continue
		}
		if h.LabelSize() != nslabelSize {
			continue
		}
		if !verifyIndexChecksum(blk) {
			continue
		}
		if h.Seq == 0 {
			continue
		}
		if int(h.MyOff) != off || int(h.MySize) != nsindexSize {
			continue
		}
		if int(h.OtherOff) != (1-i)*nsindexSize {
			continue
		}
		if int(h.NSlot) != wantNslot {
			continue
		}
		headers[i] = h
		bitmaps[i] = blk[IndexHeaderSize : IndexHeaderSize+(wantNslot+7)/8]
		validCount++
	}
	if validCount == 0 {
		return nil, false
	}

	var cur, other int
	switch {
	case headers[0] == nil:
		cur, other = 1, 0
	case headers[1] == nil:
		cur, other = 0, 1
	default:
		if bestSeq(headers[0].Seq, headers[1].Seq) == headers[1].Seq {
			cur, other = 1, 0
		} else {
			cur, other = 0, 1
		}
	}

	v := &Validated{
		CurrentIdx:  cur,
		Current:     headers[cur],
		NslabelSize: nslabelSize,
		NsindexSize: nsindexSize,
		Nslot:       wantNslot,
		bitmaps:     bitmaps,
	}
	if headers[other] != nil {
		v.Other = headers[other]
	}
	return v, true
}

// Validate tries both candidate
// label sizes (128, 256), returning the best-of-two index-block pair, or
// reporting the store "unformatted" when neither candidate parses.
func Validate(area *LabelArea) (*Validated, error) {
	if area == nil {
		return nil, ndctlerr.New(ndctlerr.KindInvalidArgument, "", fmt.Errorf("nil label area"))
	}
	for _, sz := range []int{LabelV1_2Size, LabelV1_1Size} {
		if v, ok := tryParseAt(area.raw, area.configSize, sz); ok {
			return v, nil
		}
	}
	return nil, ndctlerr.New(ndctlerr.KindCorrupt, "", fmt.Errorf("label area is unformatted: no valid index block pair"))
}

// Label is the domain-level (version-independent) view of a namespace
// label, decoded from either LabelV1_1 or LabelV1_2.
type Label struct {
	UUID            [16]byte
	Name            [64]byte
	Flags           uint32
	NLabel          uint16
	Position        uint16
	ISetCookie      uint64
	LBASize         uint64
	DPA             uint64
	RawSize         uint64
	Slot            uint32
	TypeGUID        [16]byte
	AbstractionGUID [16]byte
}

func decodeLabel(raw []byte, nslabelSize int) (*Label, error) {
	l := &Label{}
	if nslabelSize == LabelV1_1Size {
		var on LabelV1_1
		if _, err := binstruct.Unmarshal(raw, &on); err != nil {
			return nil, err
		}
		l.UUID, l.Name, l.Flags = on.UUID, on.Name, on.Flags
		l.NLabel, l.Position = on.NLabel, on.Position
		l.ISetCookie, l.LBASize, l.DPA, l.RawSize = on.ISetCookie, on.LBASize, on.DPA, on.RawSize
		l.Slot = on.Slot
		return l, nil
	}
	var on LabelV1_2
	if _, err := binstruct.Unmarshal(raw, &on); err != nil {
		return nil, err
	}
	l.UUID, l.Name, l.Flags = on.UUID, on.Name, on.Flags
	l.NLabel, l.Position = on.NLabel, on.Position
	l.ISetCookie, l.LBASize, l.DPA, l.RawSize = on.ISetCookie, on.LBASize, on.DPA, on.RawSize
	l.Slot = on.Slot
	l.TypeGUID, l.AbstractionGUID = on.TypeGUID, on.AbstractionGUID
	return l, nil
}

func encodeLabel(l *Label, nslabelSize int) ([]byte, error) {
	if nslabelSize == LabelV1_1Size {
		on := LabelV1_1{
			UUID: l.UUID, Name: l.Name, Flags: l.Flags,
			NLabel: l.NLabel, Position: l.Position,
			ISetCookie: l.ISetCookie, LBASize: l.LBASize, DPA: l.DPA, RawSize: l.RawSize,
			Slot: l.Slot,
		}
		return binstruct.Marshal(on)
	}
	on := LabelV1_2{
		UUID: l.UUID, Name: l.Name, Flags: l.Flags,
		NLabel: l.NLabel, Position: l.Position,
		ISetCookie: l.ISetCookie, LBASize: l.LBASize, DPA: l.DPA, RawSize: l.RawSize,
		Slot: l.Slot, TypeGUID: l.TypeGUID, AbstractionGUID: l.AbstractionGUID,
	}
	return binstruct.Marshal(on)
}

// IterateLabels walks the slot array in ascending index order and yields
// the label at each slot whose on-disk Slot field matches its physical
// position (labels whose Slot field mismatches are stale
// and skipped). fn returning false stops iteration early.
func IterateLabels(area *LabelArea, v *Validated, fn func(slot int, label *Label) bool) error {
	if area == nil || v == nil {
		return ndctlerr.New(ndctlerr.KindInvalidArgument, "", fmt.Errorf("nil label area or validation result"))
	}
	slotArrayOff := 2 * v.NsindexSize
	for slot := 0; slot < v.Nslot; slot++ {
		if bitmapFree(v.CurrentBitmap(), slot) {
			continue
		}
		off := slotArrayOff + slot*v.NslabelSize
		if off+v.NslabelSize > len(area.raw) {
			return ndctlerr.New(ndctlerr.KindCorrupt, "", fmt.Errorf("slot %d out of range", slot))
		}
		label, err := decodeLabel(area.raw[off:off+v.NslabelSize], v.NslabelSize)
		if err != nil {
			return err
		}
		if int(label.Slot) != slot {
			continue
		}
		if !fn(slot, label) {
			break
		}
	}
	return nil
}

// AllLabels is a convenience wrapper over IterateLabels collecting every
// live label along with its slot index.
func AllLabels(area *LabelArea, v *Validated) ([]int, []*Label, error) {
	var slots []int
	var labels []*Label
	err := IterateLabels(area, v, func(slot int, label *Label) bool {
		slots = append(slots, slot)
		labels = append(labels, label)
		return true
	})
	return slots, labels, err
}

// InitLabels writes two fresh index blocks across the dimm's config area
// and returns the resulting slot count: block index 1 is
// written first with sequence 1, then block index 0 with sequence 3, so
// that index 0 is current and a crash between the two writes still leaves
// exactly one valid, current block.
func InitLabels(ctx context.Context, cio ConfigIO, version Version) (nslot int, err error) {
	configSize, _, err := cio.ConfigSize(ctx)
	if err != nil {
		return 0, ndctlerr.WithDevice(cio.Name(), err)
	}
	nslabelSize := version.labelSize()
	nsindexSize, n := computeIndexGeometry(configSize, nslabelSize)
	if n <= 0 {
		return 0, ndctlerr.New(ndctlerr.KindInvalidArgument, cio.Name(),
			fmt.Errorf("config area of %d bytes is too small for any %d-byte labels", configSize, nslabelSize))
	}

	raw := make([]byte, configSize)
	bitmapSize := (n + 7) / 8
	labelSizeCode := uint8(0)
	if version == V1_2 {
		// LabelSize = 1 << (7+code); 256 = 1<<8 => code=1.
		labelSizeCode = 1
	}

	build := func(idx int, seq uint32) {
		off := idx * nsindexSize
		blk := raw[off : off+nsindexSize]
		h := IndexHeader{
			Signature:     Signature,
			LabelSizeCode: labelSizeCode,
			Seq:           seq,
			MyOff:         uint64(off),
			MySize:        uint64(nsindexSize),
			OtherOff:      uint64((1 - idx) * nsindexSize),
			LabelOff:      uint64(2 * nsindexSize),
			NSlot:         uint32(n),
			Major:         1,
			Minor:         1,
		}
		hdrBytes, _ := binstruct.Marshal(h)
		copy(blk, hdrBytes)
		// Free bitmap: all slots free (bit=1).
		for i := 0; i < bitmapSize; i++ {
			blk[IndexHeaderSize+i] = 0xff
		}
		// Clear any trailing bits beyond nslot within the last byte.
		if rem := n % 8; rem != 0 && bitmapSize > 0 {
			mask := byte(1<<uint(rem)) - 1
			blk[IndexHeaderSize+bitmapSize-1] &= mask
		}
		storeIndexChecksum(blk)
	}

	// Write the non-current block (index 1, seq 1) first so a torn
	// write still leaves index 0 (not yet rewritten, still all-zero ->
	// invalid) or index 1 valid but not current; then write index 0
	// last with seq 3 so it becomes current only once durable.
	build(1, 1)
	if err := cio.WriteConfig(ctx, raw); err != nil {
		return 0, ndctlerr.New(ndctlerr.KindMedia, cio.Name(), err)
	}
	build(0, 3)
	if err := cio.WriteConfig(ctx, raw); err != nil {
		return 0, ndctlerr.New(ndctlerr.KindMedia, cio.Name(), err)
	}

	dlog.Infof(ctx, "nslabel: initialized labels on %s: version=%v nslot=%d nsindex_size=%d",
		cio.Name(), version, n, nsindexSize)
	return n, nil
}

// ZeroLabels writes zeros across the entire config area and, if the dimm
// is currently enabled, bounces its bind state so the driver re-reads the
// (now empty) label area.
func ZeroLabels(ctx context.Context, cio ConfigIO, dc DriverControl) error {
	configSize, _, err := cio.ConfigSize(ctx)
	if err != nil {
		return ndctlerr.WithDevice(cio.Name(), err)
	}
	if err := cio.WriteConfig(ctx, make([]byte, configSize)); err != nil {
		return ndctlerr.New(ndctlerr.KindMedia, cio.Name(), err)
	}
	if dc != nil && dc.Enabled(ctx) {
		if err := dc.Bounce(ctx); err != nil {
			return ndctlerr.WithDevice(cio.Name(), err)
		}
	}
	dlog.Infof(ctx, "nslabel: zeroed labels on %s", cio.Name())
	return nil
}

// ScratchSlot returns the slot index the driver treats as reserved scratch
// space for atomic label updates, and whether the store has at least one
// free slot to serve as it. The on-media format does not mark a specific
// slot as scratch; by convention (and to keep AvailableLabels' "+1" rule
// testable) it is whichever free slot sorts last.
func (v *Validated) ScratchSlot() (slot int, ok bool) {
	for s := v.Nslot - 1; s >= 0; s-- {
		if bitmapFree(v.CurrentBitmap(), s) {
			return s, true
		}
	}
	return 0, false
}

// AvailableLabels reports the driver's count of unallocated slots, as
// returned by DriverControl.AvailableSlots. The driver reserves one slot
// as scratch space for atomic updates, and that slot is already left out
// of the count; callers comparing against a freshly-initialized nslot
// should add one back.
func AvailableLabels(ctx context.Context, dc DriverControl) (int, error) {
	return dc.AvailableSlots(ctx)
}

// CommitLabelWrite regenerates the label area: it rewrites the non-current
// index block (bumping its sequence to the next one in the cycle, which
// makes it current) together with a mutated copy of the slot array, and
// writes the whole area back in one ConfigIO.WriteConfig call. mutate is
// handed the slot array and the writable copy of the bitmap that will
// become current; it allocates or frees slots and writes/erases label
// records as needed. The previously-current block is
// left untouched on disk until the call succeeds, so a reader racing the
// write still observes a valid, self-consistent area either before or
// after.
func CommitLabelWrite(ctx context.Context, cio ConfigIO, area *LabelArea, v *Validated, mutate func(slotArray []byte, bitmap []byte)) error {
	raw := append([]byte(nil), area.raw...)
	otherIdx := 1 - v.CurrentIdx
	otherOff := otherIdx * v.NsindexSize
	bitmapOff := otherOff + IndexHeaderSize
	bitmapSize := (v.Nslot + 7) / 8

	// Seed the new "other" block from the current one so unrelated
	// slots/labels survive untouched.
	copy(raw[otherOff:otherOff+v.NsindexSize], area.raw[v.CurrentIdx*v.NsindexSize:v.CurrentIdx*v.NsindexSize+v.NsindexSize])
	copy(raw[2*v.NsindexSize:], area.raw[2*v.NsindexSize:])

	mutate(raw[2*v.NsindexSize:], raw[bitmapOff:bitmapOff+bitmapSize])

	newSeq := incSeq(v.Current.Seq)
	hdrBlk := raw[otherOff : otherOff+v.NsindexSize]
	var h IndexHeader
	if _, err := binstruct.Unmarshal(hdrBlk[:IndexHeaderSize], &h); err != nil {
		return err
	}
	h.Seq = newSeq
	h.MyOff = uint64(otherOff)
	h.OtherOff = uint64(v.CurrentIdx * v.NsindexSize)
	hdrBytes, err := binstruct.Marshal(h)
	if err != nil {
		return err
	}
	copy(hdrBlk, hdrBytes)
	storeIndexChecksum(hdrBlk)

	if err := cio.WriteConfig(ctx, raw); err != nil {
		return ndctlerr.New(ndctlerr.KindMedia, cio.Name(), err)
	}
	dlog.Debugf(ctx, "nslabel: committed new label generation on %s: index=%d seq=%d", cio.Name(), otherIdx, newSeq)
	return nil
}

// AllocateSlot picks a free slot (preferring the lowest index, leaving the
// ScratchSlot convention's highest-index slot free when alternatives
// exist), marks it used, and writes label into it as part of the same
// CommitLabelWrite generation.
func AllocateSlot(ctx context.Context, cio ConfigIO, area *LabelArea, v *Validated, label *Label) (slot int, err error) {
	slot = -1
	for s := 0; s < v.Nslot; s++ {
		if bitmapFree(v.CurrentBitmap(), s) {
			slot = s
			break
		}
	}
	if slot < 0 {
		return 0, ndctlerr.New(ndctlerr.KindNotFound, cio.Name(), fmt.Errorf("no free label slots"))
	}
	label.Slot = uint32(slot)
	encoded, err := encodeLabel(label, v.NslabelSize)
	if err != nil {
		return 0, err
	}
	err = CommitLabelWrite(ctx, cio, area, v, func(slotArray, bitmap []byte) {
		setBitmapBit(bitmap, slot, false)
		copy(slotArray[slot*v.NslabelSize:(slot+1)*v.NslabelSize], encoded)
	})
	if err != nil {
		return 0, err
	}
	return slot, nil
}

// FreeSlot marks slot free in a new label generation. The slot's label
// bytes are left as-is on disk (only reachable labels are iterated by
// IterateLabels, and a future allocation will overwrite them).
func FreeSlot(ctx context.Context, cio ConfigIO, area *LabelArea, v *Validated, slot int) error {
	if slot < 0 || slot >= v.Nslot {
		return ndctlerr.New(ndctlerr.KindInvalidArgument, cio.Name(), fmt.Errorf("slot %d out of range [0,%d)", slot, v.Nslot))
	}
	return CommitLabelWrite(ctx, cio, area, v, func(_ []byte, bitmap []byte) {
		setBitmapBit(bitmap, slot, true)
	})
}
