// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ars

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmem/ndctl-go/ndctl/transport"
	"github.com/pmem/ndctl-go/ndctlerr"
)

// the fake firmware below pokes at the raw ioctl buffer the way real
// firmware would, independent of however Cmd happens to marshal its
// requests.
var binaryLE = binary.LittleEndian

// fakeFirmware backs a FakeAttrIO.Handler with just enough of an ARS
// state machine to exercise Cmd against: a capability range, a set of
// "bad" sectors it reports via ars_status, and a flag recording whether
// ars_start was issued (ars_status reports the records either way).
type fakeFirmware struct {
	capAddr, capLen uint64
	clearErrUnit    uint32
	supported       ScrubType
	scrubStarted    bool
	badRanges       []Record
	cleared         map[uint64]uint64
}

func (fw *fakeFirmware) handle(devNode string, req uintptr, data []byte) error {
	switch req {
	case cmdArsCap:
		binaryLE.PutUint32(data[16:20], uint32(fw.supported)<<arsExtStatusShift)
		binaryLE.PutUint32(data[20:24], 8+16*uint32(len(fw.badRanges)))
		return nil
	case cmdArsStart:
		fw.scrubStarted = true
		return nil
	case cmdArsStatus:
		binaryLE.PutUint32(data[0:4], 0)
		binaryLE.PutUint32(data[4:8], uint32(len(fw.badRanges)))
		off := 8
		for _, r := range fw.badRanges {
			binaryLE.PutUint64(data[off:off+8], r.Address)
			binaryLE.PutUint64(data[off+8:off+16], r.Length)
			off += 16
		}
		return nil
	case cmdClearErr:
		address := binaryLE.Uint64(data[0:8])
		length := binaryLE.Uint64(data[8:16])
		if fw.cleared == nil {
			fw.cleared = make(map[uint64]uint64)
		}
		fw.cleared[address] = length
		binaryLE.PutUint64(data[16:24], length)
		return nil
	}
	return nil
}

func newFakeCmd(fw *fakeFirmware) (*Cmd, *transport.FakeAttrIO) {
	fake := transport.NewFakeAttrIO()
	fake.Handler = fw.handle
	return NewCmd(fake, "/dev/nmem0"), fake
}

func TestArsCapStartStatusRoundTrip(t *testing.T) {
	fw := &fakeFirmware{
		capAddr: 0x1000, capLen: 0x10000,
		supported: ScrubShort | ScrubLong,
		badRanges: []Record{
			{Address: 0x2000, Length: 0x200},
		},
	}
	cmd, _ := newFakeCmd(fw)

	cap, err := cmd.ArsCap(fw.capAddr, fw.capLen)
	require.NoError(t, err)
	assert.Equal(t, fw.capAddr, cap.Address)
	assert.True(t, cap.SupportedTypes&ScrubShort != 0)

	require.NoError(t, cmd.ArsStart(cap, ScrubShort))
	assert.True(t, fw.scrubStarted)

	status, err := cmd.ArsStatus(cap)
	require.NoError(t, err)
	assert.False(t, status.InProgress)
	require.Len(t, status.Records, 1)
	assert.Equal(t, uint64(0x2000), status.Records[0].Address)
}

func TestArsStartRejectsUnsupportedType(t *testing.T) {
	fw := &fakeFirmware{supported: ScrubShort}
	cmd, _ := newFakeCmd(fw)
	cap, err := cmd.ArsCap(0, 0x1000)
	require.NoError(t, err)

	err = cmd.ArsStart(cap, ScrubLong)
	require.Error(t, err)
	assert.True(t, ndctlerr.Is(err, ndctlerr.KindNotSupported))
	assert.False(t, fw.scrubStarted)
}

func TestArsStartRejectsIncompleteCap(t *testing.T) {
	fw := &fakeFirmware{supported: ScrubShort}
	cmd, _ := newFakeCmd(fw)
	cap := &Cap{Status: 1, SupportedTypes: ScrubShort}
	err := cmd.ArsStart(cap, ScrubShort)
	require.Error(t, err)
	assert.True(t, ndctlerr.Is(err, ndctlerr.KindInvalidArgument))
}

func TestArsStatusRejectsZeroMaxArsOut(t *testing.T) {
	fw := &fakeFirmware{}
	cmd, _ := newFakeCmd(fw)
	cap := &Cap{MaxArsOut: 0}
	_, err := cmd.ArsStatus(cap)
	require.Error(t, err)
	assert.True(t, ndctlerr.Is(err, ndctlerr.KindInvalidArgument))
}

func TestClearErrorValidatesRangeAndAlignment(t *testing.T) {
	fw := &fakeFirmware{}
	cmd, _ := newFakeCmd(fw)
	cap := &Cap{Address: 0x1000, Length: 0x1000, ClearErrUnit: 512}

	// out of range
	_, err := cmd.ClearError(0x2000, 0x200, cap)
	require.Error(t, err)
	assert.True(t, ndctlerr.Is(err, ndctlerr.KindInvalidArgument))

	// misaligned
	_, err = cmd.ClearError(0x1001, 0x200, cap)
	require.Error(t, err)
	assert.True(t, ndctlerr.Is(err, ndctlerr.KindInvalidArgument))

	// in range and aligned
	cleared, err := cmd.ClearError(0x1000, 0x200, cap)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x200), cleared)
	assert.Equal(t, uint64(0x200), fw.cleared[0x1000])
}

func TestClearErrorRejectsNonPowerOfTwoUnit(t *testing.T) {
	fw := &fakeFirmware{}
	cmd, _ := newFakeCmd(fw)
	cap := &Cap{Address: 0, Length: 0x1000, ClearErrUnit: 3}
	_, err := cmd.ClearError(0, 3, cap)
	require.Error(t, err)
	assert.True(t, ndctlerr.Is(err, ndctlerr.KindInvalidArgument))
}

func TestTrackerCoalescesOverlappingAndAdjacentExtents(t *testing.T) {
	var tr Tracker
	tr.Add(0x1000, 0x200) // [0x1000, 0x1200)
	tr.Add(0x1200, 0x100) // adjacent, merges to [0x1000, 0x1300)
	tr.Add(0x2000, 0x100) // disjoint
	tr.Add(0x1100, 0x300) // overlaps first run, extends to [0x1000, 0x1400)

	got := tr.Extents()
	require.Len(t, got, 2)
	assert.Equal(t, Extent{Address: 0x1000, Length: 0x400}, got[0])
	assert.Equal(t, Extent{Address: 0x2000, Length: 0x100}, got[1])
}

func TestTrackerOverlaps(t *testing.T) {
	var tr Tracker
	tr.Add(0x1000, 0x200)
	tr.Add(0x3000, 0x200)

	hits := tr.Overlaps(0x1100, 0x1000)
	require.Len(t, hits, 1)
	assert.Equal(t, uint64(0x1000), hits[0].Address)

	assert.Empty(t, tr.Overlaps(0x5000, 0x100))
}

func TestInjectNamespaceErrorRejectsOutOfBounds(t *testing.T) {
	fw := &fakeFirmware{}
	cmd, _ := newFakeCmd(fw)
	cap := &Cap{Address: 0x10000, Length: 0x100000, ClearErrUnit: 512}
	var tr Tracker

	_, err := InjectNamespaceError(cmd, cap, &tr, 0x10000, 0x1000 /* nsSize */, 10 /* block */, 100 /* count, past end */)
	require.Error(t, err)
	assert.True(t, ndctlerr.Is(err, ndctlerr.KindInvalidArgument))
	assert.Empty(t, tr.Extents())
}

func TestInjectNamespaceErrorClearsAndTracks(t *testing.T) {
	fw := &fakeFirmware{}
	cmd, _ := newFakeCmd(fw)
	cap := &Cap{Address: 0x10000, Length: 0x100000, ClearErrUnit: 512}
	var tr Tracker

	cleared, err := InjectNamespaceError(cmd, cap, &tr, 0x10000, 0x10000, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4*512), cleared)

	hits := tr.Overlaps(0x10000+2*512, 1)
	require.Len(t, hits, 1)
}
