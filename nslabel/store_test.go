// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package nslabel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeConfigIO is an in-memory ConfigIO/DriverControl: a []byte wrapped
// in a fake for tests rather than exercising a real device node.
type fakeConfigIO struct {
	name    string
	buf     []byte
	maxXfer int
	enabled bool
	bounces int
}

func newFakeConfigIO(name string, size int) *fakeConfigIO {
	return &fakeConfigIO{name: name, buf: make([]byte, size), maxXfer: 128, enabled: true}
}

func (f *fakeConfigIO) Name() string { return f.name }

func (f *fakeConfigIO) ConfigSize(ctx context.Context) (int, int, error) {
	return len(f.buf), f.maxXfer, nil
}

func (f *fakeConfigIO) ReadConfig(ctx context.Context) ([]byte, error) {
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	return out, nil
}

func (f *fakeConfigIO) WriteConfig(ctx context.Context, data []byte) error {
	copy(f.buf, data)
	return nil
}

func (f *fakeConfigIO) Enabled(ctx context.Context) bool { return f.enabled }

func (f *fakeConfigIO) Bounce(ctx context.Context) error {
	f.bounces++
	return nil
}

func (f *fakeConfigIO) AvailableSlots(ctx context.Context) (int, error) {
	area, err := ReadLabelArea(context.Background(), f)
	if err != nil {
		return 0, err
	}
	v, err := Validate(area)
	if err != nil {
		return 0, err
	}
	used := 0
	for s := 0; s < v.Nslot; s++ {
		if !bitmapFree(v.CurrentBitmap(), s) {
			used++
		}
	}
	// one slot is always reserved by the driver as scratch.
	return v.Nslot - used - 1, nil
}

func TestBestSeqCycle(t *testing.T) {
	cases := []struct {
		a, b, want uint32
	}{
		{0, 1, 1},
		{1, 3, 3},
		{3, 2, 2},
		{2, 1, 1},
		{1, 1, 1},
		{0, 0, 0},
	}
	for _, c := range cases {
		require.Equal(t, c.want, bestSeq(c.a, c.b), "bestSeq(%d,%d)", c.a, c.b)
	}
}

func TestInitLabelsAndAvailable(t *testing.T) {
	ctx := context.Background()
	dimm := newFakeConfigIO("nmem0", 128*1024)

	n, err := InitLabels(ctx, dimm, V1_2)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	require.NoError(t, dimm.Bounce(ctx))
	avail, err := AvailableLabels(ctx, dimm)
	require.NoError(t, err)
	require.Equal(t, n-1, avail)

	area, err := ReadLabelArea(ctx, dimm)
	require.NoError(t, err)
	v, err := Validate(area)
	require.NoError(t, err)
	require.Equal(t, 0, v.CurrentIdx)
	require.EqualValues(t, 3, v.Current.Seq)
	require.NotNil(t, v.Other)
	require.EqualValues(t, 1, v.Other.Seq)
}

func TestIndexChecksumInvariant(t *testing.T) {
	ctx := context.Background()
	dimm := newFakeConfigIO("nmem0", 128*1024)
	_, err := InitLabels(ctx, dimm, V1_1)
	require.NoError(t, err)

	area, err := ReadLabelArea(ctx, dimm)
	require.NoError(t, err)
	v, err := Validate(area)
	require.NoError(t, err)

	require.True(t, verifyIndexChecksum(area.raw[:v.NsindexSize]))
	require.True(t, verifyIndexChecksum(area.raw[v.NsindexSize : 2*v.NsindexSize]))
}

func TestAllocateAndFreeSlotRoundTrip(t *testing.T) {
	ctx := context.Background()
	dimm := newFakeConfigIO("nmem0", 128*1024)
	_, err := InitLabels(ctx, dimm, V1_2)
	require.NoError(t, err)

	area, err := ReadLabelArea(ctx, dimm)
	require.NoError(t, err)
	v, err := Validate(area)
	require.NoError(t, err)

	label := &Label{RawSize: 1 << 20, DPA: 0, Position: 0}
	label.UUID = [16]byte{1, 2, 3, 4}
	slot, err := AllocateSlot(ctx, dimm, area, v, label)
	require.NoError(t, err)

	area2, err := ReadLabelArea(ctx, dimm)
	require.NoError(t, err)
	v2, err := Validate(area2)
	require.NoError(t, err)
	require.NotEqual(t, v.CurrentIdx, v2.CurrentIdx)

	slots, labels, err := AllLabels(area2, v2)
	require.NoError(t, err)
	require.Equal(t, []int{slot}, slots)
	require.Equal(t, label.UUID, labels[0].UUID)

	require.NoError(t, FreeSlot(ctx, dimm, area2, v2, slot))
	area3, err := ReadLabelArea(ctx, dimm)
	require.NoError(t, err)
	v3, err := Validate(area3)
	require.NoError(t, err)
	slots3, _, err := AllLabels(area3, v3)
	require.NoError(t, err)
	require.Empty(t, slots3)
}
