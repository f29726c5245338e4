// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmem/ndctl-go/ndctl"
	"github.com/pmem/ndctl-go/ndctlerr"
	"github.com/pmem/ndctl-go/nslabel"
)

func TestCreateRejectsMisalignedSize(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	region := ndctl.NewRegion(0, ndctl.RegionPmem, 1<<30)
	_, err := Create(ctx, region, CreateOptions{
		Mode: ndctl.ModeSafe,
		Size: 511,
	})
	require.Error(t, err)
	assert.True(t, ndctlerr.Is(err, ndctlerr.KindInvalidArgument))
}

func TestCreateSafeModeAttachesBttHolder(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	region := ndctl.NewRegion(0, ndctl.RegionPmem, 1<<30)
	ns, err := Create(ctx, region, CreateOptions{
		Mode: ndctl.ModeSafe,
		Size: 1 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, ndctl.HolderBtt, ns.Holder)
	require.NotNil(t, ns.Btt)
	assert.Same(t, ns, ns.Btt.Namespace)
	assert.Equal(t, uint64(1<<30-1<<20), region.AvailableSize())
}

func TestCreateMemoryModeDefaultAlignFollowsBaseResourceAlignment(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)

	aligned := ndctl.NewRegion(0, ndctl.RegionPmem, 1<<30)
	aligned.BaseResource = 2 << 20
	ns, err := Create(ctx, aligned, CreateOptions{Mode: ndctl.ModeMemory, Size: 2 << 20, Map: "mem"})
	require.NoError(t, err)
	require.NotNil(t, ns.Pfn)
	assert.Equal(t, uint64(2<<20), ns.Pfn.Align)
	assert.Equal(t, ndctl.PfnLocationRAM, ns.Pfn.Location)

	unaligned := ndctl.NewRegion(1, ndctl.RegionPmem, 1<<30)
	unaligned.BaseResource = (2 << 20) + 4096
	ns2, err := Create(ctx, unaligned, CreateOptions{Mode: ndctl.ModeMemory, Size: 4096, Map: "dev"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), ns2.Pfn.Align)
	assert.Equal(t, ndctl.PfnLocationPmem, ns2.Pfn.Location)
}

func TestCreateRejectsSizeExceedingAvailable(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	region := ndctl.NewRegion(0, ndctl.RegionPmem, 1<<20)
	_, err := Create(ctx, region, CreateOptions{Mode: ndctl.ModeSafe, Size: 1<<20 + 512})
	require.Error(t, err)
	assert.True(t, ndctlerr.Is(err, ndctlerr.KindInvalidArgument))
}

func TestReconfigRejectsEnabledNamespace(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	region := ndctl.NewRegion(0, ndctl.RegionPmem, 1<<30)
	ns, err := Create(ctx, region, CreateOptions{Mode: ndctl.ModeSafe, Size: 1 << 20})
	require.NoError(t, err)
	ns.Enabled = true

	err = Reconfig(ctx, ns, ReconfigOptions{Mode: ndctl.ModeRaw})
	require.Error(t, err)
	assert.True(t, ndctlerr.Is(err, ndctlerr.KindBusy))
}

func TestDestroyRequiresForceWhenEnabled(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	region := ndctl.NewRegion(0, ndctl.RegionPmem, 1<<30)
	ns, err := Create(ctx, region, CreateOptions{Mode: ndctl.ModeSafe, Size: 1 << 20})
	require.NoError(t, err)
	ns.Enabled = true

	err = Destroy(ctx, region, ns, false)
	require.Error(t, err)
	assert.True(t, ndctlerr.Is(err, ndctlerr.KindBusy))

	require.NoError(t, Destroy(ctx, region, ns, true))
	assert.False(t, ns.Enabled)
	assert.Empty(t, region.Namespaces())
	assert.Equal(t, uint64(1<<30), region.AvailableSize())
}

func TestEnableRejectsStaleNamespace(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	region := ndctl.NewRegion(0, ndctl.RegionPmem, 1<<30)
	ns, err := Create(ctx, region, CreateOptions{Mode: ndctl.ModeSafe, Size: 1 << 20})
	require.NoError(t, err)

	region.Disable()
	err = Enable(ctx, ns)
	require.Error(t, err)
	assert.True(t, ndctlerr.Is(err, ndctlerr.KindStale))
}

func TestEnableSucceedsOnFreshNamespace(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	region := ndctl.NewRegion(0, ndctl.RegionPmem, 1<<30)
	ns, err := Create(ctx, region, CreateOptions{Mode: ndctl.ModeSafe, Size: 1 << 20})
	require.NoError(t, err)
	require.NoError(t, Enable(ctx, ns))
	assert.True(t, ns.Enabled)
}

type fakeOpener struct {
	fail   bool
	opened bool
	closed bool
}

func (o *fakeOpener) OpenExclusive(devNode string) (func(), error) {
	if o.fail {
		return nil, errors.New("device busy")
	}
	o.opened = true
	return func() { o.closed = true }, nil
}

func TestDisableSafeOpensExclusivelyThenDisables(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	region := ndctl.NewRegion(0, ndctl.RegionPmem, 1<<30)
	ns, err := Create(ctx, region, CreateOptions{Mode: ndctl.ModeSafe, Size: 1 << 20})
	require.NoError(t, err)
	ns.Enabled = true

	opener := &fakeOpener{}
	require.NoError(t, DisableSafe(ctx, opener, region, ns))
	assert.True(t, opener.opened)
	assert.True(t, opener.closed)
	assert.False(t, ns.Enabled)
}

func TestDisableSafeNoOpWhenAlreadyDisabled(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	region := ndctl.NewRegion(0, ndctl.RegionPmem, 1<<30)
	ns, err := Create(ctx, region, CreateOptions{Mode: ndctl.ModeSafe, Size: 1 << 20})
	require.NoError(t, err)

	opener := &fakeOpener{}
	require.NoError(t, DisableSafe(ctx, opener, region, ns))
	assert.False(t, opener.opened)
}

func TestDisableSafePropagatesExclusiveOpenFailure(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	region := ndctl.NewRegion(0, ndctl.RegionPmem, 1<<30)
	ns, err := Create(ctx, region, CreateOptions{Mode: ndctl.ModeSafe, Size: 1 << 20})
	require.NoError(t, err)
	ns.Enabled = true

	opener := &fakeOpener{fail: true}
	err = DisableSafe(ctx, opener, region, ns)
	require.Error(t, err)
	assert.True(t, ndctlerr.Is(err, ndctlerr.KindBusy))
	assert.True(t, ns.Enabled)
}

// fakeDimm is a minimal nslabel.ConfigIO + nslabel.DriverControl stand-in
// backed by an in-memory config area, used to exercise AutolabelVersion
// without a real Dimm/transport stack.
type fakeDimm struct {
	buf          []byte
	availSlots   int
	bounceCalled int
}

var _ nslabel.ConfigIO = (*fakeDimm)(nil)
var _ nslabel.DriverControl = (*fakeDimm)(nil)

func (f *fakeDimm) Name() string { return "nmem0" }
func (f *fakeDimm) ConfigSize(ctx context.Context) (int, int, error) {
	return len(f.buf), 128, nil
}
func (f *fakeDimm) ReadConfig(ctx context.Context) ([]byte, error) {
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	return out, nil
}
func (f *fakeDimm) WriteConfig(ctx context.Context, data []byte) error {
	copy(f.buf, data)
	return nil
}
func (f *fakeDimm) Enabled(ctx context.Context) bool { return true }
func (f *fakeDimm) Bounce(ctx context.Context) error {
	f.bounceCalled++
	return nil
}
func (f *fakeDimm) AvailableSlots(ctx context.Context) (int, error) {
	return f.availSlots, nil
}

func TestAutolabelVersionAcceptsV1_2WhenSlotCountAgrees(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	fd := &fakeDimm{buf: make([]byte, 128*1024)}
	nslot, err := nslabel.InitLabels(ctx, fd, nslabel.V1_2)
	require.NoError(t, err)
	fd.availSlots = nslot - 1 // one slot reserved, as expected

	version, gotNslot, err := AutolabelVersion(ctx, fd, fd)
	require.NoError(t, err)
	assert.Equal(t, nslabel.V1_2, version)
	assert.Equal(t, nslot, gotNslot)
}

func TestAutolabelVersionFallsBackOnSlotDisagreement(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	fd := &fakeDimm{buf: make([]byte, 128*1024)}
	fd.availSlots = 0 // disagrees by more than the expected one-slot reserve

	version, _, err := AutolabelVersion(ctx, fd, fd)
	require.NoError(t, err)
	assert.Equal(t, nslabel.V1_1, version)

	// the driver was bounced once, after the v1.2 init; the v1.1 fallback
	// is not followed by a second bounce
	assert.Equal(t, 1, fd.bounceCalled)
}
