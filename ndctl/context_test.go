// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ndctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmem/ndctl-go/ndctl/transport"
	"github.com/pmem/ndctl-go/ndctlerr"
)

func TestNewContextRejectsNilAttrIO(t *testing.T) {
	_, err := NewContext(Config{})
	require.Error(t, err)
	assert.True(t, ndctlerr.Is(err, ndctlerr.KindInvalidArgument))
}

func TestBusesTriggersEnumerateOnlyOnce(t *testing.T) {
	fake := transport.NewFakeAttrIO()
	calls := 0
	ctx, err := NewContext(Config{
		AttrIO: fake,
		Enumerate: func(c *Context) error {
			calls++
			c.AddBus(NewBus("nfit_test.0"))
			return nil
		},
	})
	require.NoError(t, err)

	buses := ctx.Buses()
	require.Len(t, buses, 1)
	assert.Equal(t, "nfit_test.0", buses[0].Provider)
	assert.Same(t, ctx, buses[0].Context())

	// second call must not re-run Enumerate or duplicate buses
	buses2 := ctx.Buses()
	assert.Len(t, buses2, 1)
	assert.Equal(t, 1, calls)
}

func TestBusesWithoutEnumerateReturnsManuallyAddedBuses(t *testing.T) {
	fake := transport.NewFakeAttrIO()
	ctx, err := NewContext(Config{AttrIO: fake})
	require.NoError(t, err)

	ctx.AddBus(NewBus("papr_scm"))
	buses := ctx.Buses()
	require.Len(t, buses, 1)
	assert.Equal(t, "papr_scm", buses[0].Provider)
}

func TestBusSupportsCommand(t *testing.T) {
	b := NewBus("nfit_test.0")
	b.CmdMask = 1<<2 | 1<<5
	assert.True(t, b.SupportsCommand(2))
	assert.True(t, b.SupportsCommand(5))
	assert.False(t, b.SupportsCommand(3))
}

func TestAddBusIsIdempotentByProvider(t *testing.T) {
	fake := transport.NewFakeAttrIO()
	ctx, err := NewContext(Config{AttrIO: fake})
	require.NoError(t, err)

	ctx.AddBus(NewBus("nfit_test.0"))
	ctx.AddBus(NewBus("nfit_test.0"))
	ctx.AddBus(NewBus("papr_scm"))

	assert.Len(t, ctx.Buses(), 2)
}

func TestBusAddDimmAndRegionIsIdempotentByID(t *testing.T) {
	fake := transport.NewFakeAttrIO()
	ctx, err := NewContext(Config{AttrIO: fake})
	require.NoError(t, err)
	b := NewBus("nfit_test.0")
	ctx.AddBus(b)

	b.AddDimm(&Dimm{ID: 0})
	b.AddDimm(&Dimm{ID: 0})
	b.AddDimm(&Dimm{ID: 1})
	assert.Len(t, b.Dimms(), 2)

	b.AddRegion(NewRegion(0, RegionPmem, 1<<20))
	b.AddRegion(NewRegion(0, RegionPmem, 1<<20))
	assert.Len(t, b.Regions(), 1)
}

func TestBusAddDimmAndRegion(t *testing.T) {
	fake := transport.NewFakeAttrIO()
	ctx, err := NewContext(Config{AttrIO: fake})
	require.NoError(t, err)
	b := NewBus("nfit_test.0")
	ctx.AddBus(b)

	d := &Dimm{ID: 0}
	b.AddDimm(d)
	r := NewRegion(0, RegionPmem, 1<<20)
	b.AddRegion(r)

	assert.Same(t, b, d.Bus())
	assert.Same(t, b, r.Bus())
	assert.Len(t, b.Dimms(), 1)
	assert.Len(t, b.Regions(), 1)
}
