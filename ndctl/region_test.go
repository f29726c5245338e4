// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ndctl

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmem/ndctl-go/ndctlerr"
)

func TestRegionAttachReservesCapacity(t *testing.T) {
	r := NewRegion(0, RegionPmem, 1<<20)
	ns := &Namespace{ID: "namespace0.0", Size: 1 << 19}
	require.NoError(t, r.Attach(ns))
	assert.Equal(t, uint64(1<<19), r.AvailableSize())
	assert.Same(t, r, ns.Region())
	assert.Len(t, r.Namespaces(), 1)
}

func TestRegionAttachRejectsOversizedRequest(t *testing.T) {
	r := NewRegion(0, RegionPmem, 1<<20)
	ns := &Namespace{ID: "namespace0.0", Size: 1<<20 + 1}
	err := r.Attach(ns)
	require.Error(t, err)
	assert.True(t, ndctlerr.Is(err, ndctlerr.KindInvalidArgument))
}

func TestRegionAttachExactlyAvailableSucceeds(t *testing.T) {
	r := NewRegion(0, RegionPmem, 1<<20)
	ns := &Namespace{ID: "namespace0.0", Size: 1 << 20}
	require.NoError(t, r.Attach(ns))
	assert.Equal(t, uint64(0), r.AvailableSize())
}

func TestRegionDetachReleasesCapacity(t *testing.T) {
	r := NewRegion(0, RegionPmem, 1<<20)
	ns := &Namespace{ID: "namespace0.0", Size: 1 << 19}
	require.NoError(t, r.Attach(ns))
	r.Detach(ns)
	assert.Equal(t, uint64(1<<20), r.AvailableSize())
	assert.Empty(t, r.Namespaces())
}

func TestRegionSetSizeGrowAndShrink(t *testing.T) {
	r := NewRegion(0, RegionPmem, 1<<20)
	ns := &Namespace{ID: "namespace0.0", Size: 1 << 18}
	require.NoError(t, r.Attach(ns))

	require.NoError(t, r.SetSize(ns, 1<<19))
	assert.Equal(t, uint64(1<<19), ns.Size)
	assert.Equal(t, uint64(1<<20-1<<19), r.AvailableSize())

	require.NoError(t, r.SetSize(ns, 0))
	assert.Equal(t, uint64(0), ns.Size)
	assert.Equal(t, uint64(1<<20), r.AvailableSize())
}

func TestRegionSetSizeGrowBeyondAvailableFails(t *testing.T) {
	r := NewRegion(0, RegionPmem, 1<<20)
	ns := &Namespace{ID: "namespace0.0", Size: 1 << 19}
	require.NoError(t, r.Attach(ns))

	err := r.SetSize(ns, 1<<20+1)
	require.Error(t, err)
	assert.Equal(t, uint64(1<<19), ns.Size)
}

func TestRegionDisableBumpsGenerationAndMarksNamespaceStale(t *testing.T) {
	r := NewRegion(0, RegionPmem, 1<<20)
	ns := &Namespace{ID: "namespace0.0", Size: 1 << 19}
	require.NoError(t, r.Attach(ns))
	assert.False(t, ns.Stale())

	r.Disable()
	assert.True(t, ns.Stale())
}

func TestRegionBaseResourceAligned(t *testing.T) {
	r := NewRegion(0, RegionPmem, 1<<20)
	r.BaseResource = 2 << 20
	assert.True(t, r.BaseResourceAligned(2<<20))
	r.BaseResource = (2 << 20) + 4096
	assert.False(t, r.BaseResourceAligned(2<<20))
	assert.True(t, r.BaseResourceAligned(4096))
}

func TestRegionDisableQueuesNamespacesForCleanup(t *testing.T) {
	r := NewRegion(0, RegionPmem, 1<<20)
	ns := &Namespace{ID: "namespace0.0", Size: 1 << 19}
	require.NoError(t, r.Attach(ns))

	r.Disable()
	require.NoError(t, r.Cleanup(nil))
	assert.Empty(t, r.Namespaces())
	assert.Equal(t, uint64(1<<20), r.AvailableSize())
}

func TestRegionCleanupAggregatesTeardownErrors(t *testing.T) {
	r := NewRegion(0, RegionPmem, 1<<20)
	ns1 := &Namespace{ID: "namespace0.0", Size: 1 << 18}
	ns2 := &Namespace{ID: "namespace0.1", Size: 1 << 18}
	require.NoError(t, r.Attach(ns1))
	require.NoError(t, r.Attach(ns2))

	r.Disable()
	err := r.Cleanup(func(ns *Namespace) error {
		return fmt.Errorf("holder busy: %s", ns.ID)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "namespace0.0")
	assert.Contains(t, err.Error(), "namespace0.1")
	// both namespaces are still detached despite the teardown errors
	assert.Empty(t, r.Namespaces())
}

func TestRegionSeed(t *testing.T) {
	r := NewRegion(0, RegionPmem, 1<<20)
	assert.Nil(t, r.Seed())

	seed := &Namespace{ID: "namespace0.0"}
	r.SetSeed(seed)
	assert.Same(t, seed, r.Seed())
}

func TestRegionMappings(t *testing.T) {
	r := NewRegion(0, RegionPmem, 1<<20)
	d := &Dimm{ID: 0}
	r.AddMapping(Mapping{Dimm: d, Offset: 0, Length: 1 << 20, Position: 0})
	maps := r.Mappings()
	require.Len(t, maps, 1)
	assert.Same(t, d, maps[0].Dimm)
}
