// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package nslabel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileConfigIORoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "config-area")
	require.NoError(t, os.WriteFile(path, make([]byte, 128*1024), 0o600))

	cio, err := OpenFileConfigIO(path, 256)
	require.NoError(t, err)
	defer cio.Close()

	nslot, err := InitLabels(ctx, cio, V1_2)
	require.NoError(t, err)
	require.Equal(t, 507, nslot)

	avail, err := cio.AvailableSlots(ctx)
	require.NoError(t, err)
	require.Equal(t, nslot-1, avail)

	require.False(t, cio.Enabled(ctx))
	require.NoError(t, cio.Bounce(ctx))

	area, err := ReadLabelArea(ctx, cio)
	require.NoError(t, err)
	v, err := Validate(area)
	require.NoError(t, err)
	require.Equal(t, 0, v.CurrentIdx)
}
