// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ndctl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceModeString(t *testing.T) {
	assert.Equal(t, "raw", ModeRaw.String())
	assert.Equal(t, "safe", ModeSafe.String())
	assert.Equal(t, "memory", ModeMemory.String())
	assert.Equal(t, "dax", ModeDax.String())
}

func TestValidateAltNameRejectsTooLong(t *testing.T) {
	ns := &Namespace{ID: "namespace0.0", AltName: strings.Repeat("a", 64)}
	err := ns.validateAltName()
	require.Error(t, err)
}

func TestValidateAltNameRejectsNonPrintable(t *testing.T) {
	ns := &Namespace{ID: "namespace0.0", AltName: "ok\x01bad"}
	err := ns.validateAltName()
	require.Error(t, err)
}

func TestValidateAltNameAcceptsPrintableWithinLimit(t *testing.T) {
	ns := &Namespace{ID: "namespace0.0", AltName: strings.Repeat("a", 63)}
	require.NoError(t, ns.validateAltName())
}

func TestValidateSectorSizeAllows512OnPmemRegardlessOfAdvertisedSet(t *testing.T) {
	ns := &Namespace{ID: "namespace0.0", Type: NSTypePmem, SupportedSectorSizes: []uint32{4096}}
	require.NoError(t, ns.validateSectorSize(512))
}

func TestValidateSectorSizeRejectsUnadvertisedSize(t *testing.T) {
	ns := &Namespace{ID: "namespace0.0", Type: NSTypeBlk, SupportedSectorSizes: []uint32{512, 4096}}
	err := ns.validateSectorSize(520)
	require.Error(t, err)
}

func TestValidateSectorSizeAcceptsAdvertisedSize(t *testing.T) {
	ns := &Namespace{ID: "namespace0.0", Type: NSTypeBlk, SupportedSectorSizes: []uint32{512, 4096}}
	require.NoError(t, ns.validateSectorSize(4096))
}
