// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package check

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmem/ndctl-go/btt"
	"github.com/pmem/ndctl-go/ndctl"
)

// buildCleanArenaImage lays out one fully-settled v1.1 arena (matching
// btt's own single-arena test fixtures): identity map, and a log whose
// one committed rename accounts for the otherwise-unreferenced spare
// internal block, so a check of it reports zero issues.
func buildCleanArenaImage(t *testing.T) string {
	t.Helper()
	const rawSize = 20480
	buf := make([]byte, rawSize)

	ib := &btt.InfoBlock{
		Signature:       btt.Signature,
		VersionMajor:    1,
		VersionMinor:    1,
		ExternalLBASize: 256,
		ExternalNlba:    4,
		InternalLBASize: 256,
		InternalNlba:    5,
		Nfree:           1,
		Nextoff:         0,
		Dataoff:         4096,
		Mapoff:          8192,
		Logoff:          12288,
		Info2off:        16384,
	}
	encoded, err := btt.EncodeInfoBlock(ib)
	require.NoError(t, err)
	copy(buf[0:], encoded)
	copy(buf[16384:], encoded)

	for lba := uint32(0); lba < 4; lba++ {
		binary.LittleEndian.PutUint32(buf[8192+lba*4:8192+lba*4+4], uint32(btt.NormalEntry(lba)))
	}

	putLog := func(slot int, e btt.LogEntry) {
		off := 12288 + slot*btt.LogEntrySize
		binary.LittleEndian.PutUint32(buf[off+0:off+4], e.LBA)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], e.OldMap)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], e.NewMap)
		binary.LittleEndian.PutUint32(buf[off+12:off+16], e.Seq)
	}
	// block 4 is the free spare; recording it as the committed rename's
	// old location is the only way it's ever referenced.
	putLog(0, btt.LogEntry{LBA: 0, OldMap: 4, NewMap: 0, Seq: 1})
	putLog(1, btt.LogEntry{LBA: 0, OldMap: 4, NewMap: 0, Seq: 3})

	path := filepath.Join(t.TempDir(), "pmem0")
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	return path
}

type fakeToggle struct {
	calls []bool
}

func (f *fakeToggle) SetRawMode(ns *ndctl.Namespace, raw bool) error {
	f.calls = append(f.calls, raw)
	ns.RawModeOverride = raw
	return nil
}

func newTestNamespace(t *testing.T) *ndctl.Namespace {
	return &ndctl.Namespace{
		ID:      "namespace0.0",
		Mode:    ndctl.ModeSafe,
		DevNode: buildCleanArenaImage(t),
	}
}

func TestCheckNamespaceRejectsNonSafeMode(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	ns := &ndctl.Namespace{ID: "namespace0.0", Mode: ndctl.ModeRaw}
	_, err := CheckNamespace(ctx, &fakeToggle{}, ns, Options{})
	require.Error(t, err)
}

func TestCheckNamespaceRejectsEnabledWithoutForce(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	ns := newTestNamespace(t)
	ns.Enabled = true
	_, err := CheckNamespace(ctx, &fakeToggle{}, ns, Options{})
	require.Error(t, err)
}

func TestCheckNamespaceCleanImageHasNoIssues(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	ns := newTestNamespace(t)
	toggle := &fakeToggle{}

	result, err := CheckNamespace(ctx, toggle, ns, Options{})
	require.NoError(t, err)
	assert.True(t, result.Clean(), "%v", result.Issues)
	require.Len(t, toggle.calls, 2)
	assert.True(t, toggle.calls[0])  // raw mode entered
	assert.False(t, toggle.calls[1]) // and restored
}

func TestCheckNamespaceRestoresEnabledAfterToggle(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	ns := newTestNamespace(t)
	ns.Enabled = true

	_, err := CheckNamespace(ctx, &fakeToggle{}, ns, Options{Force: true})
	require.NoError(t, err)
	assert.True(t, ns.Enabled)
}

func TestCheckerCachesCleanResultUntilRepairRun(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	ns := newTestNamespace(t)
	toggle := &fakeToggle{}
	checker := NewChecker()

	first, err := checker.Check(ctx, toggle, ns, Options{})
	require.NoError(t, err)
	assert.True(t, first.Clean())
	require.Len(t, toggle.calls, 2, "first call must actually run the check")

	second, err := checker.Check(ctx, toggle, ns, Options{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, toggle.calls, 2, "second call must be served from cache, not re-toggle raw mode")

	_, err = checker.Check(ctx, toggle, ns, Options{Repair: true})
	require.NoError(t, err)
	assert.Len(t, toggle.calls, 4, "a repair run always goes to the device")
}
