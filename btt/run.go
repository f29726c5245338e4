// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btt

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/datawire/dlib/dlog"

	"github.com/pmem/ndctl-go/ndctlerr"
)

// Options controls one Run of the BTT consistency checker.
type Options struct {
	// Version selects where the arena chain starts (v1.1 at capacity
	// offset 0, v1.2 one page in).
	Version Version
	// ParentUUID, if non-zero, must match every arena's parent_uuid.
	ParentUUID [16]byte
	// Repair enables write-back of any correctable finding (a
	// committed-but-unmapped log update, a stale info2 backup, or a
	// missing primary info block recoverable from a backup).
	Repair bool
}

// Result is the outcome of checking every arena of one namespace.
type Result struct {
	Arenas []*ArenaInfo
	Issues []Issue
}

// Clean reports whether no issues were found across any arena.
func (r Result) Clean() bool { return len(r.Issues) == 0 }

// Run opens path (the namespace's raw block device, or a regular file
// standing in for one in tests), discovers its arena chain, and checks
// each arena in turn, returning every issue found. When opts.Repair is
// set the file is opened read/write and any correctable issue is fixed
// in place before Run returns.
//
// A media fault while touching the mapped region surfaces as a
// recovered runtime fault rather than crashing the process: the mapping
// access runs with debug.SetPanicOnFault enabled on the calling
// goroutine, and a panic there is converted to a KindMedia error.
func Run(ctx context.Context, path string, opts Options) (result Result, err error) {
	flag := os.O_RDONLY | os.O_EXCL
	if opts.Repair {
		flag = os.O_RDWR | os.O_EXCL
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return Result{}, ndctlerr.New(ndctlerr.KindNotFound, path, err)
	}
	defer f.Close()

	src, err := NewMmapSource(f, opts.Repair)
	if err != nil {
		return Result{}, ndctlerr.New(ndctlerr.KindMedia, path, err)
	}
	defer src.Close()

	return runOnSource(ctx, src, opts)
}

// runOnSource is Run's device-independent body, also used directly by
// tests against a MemSource.
func runOnSource(ctx context.Context, src Source, opts Options) (result Result, err error) {
	debug.SetPanicOnFault(true)
	defer protectFault(&err)

	first, rerr := RecoverFirstInfoBlock(ctx, src, opts.Version, opts.ParentUUID, opts.Repair)
	if rerr != nil {
		return Result{}, ndctlerr.New(ndctlerr.KindCorrupt, "", rerr)
	}

	arenas, derr := DiscoverArenas(ctx, src, first, opts.Version.StartOffset(), opts.ParentUUID, opts.Repair)
	if derr != nil {
		return Result{}, derr
	}

	result.Arenas = arenas
	for _, arena := range arenas {
		issues, cerr := CheckArena(ctx, src, arena, opts.Repair)
		if cerr != nil {
			return result, cerr
		}
		result.Issues = append(result.Issues, issues...)
	}

	dlog.Infof(ctx, "btt: checked %d arena(s), %d issue(s) found", len(arenas), len(result.Issues))
	return result, nil
}

// protectFault recovers a runtime fault (e.g. SIGBUS delivered through
// the mmap'd region going away under us) raised while debug.SetPanicOnFault
// is active, converting it to a KindMedia error instead of letting it
// reach the top of the goroutine.
func protectFault(err *error) {
	debug.SetPanicOnFault(false)
	if r := recover(); r != nil {
		if ferr, ok := r.(runtime_Error); ok {
			*err = ndctlerr.New(ndctlerr.KindMedia, "", fmt.Errorf("fault accessing mapped metadata: %w", ferr))
			return
		}
		panic(r)
	}
}

// runtime_Error is the subset of runtime.Error this package relies on;
// named locally so protectFault doesn't need to import "runtime" just
// for a type assertion target.
type runtime_Error interface {
	error
	RuntimeError()
}
