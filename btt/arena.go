// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btt

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/pmem/ndctl-go/ndctlerr"
)

// Version selects where the first arena starts within a namespace's raw
// capacity: v1.1 arenas start at offset 0, v1.2 arenas start one
// 4 KiB page in.
type Version int

const (
	V1_1 Version = iota
	V1_2
)

// StartOffset returns v's start offset within a namespace's raw capacity.
func (v Version) StartOffset() uint64 {
	if v == V1_2 {
		return pageSize
	}
	return 0
}

func versionFromInfoBlock(ib *InfoBlock) (Version, bool) {
	switch {
	case ib.VersionMajor == 1 && ib.VersionMinor == 1:
		return V1_1, true
	case ib.VersionMajor == 2 && ib.VersionMinor == 0:
		return V1_2, true
	default:
		return 0, false
	}
}

const (
	pageSize     = 4096
	ArenaMaxSize = uint64(1) << 39 // 512 GiB, per ndctl's ARENA_MAX_SIZE
	ArenaMinSize = uint64(1) << 24 // 16 MiB, per ndctl's ARENA_MIN_SIZE
)

// Source is the byte-addressable abstraction the BTT engine reads and
// (when repair is requested) writes arena metadata through. Checker
// backs it with mmap'd windows over a real device; arena discovery and
// per-arena checks are unit tested against an in-memory implementation.
type Source interface {
	Size() uint64
	ReadAt(off uint64, size int) ([]byte, error)
	// ReadInto fills buf from off, for callers that supply their own
	// (possibly pooled) backing storage instead of taking a freshly
	// allocated one from ReadAt.
	ReadInto(off uint64, buf []byte) error
	WriteAt(off uint64, data []byte) error
}

// ArenaInfo is the runtime-parsed (not on-media) description of one BTT
// arena, grounded on check.c's struct arena_info.
type ArenaInfo struct {
	Index              int
	InfoOff            uint64
	DataOff            uint64
	MapOff             uint64
	LogOff             uint64
	Info2Off           uint64
	NextOff            uint64 // absolute offset of the next arena's info block, 0 if last
	Size               uint64
	ExternalLBAStart   uint64
	InternalNlba       uint32
	InternalLBASize    uint32
	ExternalNlba       uint32
	ExternalLBASize    uint32
	Nfree              uint32
	Flags              uint32
	VersionMajor       uint16
	VersionMinor       uint16
	UUID               [16]byte
	ParentUUID         [16]byte
}

// parseMeta fills in an ArenaInfo from a verified primary InfoBlock found
// at arenaOff, per check.c's btt_parse_meta.
func parseMeta(index int, arenaOff uint64, externalLBAStart uint64, ib *InfoBlock) (*ArenaInfo, error) {
	if ib.InternalNlba-ib.ExternalNlba != ib.Nfree {
		return nil, fmt.Errorf("arena %d: internal_nlba(%d)-external_nlba(%d) != nfree(%d)",
			index, ib.InternalNlba, ib.ExternalNlba, ib.Nfree)
	}
	if ib.InternalLBASize != ib.ExternalLBASize {
		return nil, fmt.Errorf("arena %d: internal_lbasize(%d) != external_lbasize(%d)",
			index, ib.InternalLBASize, ib.ExternalLBASize)
	}
	if ib.Flags&FlagError != 0 {
		return nil, fmt.Errorf("arena %d: info block error flag is set", index)
	}

	a := &ArenaInfo{
		Index:            index,
		InfoOff:          arenaOff,
		ExternalLBAStart: externalLBAStart,
		InternalNlba:     ib.InternalNlba,
		InternalLBASize:  ib.InternalLBASize,
		ExternalNlba:     ib.ExternalNlba,
		ExternalLBASize:  ib.ExternalLBASize,
		Nfree:            ib.Nfree,
		Flags:            ib.Flags,
		VersionMajor:     ib.VersionMajor,
		VersionMinor:     ib.VersionMinor,
		UUID:             ib.UUID,
		ParentUUID:       ib.ParentUUID,
		DataOff:          arenaOff + ib.Dataoff,
		MapOff:           arenaOff + ib.Mapoff,
		LogOff:           arenaOff + ib.Logoff,
		Info2Off:         arenaOff + ib.Info2off,
	}
	if ib.Nextoff != 0 {
		a.NextOff = arenaOff + ib.Nextoff
		a.Size = ib.Nextoff
	} else {
		a.Size = a.Info2Off - a.InfoOff + InfoBlockSize
	}
	return a, nil
}

// readInfoBlock reads and decodes (without verifying) the info block at
// off.
func readInfoBlock(src Source, off uint64) (*InfoBlock, error) {
	buf, err := src.ReadAt(off, InfoBlockSize)
	if err != nil {
		return nil, err
	}
	return ParseInfoBlock(buf)
}

func readAndVerify(src Source, off uint64, parentUUID *[16]byte) (*InfoBlock, bool) {
	buf, err := src.ReadAt(off, InfoBlockSize)
	if err != nil {
		return nil, false
	}
	return VerifyInfoBlock(buf, parentUUID)
}

// RecoverFirstInfoBlock locates a valid
// primary info block at version v's start offset, recovering it from a
// backup if the primary itself is unreadable, per check.c's
// __btt_recover_first_sb. On success it returns the verified InfoBlock
// and, when repair is true, has already rewritten the primary.
func RecoverFirstInfoBlock(ctx context.Context, src Source, v Version, parentUUID [16]byte, repair bool) (*InfoBlock, error) {
	off := v.StartOffset()
	if ib, ok := readAndVerify(src, off, &parentUUID); ok {
		return ib, nil
	}

	remaining := src.Size() - off
	estArenas := 0
	for remaining > 0 {
		if remaining < ArenaMinSize && estArenas == 0 {
			return nil, fmt.Errorf("namespace too small to contain even one arena")
		}
		if remaining > ArenaMaxSize {
			remaining -= ArenaMaxSize
			estArenas++
			continue
		}
		if remaining < ArenaMinSize {
			break
		}
		estArenas++
		remaining = 0
		break
	}
	dlog.Debugf(ctx, "btt: primary info block at %#x missing/invalid, estimated %d arena(s)", off, estArenas)

	primary, err := readInfoBlock(src, off)
	if err != nil {
		return nil, fmt.Errorf("primary info block unreadable: %w", err)
	}

	// Strategy (a): backup where the first arena's end would be.
	var backupOff uint64
	if estArenas <= 1 {
		backupOff = alignDown(src.Size(), pageSize) - InfoBlockSize
	} else {
		backupOff = off + ArenaMaxSize - InfoBlockSize
	}
	dlog.Infof(ctx, "btt: attempting info-block recovery from end-of-arena offset %#x", backupOff)
	if ib, ok := readAndVerify(src, backupOff, nil); ok {
		if expect, ok := versionFromInfoBlock(ib); ok && expect.StartOffset() == off {
			return restorePrimary(ctx, src, off, ib, repair)
		}
	}

	// Strategy (b): very end of raw capacity, stitched with arena0's
	// own fields, only when 2+ arenas are expected.
	if estArenas > 1 {
		endOff := alignDown(src.Size(), pageSize) - InfoBlockSize
		dlog.Infof(ctx, "btt: attempting info-block recovery from end offset %#x", endOff)
		if ib, ok := readAndVerify(src, endOff, nil); ok {
			ib.Flags = primary.Flags
			ib.ExternalNlba = primary.ExternalNlba
			ib.InternalNlba = primary.InternalNlba
			ib.Nextoff = primary.Nextoff
			ib.Dataoff = primary.Dataoff
			ib.Mapoff = primary.Mapoff
			ib.Logoff = primary.Logoff
			ib.Info2off = primary.Info2off
			if reencoded, err := EncodeInfoBlock(ib); err == nil {
				if stitched, err2 := ParseInfoBlock(reencoded); err2 == nil {
					if ok := checksumMatches(reencoded); ok {
						return restorePrimary(ctx, src, off, stitched, repair)
					}
				}
			}
		}
	}

	// Strategy (c): follow the primary's own info2off pointer.
	maxOff := min64(src.Size()-InfoBlockSize, ArenaMaxSize-InfoBlockSize+off)
	info2Off := primary.Info2off
	if info2Off == 0 || info2Off > maxOff {
		return nil, fmt.Errorf("btt: unable to recover primary info block at %#x: no valid backup found", off)
	}
	dlog.Infof(ctx, "btt: attempting info-block recovery from info2 offset %#x", info2Off+off)
	if ib, ok := readAndVerify(src, info2Off+off, nil); ok {
		return restorePrimary(ctx, src, off, ib, repair)
	}

	return nil, fmt.Errorf("btt: unable to recover primary info block at %#x: all recovery strategies exhausted", off)
}

func restorePrimary(ctx context.Context, src Source, off uint64, ib *InfoBlock, repair bool) (*InfoBlock, error) {
	if !repair {
		dlog.Warnf(ctx, "btt: primary info block at %#x is missing; rerun with repair to restore it", off)
		return ib, nil
	}
	buf, err := EncodeInfoBlock(ib)
	if err != nil {
		return nil, err
	}
	if err := src.WriteAt(off, buf); err != nil {
		return nil, err
	}
	dlog.Infof(ctx, "btt: restored primary info block at %#x", off)
	return ib, nil
}

func checksumMatches(buf []byte) bool {
	_, ok := VerifyInfoBlock(buf, nil)
	return ok
}

// DiscoverArenas walks the arena chain starting at startOff, verifying
// (and, for a corrupt backup, repairing) each primary/info2 pair, per
// check.c's btt_discover_arenas.
func DiscoverArenas(ctx context.Context, src Source, first *InfoBlock, startOff uint64, parentUUID [16]byte, repair bool) ([]*ArenaInfo, error) {
	var arenas []*ArenaInfo
	curOff := startOff
	curIB := first
	var externalLBAStart uint64
	remaining := src.Size() - startOff

	for remaining > 0 {
		ib := curIB
		if ib == nil {
			var ok bool
			ib, ok = readAndVerify(src, curOff, &parentUUID)
			if !ok {
				backupOff := backupOffsetFor(curOff, remaining, src.Size())
				dlog.Infof(ctx, "btt: arena %d: attempting recovery from backup at %#x", len(arenas), backupOff)
				backup, bok := readAndVerify(src, backupOff, nil)
				if !bok {
					return nil, ndctlerr.New(ndctlerr.KindCorrupt, "",
						fmt.Errorf("arena %d: primary info block at %#x invalid and no valid backup at %#x", len(arenas), curOff, backupOff))
				}
				restored, err := restorePrimary(ctx, src, curOff, backup, repair)
				if err != nil {
					return nil, err
				}
				ib = restored
			}
		}
		curIB = nil

		arena, err := parseMeta(len(arenas), curOff, externalLBAStart, ib)
		if err != nil {
			return nil, ndctlerr.New(ndctlerr.KindCorrupt, "", err)
		}
		if arena.NextOff != 0 && arena.NextOff <= curOff {
			return nil, ndctlerr.New(ndctlerr.KindCorrupt, "",
				fmt.Errorf("arena %d: nextoff %#x does not advance past %#x", arena.Index, arena.NextOff, curOff))
		}

		arenas = append(arenas, arena)
		remaining -= arena.Size
		externalLBAStart += uint64(arena.ExternalNlba)
		if arena.NextOff == 0 {
			break
		}
		curOff = arena.NextOff
	}

	dlog.Infof(ctx, "btt: found %d arena(s)", len(arenas))
	return arenas, nil
}

func backupOffsetFor(curOff uint64, remaining uint64, rawSize uint64) uint64 {
	if remaining <= ArenaMaxSize {
		return alignDown(rawSize, pageSize) - InfoBlockSize
	}
	return curOff + ArenaMaxSize - InfoBlockSize
}

func alignDown(v, align uint64) uint64 {
	return v - v%align
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
