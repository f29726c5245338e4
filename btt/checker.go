// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btt

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/pmem/ndctl-go/lib/binstruct"
	"github.com/pmem/ndctl-go/lib/containers"
	"github.com/pmem/ndctl-go/ndctlerr"
)

// mapAreaPool holds the scratch buffers readMapArea borrows to bulk-read
// an arena's map: CheckArena walks the whole map twice per arena (once
// for self-consistency, once for bitmap coverage), so the same backing
// array is reused across both passes and across arenas instead of
// allocating ExternalNlba times over.
var mapAreaPool containers.SlicePool[byte]

// readMapArea bulk-reads arena's entire map area in a single Source
// access and decodes it into a slice of MapEntry, rather than issuing
// arena.ExternalNlba individual 4-byte reads. The caller must call the
// returned release func once it is done with the result.
func readMapArea(src Source, arena *ArenaInfo) ([]MapEntry, func(), error) {
	n := int(arena.ExternalNlba)
	raw := mapAreaPool.Get(n * 4)
	release := func() { mapAreaPool.Put(raw) }
	if err := src.ReadInto(arena.MapOff, raw); err != nil {
		release()
		return nil, func() {}, err
	}
	entries := make([]MapEntry, n)
	for i := 0; i < n; i++ {
		if _, err := binstruct.Unmarshal(raw[i*4:i*4+4], &entries[i]); err != nil {
			release()
			return nil, func() {}, err
		}
	}
	return entries, release, nil
}

// IssueKind enumerates the precise BTT-consistency failure modes the
// checker distinguishes, so callers don't have to string-match.
type IssueKind int

const (
	IssueLogSeqEqual IssueKind = iota
	IssueLogSeqOutOfRange
	IssueLogLBAOutOfRange
	IssueLogOldMapOutOfRange
	IssueLogNewMapOutOfRange
	IssueMapOutOfRange
	IssueLogMapDivergence
	IssueBitmapDoubleReference
	IssueBitmapOrphan
	IssueInfo2Mismatch
)

func (k IssueKind) String() string {
	switch k {
	case IssueLogSeqEqual:
		return "log pair has equal sequence numbers"
	case IssueLogSeqOutOfRange:
		return "log entry sequence number out of range"
	case IssueLogLBAOutOfRange:
		return "log entry lba out of range"
	case IssueLogOldMapOutOfRange:
		return "log entry old_map out of range"
	case IssueLogNewMapOutOfRange:
		return "log entry new_map out of range"
	case IssueMapOutOfRange:
		return "map entry out of range"
	case IssueLogMapDivergence:
		return "log and map disagree"
	case IssueBitmapDoubleReference:
		return "internal block referenced more than once"
	case IssueBitmapOrphan:
		return "internal block never referenced"
	case IssueInfo2Mismatch:
		return "backup info block does not match primary"
	default:
		return fmt.Sprintf("IssueKind(%d)", int(k))
	}
}

// Issue is one finding against a single arena, naming the offending
// lane/lba/block for each.
type Issue struct {
	Arena    int
	Kind     IssueKind
	Lane     int
	Value    uint64
	Repaired bool
}

func (i Issue) String() string {
	return fmt.Sprintf("arena %d: %s (lane/index=%d value=%#x repaired=%v)", i.Arena, i.Kind, i.Lane, i.Value, i.Repaired)
}

// lanePair reads the two log entries for lane within arena.
func lanePair(src Source, arena *ArenaInfo, lane int) (LogEntry, LogEntry, error) {
	off := arena.LogOff + uint64(lane)*2*LogEntrySize
	buf, err := src.ReadAt(off, 2*LogEntrySize)
	if err != nil {
		return LogEntry{}, LogEntry{}, err
	}
	e0, err := decodeLogEntry(buf[:LogEntrySize])
	if err != nil {
		return LogEntry{}, LogEntry{}, err
	}
	e1, err := decodeLogEntry(buf[LogEntrySize:])
	if err != nil {
		return LogEntry{}, LogEntry{}, err
	}
	return e0, e1, nil
}

func decodeLogEntry(buf []byte) (LogEntry, error) {
	var e LogEntry
	if _, err := binstruct.Unmarshal(buf, &e); err != nil {
		return LogEntry{}, err
	}
	return e, nil
}

func encodeLogEntry(e LogEntry) ([]byte, error) {
	return binstruct.Marshal(e)
}

// newerLogEntry returns whichever of a, b is newer in the seq cycle:
// "newer" is whichever one equals IncSeq(the other). When exactly one of
// them is unused (seq 0), the used one is newer.
func newerLogEntry(a, b LogEntry) (newer, older LogEntry, ok bool) {
	if a.Seq == b.Seq {
		return LogEntry{}, LogEntry{}, false
	}
	if a.Seq == 0 {
		return b, a, true
	}
	if b.Seq == 0 {
		return a, b, true
	}
	if IncSeq(a.Seq) == b.Seq {
		return b, a, true
	}
	if IncSeq(b.Seq) == a.Seq {
		return a, b, true
	}
	return LogEntry{}, LogEntry{}, false
}

func readMapEntry(src Source, arena *ArenaInfo, lba uint32) (MapEntry, error) {
	buf, err := src.ReadAt(arena.MapOff+uint64(lba)*4, 4)
	if err != nil {
		return 0, err
	}
	var e MapEntry
	if _, err := binstruct.Unmarshal(buf, &e); err != nil {
		return 0, err
	}
	return e, nil
}

func writeMapEntry(src Source, arena *ArenaInfo, lba uint32, e MapEntry) error {
	buf, err := binstruct.Marshal(e)
	if err != nil {
		return err
	}
	return src.WriteAt(arena.MapOff+uint64(lba)*4, buf)
}

// CheckArena runs the per-arena consistency checks in order (log
// self-consistency, map self-consistency, log/map cross-check with
// repair, info2 fixup, bitmap coverage), returning every Issue found. A
// non-nil error means a check could not even be attempted (media/transport
// failure); Issues found are not themselves errors, they are the check's
// findings.
func CheckArena(ctx context.Context, src Source, arena *ArenaInfo, repair bool) ([]Issue, error) {
	var issues []Issue

	// (a) log self-consistency.
	type lanePairT struct {
		newer, older LogEntry
		ok           bool
	}
	lanes := make([]lanePairT, arena.Nfree)
	for lane := 0; lane < int(arena.Nfree); lane++ {
		e0, e1, err := lanePair(src, arena, lane)
		if err != nil {
			return issues, ndctlerr.New(ndctlerr.KindMedia, "", err)
		}
		if e0.Seq > 3 || e1.Seq > 3 {
			issues = append(issues, Issue{Arena: arena.Index, Kind: IssueLogSeqOutOfRange, Lane: lane})
			continue
		}
		if e0.Seq == 0 && e1.Seq == 0 {
			// lane has never logged a rename; nothing to cross-check.
			continue
		}
		newer, older, ok := newerLogEntry(e0, e1)
		if !ok {
			issues = append(issues, Issue{Arena: arena.Index, Kind: IssueLogSeqEqual, Lane: lane})
			continue
		}
		if newer.LBA >= arena.ExternalNlba {
			issues = append(issues, Issue{Arena: arena.Index, Kind: IssueLogLBAOutOfRange, Lane: lane, Value: uint64(newer.LBA)})
			continue
		}
		if newer.OldMap >= arena.InternalNlba {
			issues = append(issues, Issue{Arena: arena.Index, Kind: IssueLogOldMapOutOfRange, Lane: lane, Value: uint64(newer.OldMap)})
			continue
		}
		if newer.NewMap >= arena.InternalNlba {
			issues = append(issues, Issue{Arena: arena.Index, Kind: IssueLogNewMapOutOfRange, Lane: lane, Value: uint64(newer.NewMap)})
			continue
		}
		lanes[lane] = lanePairT{newer: newer, older: older, ok: true}
	}

	// (b) map self-consistency.
	mapEntries, releaseMap, err := readMapArea(src, arena)
	if err != nil {
		return issues, ndctlerr.New(ndctlerr.KindMedia, "", err)
	}
	for l := uint32(0); l < arena.ExternalNlba; l++ {
		raw := mapEntries[l]
		if raw.Lookup(l) >= arena.InternalNlba {
			issues = append(issues, Issue{Arena: arena.Index, Kind: IssueMapOutOfRange, Lane: int(l), Value: uint64(raw.Lookup(l))})
		}
	}
	releaseMap()

	// (c) log/map cross-check, repairing a committed-but-unmapped
	// update when repair is requested.
	for lane, lp := range lanes {
		if !lp.ok {
			continue
		}
		raw, err := readMapEntry(src, arena, lp.newer.LBA)
		if err != nil {
			return issues, ndctlerr.New(ndctlerr.KindMedia, "", err)
		}
		current := raw.Lookup(lp.newer.LBA)
		switch current {
		case lp.newer.NewMap:
			// update committed, nothing to do.
		case lp.newer.OldMap:
			issue := Issue{Arena: arena.Index, Kind: IssueLogMapDivergence, Lane: lane, Value: uint64(lp.newer.NewMap)}
			if repair {
				if err := writeMapEntry(src, arena, lp.newer.LBA, NormalEntry(lp.newer.NewMap)); err != nil {
					return issues, ndctlerr.New(ndctlerr.KindMedia, "", err)
				}
				issue.Repaired = true
				dlog.Infof(ctx, "btt: arena %d lane %d: repaired map[%d] -> %#x", arena.Index, lane, lp.newer.LBA, lp.newer.NewMap)
			}
			issues = append(issues, issue)
		default:
			issues = append(issues, Issue{Arena: arena.Index, Kind: IssueLogMapDivergence, Lane: lane, Value: uint64(current)})
		}
	}

	// (d) info2 fixup.
	primaryBuf, err := src.ReadAt(arena.InfoOff, InfoBlockSize)
	if err != nil {
		return issues, ndctlerr.New(ndctlerr.KindMedia, "", err)
	}
	info2Buf, err := src.ReadAt(arena.Info2Off, InfoBlockSize)
	if err != nil {
		return issues, ndctlerr.New(ndctlerr.KindMedia, "", err)
	}
	if !bytesEqual(primaryBuf, info2Buf) {
		issue := Issue{Arena: arena.Index, Kind: IssueInfo2Mismatch}
		if repair {
			if err := src.WriteAt(arena.Info2Off, primaryBuf); err != nil {
				return issues, ndctlerr.New(ndctlerr.KindMedia, "", err)
			}
			issue.Repaired = true
			dlog.Infof(ctx, "btt: arena %d: restored info2 from primary", arena.Index)
		}
		issues = append(issues, issue)
	}

	// (e) bitmap coverage: every internal block referenced exactly once.
	seen := make([]bool, arena.InternalNlba)
	mark := func(lane int, block uint32) {
		if block >= arena.InternalNlba {
			return
		}
		if seen[block] {
			issues = append(issues, Issue{Arena: arena.Index, Kind: IssueBitmapDoubleReference, Lane: lane, Value: uint64(block)})
			return
		}
		seen[block] = true
	}
	mapEntries2, releaseMap2, err := readMapArea(src, arena)
	if err != nil {
		return issues, ndctlerr.New(ndctlerr.KindMedia, "", err)
	}
	for l := uint32(0); l < arena.ExternalNlba; l++ {
		mark(int(l), mapEntries2[l].Lookup(l))
	}
	releaseMap2()
	for lane, lp := range lanes {
		if !lp.ok {
			continue
		}
		mark(lane, lp.newer.OldMap)
	}
	for block, wasSeen := range seen {
		if !wasSeen {
			issues = append(issues, Issue{Arena: arena.Index, Kind: IssueBitmapOrphan, Value: uint64(block)})
		}
	}

	return issues, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
