// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package nslabel

// nextSeq is the 4-entry lookup table implementing the namespace-index
// sequence-number cycle 1 -> 3 -> 2 -> 1, chosen so that
// implement the cycle as a finite automaton rather than arithmetic. Index
// 0 (unformatted) maps to itself.
var nextSeq = [4]uint32{0: 0, 1: 3, 3: 2, 2: 1}

// incSeq advances a sequence number one step around the cycle.
func incSeq(seq uint32) uint32 {
	if seq > 3 {
		return 1
	}
	return nextSeq[seq]
}

// bestSeq returns whichever of a and b is "newer" in the 1->3->2->1 cycle.
// A zero sequence is always older than a nonzero one (an unformatted or
// not-yet-written block). Equal sequences are treated as a tie and the
// second argument wins, matching ndctl's convention of preferring the
// most-recently-probed index when both blocks already agree.
func bestSeq(a, b uint32) uint32 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a == b {
		return a
	}
	if incSeq(a) == b {
		return b
	}
	if incSeq(b) == a {
		return a
	}
	// Neither is reachable from the other in one step; this can only
	// happen for corrupt sequence numbers outside 1..3, which Validate
	// does not range-check (it rejects only seq 0). Fall back to the
	// numerically larger of the two so behavior is at least
	// deterministic.
	if a > b {
		return a
	}
	return b
}
