// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decoder

// lengthTracker accounts per-batch-row sequence lengths from the emitted
// symbols. Every row starts at the full decode length; the first
// end-of-sequence symbol of a row fixes its length to that step plus one, and
// later end-of-sequence symbols leave it untouched.
type lengthTracker struct {
	eosID   int32
	lengths []int
}

func newLengthTracker(batchSize, steps, eosID int) *lengthTracker {
	t := &lengthTracker{eosID: int32(eosID), lengths: make([]int, batchSize)}
	for b := range t.lengths {
		t.lengths[b] = steps
	}
	return t
}

// update records the symbols of step (0-based), shaped [batchSize][1].
func (t *lengthTracker) update(step int, symbols [][]int32) {
	for b, row := range symbols {
		if row[0] == t.eosID && t.lengths[b] > step {
			t.lengths[b] = step + 1
		}
	}
}
