// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lstm

import (
	"slices"

	"github.com/pkg/errors"
)

// sequenceLayout interprets a ragged batch: N variable-length sequences
// packed back-to-back into one contiguous timestep-major buffer, described by
// N+1 boundary offsets. Sequence i occupies rows [offsets[i], offsets[i+1]).
//
// It is built once per forward pass and immutable afterwards.
type sequenceLayout struct {
	offsets []int
	numSeqs int
	totalT  int
	maxLen  int
}

// newSequenceLayout validates the boundary offsets: offsets[0] must be 0 and
// the offsets must be strictly increasing (every sequence is non-empty).
func newSequenceLayout(offsets []int) (*sequenceLayout, error) {
	if len(offsets) < 2 {
		return nil, errors.Errorf("sequence offsets must have at least 2 entries (1 sequence), got %d", len(offsets))
	}
	if offsets[0] != 0 {
		return nil, errors.Errorf("sequence offsets must start at 0, got %d", offsets[0])
	}
	l := &sequenceLayout{
		offsets: offsets,
		numSeqs: len(offsets) - 1,
		totalT:  offsets[len(offsets)-1],
	}
	for i := range l.numSeqs {
		length := offsets[i+1] - offsets[i]
		if length < 1 {
			return nil, errors.Errorf("sequence %d is empty or reversed: offsets[%d]=%d, offsets[%d]=%d -- offsets must be strictly increasing",
				i, i, offsets[i], i+1, offsets[i+1])
		}
		l.maxLen = max(l.maxLen, length)
	}
	return l, nil
}

// seqStart returns the first row of sequence i.
func (l *sequenceLayout) seqStart(i int) int { return l.offsets[i] }

// seqLen returns the number of timesteps of sequence i.
func (l *sequenceLayout) seqLen(i int) int { return l.offsets[i+1] - l.offsets[i] }

// batchLayout is the time-major regrouping of a sequenceLayout, used by the
// batched-mode driver. Sequences are ordered by descending length (stable on
// ties), so at every time-slice k the active sequences -- those with length
// greater than k -- form a prefix of the order, and their timestep-k rows can
// be packed into one contiguous block.
type batchLayout struct {
	seqs *sequenceLayout

	// order[p] is the original index of the p-th sequence after sorting by
	// descending length.
	order []int

	// sliceStarts has maxLen+1 entries: slice k occupies batched rows
	// [sliceStarts[k], sliceStarts[k+1]), one row per active sequence.
	sliceStarts []int

	// rowOf maps every batched row to its original row in the ragged buffer.
	// It is a bijection on [0, totalT): gathering through it and scattering
	// back restores the original order exactly.
	rowOf []int
}

// newBatchLayout derives the descending-length order and the batched-row
// index map. With reverse set, time-slice k of a sequence maps to its
// (length-1-k)-th row, so the recurrence consumes each sequence back to
// front while results still land on the rows of the elements they belong to.
func newBatchLayout(seqs *sequenceLayout, reverse bool) *batchLayout {
	bl := &batchLayout{seqs: seqs}

	bl.order = make([]int, seqs.numSeqs)
	for i := range bl.order {
		bl.order[i] = i
	}
	slices.SortStableFunc(bl.order, func(a, b int) int {
		return seqs.seqLen(b) - seqs.seqLen(a)
	})

	bl.sliceStarts = make([]int, seqs.maxLen+1)
	bl.rowOf = make([]int, seqs.totalT)
	row := 0
	for k := range seqs.maxLen {
		bl.sliceStarts[k] = row
		for _, seq := range bl.order {
			length := seqs.seqLen(seq)
			if length <= k {
				// order is sorted by descending length: no active sequences past this one.
				break
			}
			t := k
			if reverse {
				t = length - 1 - k
			}
			bl.rowOf[row] = seqs.seqStart(seq) + t
			row++
		}
	}
	bl.sliceStarts[seqs.maxLen] = row
	return bl
}

// numSlices is the number of global time slices (the longest sequence length).
func (bl *batchLayout) numSlices() int { return bl.seqs.maxLen }

// slice returns the first batched row of time-slice k and the number of
// active sequences in it.
func (bl *batchLayout) slice(k int) (start, size int) {
	return bl.sliceStarts[k], bl.sliceStarts[k+1] - bl.sliceStarts[k]
}

// gatherRows regroups rows of width elements: dst row r is copied from src
// row rowOf[r].
func gatherRows[T float32 | float64](dst, src []T, rowOf []int, width int) {
	for r, orig := range rowOf {
		copy(dst[r*width:(r+1)*width], src[orig*width:(orig+1)*width])
	}
}

// scatterRows is the inverse of gatherRows: src row r is copied back to dst
// row rowOf[r].
func scatterRows[T float32 | float64](dst, src []T, rowOf []int, width int) {
	for r, orig := range rowOf {
		copy(dst[orig*width:(orig+1)*width], src[r*width:(r+1)*width])
	}
}
