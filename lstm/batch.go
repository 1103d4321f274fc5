// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lstm

import "sync"

// batchCompute is the batched-mode driver. It regroups the ragged batch into
// time-major blocks (see batchLayout): at each global time-slice the active
// sequences' rows are contiguous, so the recurrent GEMM and the gate steps
// run once per slice over all of them, instead of once per (sequence, step).
//
// The caller falls back to seqCompute for single-sequence batches, where
// regrouping buys nothing.
func batchCompute[T float32 | float64](op *Op, in Inputs, out *Outputs, dm dims, seqs *sequenceLayout) {
	dtype := in.X.shape.DType
	x := in.X.flat.([]T)
	wx := in.WeightX.flat.([]T)
	wh := in.WeightH.flat.([]T)
	bias := in.Bias.flat.([]T)
	hOut := out.Hidden.flat.([]T)
	cOut := out.Cell.flat.([]T)

	d, d4 := dm.d, 4*dm.d
	var wc []T
	if op.cfg.UsePeepholes {
		wc = bias[d4 : d4+3*d]
	}

	bl := newBatchLayout(seqs, op.cfg.IsReverse)

	batchedInputBuf := op.getBuffer(dtype, dm.totalT*d4)
	batchedHBuf := op.getBuffer(dtype, dm.totalT*d)
	batchedCBuf := op.getBuffer(dtype, dm.totalT*d)
	defer op.putBuffer(batchedInputBuf)
	defer op.putBuffer(batchedHBuf)
	defer op.putBuffer(batchedCBuf)
	batchedInput := flatOf[T](batchedInputBuf)
	batchedH := flatOf[T](batchedHBuf)
	batchedC := flatOf[T](batchedCBuf)

	// Projection and regrouping commute (both are per-row), so regroup the
	// smaller of the two: project first when the input is wider than the gate
	// rows, otherwise regroup the raw input and project the regrouped rows.
	if dm.m > d4 {
		xxBuf := op.getBuffer(dtype, dm.totalT*d4)
		xx := flatOf[T](xxBuf)
		fcCompute(op, dm.totalT, d4, dm.m, x, wx, bias[:d4], xx)
		gatherRows(batchedInput, xx, bl.rowOf, d4)
		op.putBuffer(xxBuf)
	} else {
		xxBuf := op.getBuffer(dtype, dm.totalT*dm.m)
		xx := flatOf[T](xxBuf)
		gatherRows(xx, x, bl.rowOf, dm.m)
		fcCompute(op, dm.totalT, d4, dm.m, xx, wx, bias[:d4], batchedInput)
		op.putBuffer(xxBuf)
	}

	s := newStepper(op.cfg, d, wc)
	step, fast := s.stepFunc(op.cfg)
	if fast {
		op.logFastPath()
	}

	tStart := 0
	var prevH, prevC []T
	if in.H0 != nil {
		// The initial states arrive in original sequence order; reorder them
		// by descending length to line up with the batched rows.
		h0 := in.H0.flat.([]T)
		c0 := in.C0.flat.([]T)
		reordHBuf := op.getBuffer(dtype, dm.n*d)
		reordCBuf := op.getBuffer(dtype, dm.n*d)
		defer op.putBuffer(reordHBuf)
		defer op.putBuffer(reordCBuf)
		prevH = flatOf[T](reordHBuf)
		prevC = flatOf[T](reordCBuf)
		for p, seq := range bl.order {
			copy(prevH[p*d:(p+1)*d], h0[seq*d:(seq+1)*d])
			copy(prevC[p*d:(p+1)*d], c0[seq*d:(seq+1)*d])
		}
	} else {
		// No initial state: the whole first time-slice runs the
		// NO_PREV_STATE branch as one vectorized batch.
		stepNoPrevRows(op, s, dm.n, batchedInput, batchedC, batchedH)
		tStart = 1
		prevH = batchedH[:dm.n*d]
		prevC = batchedC[:dm.n*d]
	}

	for k := tStart; k < bl.numSlices(); k++ {
		start, size := bl.slice(k)
		g := batchedInput[start*d4 : (start+size)*d4]
		ct := batchedC[start*d : (start+size)*d]
		ht := batchedH[start*d : (start+size)*d]
		// One recurrent GEMM for every sequence still active at this slice.
		// The active set shrinks as a prefix, so row r of this slice is the
		// same sequence as row r of the previous one.
		gemm(size, d4, d, T(1), prevH[:size*d], d, wh, d4, T(1), g, d4)
		stepRows(op, s, step, size, g, prevC[:size*d], ct, ht)
		prevH = ht
		prevC = ct
	}

	scatterRows(hOut, batchedH, bl.rowOf, d)
	scatterRows(cOut, batchedC, bl.rowOf, d)
}

// stepNoPrevRows runs the NO_PREV_STATE branch over the rows of one
// time-slice block, chunked over the workers pool when the block is large.
func stepNoPrevRows[T float32 | float64](op *Op, s *stepper[T], size int, gates, ct, ht []T) {
	d, d4 := s.d, 4*s.d
	runChunk := func(r0, r1 int) {
		for r := r0; r < r1; r++ {
			s.stepNoPrev(gates[r*d4:(r+1)*d4], ct[r*d:(r+1)*d], ht[r*d:(r+1)*d])
		}
	}
	parallelRowChunks(op, size, d4, runChunk)
}

// stepRows runs the HAS_PREV_STATE step over the rows of one time-slice
// block. Rows are independent, so they are chunked over the workers pool;
// each chunk gets its own peephole scratch.
func stepRows[T float32 | float64](op *Op, s *stepper[T], step stepFn[T], size int, gates, prevC, ct, ht []T) {
	d, d4 := s.d, 4*s.d
	runChunk := func(r0, r1 int) {
		var checked []T
		if s.wc != nil {
			checked = make([]T, 2*d)
		}
		for r := r0; r < r1; r++ {
			step(gates[r*d4:(r+1)*d4], prevC[r*d:(r+1)*d], ct[r*d:(r+1)*d], ht[r*d:(r+1)*d], checked)
		}
	}
	parallelRowChunks(op, size, d4, runChunk)
}

// parallelRowChunks splits [0, numRows) into chunks of at least
// minParallelizeChunk/rowWidth rows and runs them over the workers pool.
// Small blocks run inline.
func parallelRowChunks(op *Op, numRows, rowWidth int, runChunk func(r0, r1 int)) {
	if !op.workers.IsEnabled() || numRows*rowWidth <= minParallelizeChunk {
		runChunk(0, numRows)
		return
	}
	rowsPerChunk := max(1, minParallelizeChunk/rowWidth)
	var wg sync.WaitGroup
	for r0 := 0; r0 < numRows; r0 += rowsPerChunk {
		r1 := min(r0+rowsPerChunk, numRows)
		wg.Add(1)
		op.workers.WaitToStart(func() {
			runChunk(r0, r1)
			wg.Done()
		})
	}
	wg.Wait()
}
