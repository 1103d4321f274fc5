// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lstm

// seqCompute is the sequence-mode driver: it walks each sequence's timesteps
// in isolation. The input projection still happens as one GEMM over all
// timesteps; only the recurrence is per-sequence.
//
// With IsReverse the rows of a sequence are consumed back to front: the row
// cursor starts at the last row and steps by -1, so the state computed when
// processing element r (having consumed rows end..r) is stored at row r.
func seqCompute[T float32 | float64](op *Op, in Inputs, out *Outputs, dm dims, seqs *sequenceLayout) {
	dtype := in.X.shape.DType
	x := in.X.flat.([]T)
	wx := in.WeightX.flat.([]T)
	wh := in.WeightH.flat.([]T)
	bias := in.Bias.flat.([]T)
	hOut := out.Hidden.flat.([]T)
	cOut := out.Cell.flat.([]T)
	var h0, c0 []T
	if in.H0 != nil {
		h0 = in.H0.flat.([]T)
		c0 = in.C0.flat.([]T)
	}

	d, d4 := dm.d, 4*dm.d
	var wc []T
	if op.cfg.UsePeepholes {
		wc = bias[d4 : d4+3*d]
	}

	// Projected gate rows for the whole batch, one 4D row per timestep.
	gatesBuf := op.getBuffer(dtype, dm.totalT*d4)
	defer op.putBuffer(gatesBuf)
	gates := flatOf[T](gatesBuf)
	fcCompute(op, dm.totalT, d4, dm.m, x, wx, bias[:d4], gates)

	s := newStepper(op.cfg, d, wc)
	step, fast := s.stepFunc(op.cfg)
	if fast {
		op.logFastPath()
	}
	var checked []T
	if wc != nil {
		checkedBuf := op.getBuffer(dtype, 2*d)
		defer op.putBuffer(checkedBuf)
		checked = flatOf[T](checkedBuf)
	}

	stride := 1
	if op.cfg.IsReverse {
		stride = -1
	}
	for i := range dm.n {
		start, length := seqs.seqStart(i), seqs.seqLen(i)
		row := start
		if op.cfg.IsReverse {
			row = start + length - 1
		}
		tStart := 0
		var prevH, prevC []T
		if h0 != nil {
			prevH = h0[i*d : (i+1)*d]
			prevC = c0[i*d : (i+1)*d]
		} else {
			s.stepNoPrev(gates[row*d4:(row+1)*d4], cOut[row*d:(row+1)*d], hOut[row*d:(row+1)*d])
			prevH = hOut[row*d : (row+1)*d]
			prevC = cOut[row*d : (row+1)*d]
			row += stride
			tStart = 1
		}
		for t := tStart; t < length; t++ {
			g := gates[row*d4 : (row+1)*d4]
			gemm(1, d4, d, T(1), prevH, d, wh, d4, T(1), g, d4)
			step(g, prevC, cOut[row*d:(row+1)*d], hOut[row*d:(row+1)*d], checked)
			prevH = hOut[row*d : (row+1)*d]
			prevC = cOut[row*d : (row+1)*d]
			row += stride
		}
	}
}
