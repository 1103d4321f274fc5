// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lstm

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// tolerance for float32 comparisons against the float64 reference.
const refTol = 1e-4

// driverTol for comparing the two drivers against each other: same stepper
// code, but the GEMM blocking may differ between the two.
const driverTol = 1e-5

// refLSTM is an independent straight-loop implementation of the forward
// pass, computed in float64, used as ground truth for both drivers.
func refLSTM(cfg Config, offsets []int, x, wx, wh, bias, h0, c0 []float64, m, d int) (hidden, cell []float64) {
	n := len(offsets) - 1
	totalT := offsets[n]
	d4 := 4 * d
	hidden = make([]float64, totalT*d)
	cell = make([]float64, totalT*d)

	act := func(a Activation, x float64) float64 {
		switch a {
		case ActivationSigmoid:
			return 1 / (1 + math.Exp(-x))
		case ActivationTanh:
			return math.Tanh(x)
		case ActivationRelu:
			return math.Max(x, 0)
		}
		return x
	}
	var wic, wfc, woc []float64
	if cfg.UsePeepholes {
		wic, wfc, woc = bias[d4:d4+d], bias[d4+d:d4+2*d], bias[d4+2*d:d4+3*d]
	}

	for i := range n {
		start, length := offsets[i], offsets[i+1]-offsets[i]
		var prevH, prevC []float64
		if h0 != nil {
			prevH, prevC = h0[i*d:(i+1)*d], c0[i*d:(i+1)*d]
		}
		for t := range length {
			row := start + t
			if cfg.IsReverse {
				row = start + length - 1 - t
			}
			g := make([]float64, d4)
			for col := range d4 {
				g[col] = bias[col]
				for k := range m {
					g[col] += x[row*m+k] * wx[k*d4+col]
				}
				if prevH != nil {
					for k := range d {
						g[col] += prevH[k] * wh[k*d4+col]
					}
				}
			}
			h, c := make([]float64, d), make([]float64, d)
			for j := range d {
				cand := act(cfg.CandidateActivation, g[j])
				if prevC == nil {
					c[j] = cand * act(cfg.GateActivation, g[d+j])
				} else {
					inPre, forgetPre := g[d+j], g[2*d+j]
					if cfg.UsePeepholes {
						inPre += wic[j] * prevC[j]
						forgetPre += wfc[j] * prevC[j]
					}
					c[j] = prevC[j]*act(cfg.GateActivation, forgetPre) + cand*act(cfg.GateActivation, inPre)
				}
			}
			for j := range d {
				outPre := g[3*d+j]
				if cfg.UsePeepholes {
					outPre += woc[j] * c[j]
				}
				h[j] = act(cfg.CellActivation, c[j]) * act(cfg.GateActivation, outPre)
			}
			copy(hidden[row*d:(row+1)*d], h)
			copy(cell[row*d:(row+1)*d], c)
			prevH, prevC = h, c
		}
	}
	return
}

func randSlice(rng *rand.Rand, size int) []float32 {
	data := make([]float32, size)
	for i := range data {
		data[i] = float32(rng.NormFloat64()) * 0.1
	}
	return data
}

func toF64(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}

func mustBuffer(t *testing.T, flat any, dims ...int) *Buffer {
	t.Helper()
	buf, err := BufferFromFlat(flat, dims...)
	require.NoError(t, err)
	return buf
}

// testCase bundles the random inputs for one configuration.
type testCase struct {
	offsets          []int
	m, d             int
	x, wx, wh, bias  []float32
	h0, c0           []float32
}

func newTestCase(rng *rand.Rand, offsets []int, m, d int, peepholes, initState bool) testCase {
	n := len(offsets) - 1
	totalT := offsets[n]
	biasWidth := 4 * d
	if peepholes {
		biasWidth = 7 * d
	}
	tc := testCase{
		offsets: offsets,
		m:       m,
		d:       d,
		x:       randSlice(rng, totalT*m),
		wx:      randSlice(rng, m*4*d),
		wh:      randSlice(rng, d*4*d),
		bias:    randSlice(rng, biasWidth),
	}
	if initState {
		tc.h0 = randSlice(rng, n*d)
		tc.c0 = randSlice(rng, n*d)
	}
	return tc
}

func (tc testCase) inputs(t *testing.T) Inputs {
	t.Helper()
	n := len(tc.offsets) - 1
	totalT := tc.offsets[n]
	in := Inputs{
		X:          mustBuffer(t, tc.x, totalT, tc.m),
		SeqOffsets: tc.offsets,
		WeightX:    mustBuffer(t, tc.wx, tc.m, 4*tc.d),
		WeightH:    mustBuffer(t, tc.wh, tc.d, 4*tc.d),
		Bias:       mustBuffer(t, tc.bias, 1, len(tc.bias)),
	}
	if tc.h0 != nil {
		in.H0 = mustBuffer(t, tc.h0, n, tc.d)
		in.C0 = mustBuffer(t, tc.c0, n, tc.d)
	}
	return in
}

// runForward creates an Op for the config and runs one pass, returning the
// flat hidden/cell outputs.
func runForward(t *testing.T, cfg Config, tc testCase) (hidden, cell []float32) {
	t.Helper()
	op, err := New(cfg)
	require.NoError(t, err)
	totalT := tc.offsets[len(tc.offsets)-1]
	out := &Outputs{
		Hidden: mustBuffer(t, make([]float32, totalT*tc.d), totalT, tc.d),
		Cell:   mustBuffer(t, make([]float32, totalT*tc.d), totalT, tc.d),
	}
	require.NoError(t, op.Forward(tc.inputs(t), out))
	return out.Hidden.flat.([]float32), out.Cell.flat.([]float32)
}

func assertClose(t *testing.T, want []float64, got []float32, tol float64, msg string) {
	t.Helper()
	require.Len(t, got, len(want), msg)
	for i := range want {
		assert.InDelta(t, want[i], float64(got[i]), tol, "%s: index %d", msg, i)
	}
}

func assertCloseF32(t *testing.T, want, got []float32, tol float64, msg string) {
	t.Helper()
	require.Len(t, got, len(want), msg)
	for i := range want {
		assert.InDelta(t, want[i], got[i], tol, "%s: index %d", msg, i)
	}
}

// TestForwardHandComputed checks the exact values of a fully linear
// configuration: identity activations turn the gate equations into plain
// arithmetic that can be followed by hand.
//
//	x = [[1, 2], [3, 4]], WeightX = WeightH = ones, bias = 0:
//	t=0: every gate pre-activation is 1+2 = 3.
//	     c = cand·in = 9, h = c·out = 27.
//	t=1: pre-activations are 3+4 plus the recurrent 27+27 = 61.
//	     c = 9·61 + 61·61 = 4270, h = 4270·61 = 260470.
//
// All values are integers below 2^24, so the float32 math is exact.
func TestForwardHandComputed(t *testing.T) {
	ones := func(size int) []float32 {
		data := make([]float32, size)
		for i := range data {
			data[i] = 1
		}
		return data
	}
	tc := testCase{
		offsets: []int{0, 2},
		m:       2,
		d:       2,
		x:       []float32{1, 2, 3, 4},
		wx:      ones(2 * 8),
		wh:      ones(2 * 8),
		bias:    make([]float32, 8),
	}
	cfg := Config{
		GateActivation:      ActivationIdentity,
		CellActivation:      ActivationIdentity,
		CandidateActivation: ActivationIdentity,
	}
	wantHidden := []float32{27, 27, 260470, 260470}
	wantCell := []float32{9, 9, 4270, 4270}

	for _, useSeq := range []bool{true, false} {
		cfg.UseSeq = useSeq
		hidden, cell := runForward(t, cfg, tc)
		assert.Equal(t, wantHidden, hidden, "useSeq=%v", useSeq)
		assert.Equal(t, wantCell, cell, "useSeq=%v", useSeq)
	}
}

// TestSeqVsBatchVsReference runs both drivers over the full configuration
// grid and checks them against each other and against the float64 reference.
func TestSeqVsBatchVsReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	offsets := []int{0, 3, 4, 8, 10, 16}
	const m, d = 3, 4

	for _, peepholes := range []bool{false, true} {
		for _, reverse := range []bool{false, true} {
			for _, initState := range []bool{false, true} {
				name := fmt.Sprintf("peepholes=%v/reverse=%v/initState=%v", peepholes, reverse, initState)
				t.Run(name, func(t *testing.T) {
					cfg := DefaultConfig()
					cfg.UsePeepholes = peepholes
					cfg.IsReverse = reverse
					tc := newTestCase(rng, offsets, m, d, peepholes, initState)

					var h0, c0 []float64
					if initState {
						h0, c0 = toF64(tc.h0), toF64(tc.c0)
					}
					wantHidden, wantCell := refLSTM(cfg, offsets, toF64(tc.x), toF64(tc.wx), toF64(tc.wh), toF64(tc.bias), h0, c0, m, d)

					cfg.UseSeq = true
					seqHidden, seqCell := runForward(t, cfg, tc)
					cfg.UseSeq = false
					batchHidden, batchCell := runForward(t, cfg, tc)

					assertClose(t, wantHidden, seqHidden, refTol, "seq hidden vs reference")
					assertClose(t, wantCell, seqCell, refTol, "seq cell vs reference")
					assertCloseF32(t, seqHidden, batchHidden, driverTol, "batch hidden vs seq")
					assertCloseF32(t, seqCell, batchCell, driverTol, "batch cell vs seq")
				})
			}
		}
	}
}

// TestReverseProperty: running with IsReverse equals element-reversing every
// sequence, running forward, and element-reversing the outputs back.
func TestReverseProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	offsets := []int{0, 4, 9, 11}
	const m, d = 3, 5
	tc := newTestCase(rng, offsets, m, d, false, false)

	cfg := DefaultConfig()
	cfg.UsePeepholes = false
	cfg.IsReverse = true
	revHidden, revCell := runForward(t, cfg, tc)

	// Element-reverse each sequence of X.
	reverseRows := func(data []float32, width int) []float32 {
		out := make([]float32, len(data))
		for i := range len(offsets) - 1 {
			start, end := offsets[i], offsets[i+1]
			for r := start; r < end; r++ {
				mirror := start + end - 1 - r
				copy(out[r*width:(r+1)*width], data[mirror*width:(mirror+1)*width])
			}
		}
		return out
	}
	tcFwd := tc
	tcFwd.x = reverseRows(tc.x, m)
	cfg.IsReverse = false
	fwdHidden, fwdCell := runForward(t, cfg, tcFwd)

	assertCloseF32(t, reverseRows(fwdHidden, d), revHidden, 1e-6, "hidden")
	assertCloseF32(t, reverseRows(fwdCell, d), revCell, 1e-6, "cell")
}

// TestSingleSequenceBatchFallback: with N=1 the batched driver must fall back
// to sequence mode and produce the same outputs.
func TestSingleSequenceBatchFallback(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	tc := newTestCase(rng, []int{0, 7}, 4, 3, true, false)
	cfg := DefaultConfig()

	cfg.UseSeq = true
	seqHidden, seqCell := runForward(t, cfg, tc)
	cfg.UseSeq = false
	batchHidden, batchCell := runForward(t, cfg, tc)

	assert.Equal(t, seqHidden, batchHidden)
	assert.Equal(t, seqCell, batchCell)
}

// TestInitialStateOnlyAffectsFirstStep: feeding back the states computed at
// the first timestep as H0/C0 for the remaining timesteps reproduces the
// original outputs -- the branches differ only in how the first state is born.
func TestInitialStateOnlyAffectsFirstStep(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const m, d, length = 3, 4, 6
	tc := newTestCase(rng, []int{0, length}, m, d, false, false)
	cfg := DefaultConfig()
	cfg.UsePeepholes = false

	hidden, cell := runForward(t, cfg, tc)

	// Re-run on rows 1..length-1 with H0/C0 set to the first-step states.
	tail := tc
	tail.offsets = []int{0, length - 1}
	tail.x = tc.x[m:]
	tail.h0 = hidden[:d]
	tail.c0 = cell[:d]
	tailHidden, tailCell := runForward(t, cfg, tail)

	assertCloseF32(t, hidden[d:], tailHidden, 1e-6, "hidden tail")
	assertCloseF32(t, cell[d:], tailCell, 1e-6, "cell tail")
}

func TestValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	tc := newTestCase(rng, []int{0, 2, 5}, 3, 4, false, false)
	totalT := 5

	newOutputs := func() *Outputs {
		return &Outputs{
			Hidden: mustBuffer(t, make([]float32, totalT*tc.d), totalT, tc.d),
			Cell:   mustBuffer(t, make([]float32, totalT*tc.d), totalT, tc.d),
		}
	}
	op, err := New(Config{UseSeq: true, GateActivation: ActivationSigmoid, CellActivation: ActivationTanh, CandidateActivation: ActivationTanh})
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, op.Forward(tc.inputs(t), newOutputs()))
	})

	t.Run("missing input", func(t *testing.T) {
		in := tc.inputs(t)
		in.WeightH = nil
		err := op.Forward(in, newOutputs())
		require.ErrorContains(t, err, "WeightH")
	})

	t.Run("bias too wide without peepholes", func(t *testing.T) {
		in := tc.inputs(t)
		in.Bias = mustBuffer(t, make([]float32, 7*tc.d), 1, 7*tc.d)
		// The outputs must not be touched when validation fails.
		out := newOutputs()
		sentinel := float32(-123)
		out.Hidden.flat.([]float32)[0] = sentinel
		err := op.Forward(in, out)
		require.ErrorContains(t, err, "Bias")
		assert.Equal(t, sentinel, out.Hidden.flat.([]float32)[0])
	})

	t.Run("bias too narrow with peepholes", func(t *testing.T) {
		peepOp, err := New(DefaultConfig())
		require.NoError(t, err)
		in := tc.inputs(t) // 4D bias, but peepholes require 7D.
		require.ErrorContains(t, peepOp.Forward(in, newOutputs()), "Bias")
	})

	t.Run("H0 without C0", func(t *testing.T) {
		in := tc.inputs(t)
		in.H0 = mustBuffer(t, make([]float32, 2*tc.d), 2, tc.d)
		require.ErrorContains(t, op.Forward(in, newOutputs()), "H0 and C0")
	})

	t.Run("H0 wrong shape", func(t *testing.T) {
		in := tc.inputs(t)
		in.H0 = mustBuffer(t, make([]float32, 3*tc.d), 3, tc.d)
		in.C0 = mustBuffer(t, make([]float32, 3*tc.d), 3, tc.d)
		require.ErrorContains(t, op.Forward(in, newOutputs()), "H0")
	})

	t.Run("WeightH mismatched hidden size", func(t *testing.T) {
		in := tc.inputs(t)
		in.WeightH = mustBuffer(t, make([]float32, 5*4*tc.d), 5, 4*tc.d)
		require.ErrorContains(t, op.Forward(in, newOutputs()), "WeightH")
	})

	t.Run("empty sequence", func(t *testing.T) {
		in := tc.inputs(t)
		in.SeqOffsets = []int{0, 2, 2, 5}
		require.ErrorContains(t, op.Forward(in, newOutputs()), "strictly increasing")
	})

	t.Run("offsets not covering X", func(t *testing.T) {
		in := tc.inputs(t)
		in.SeqOffsets = []int{0, 2, 4}
		require.ErrorContains(t, op.Forward(in, newOutputs()), "SeqOffsets")
	})

	t.Run("missing outputs", func(t *testing.T) {
		require.ErrorContains(t, op.Forward(tc.inputs(t), nil), "Hidden and Cell")
	})

	t.Run("dtype mismatch", func(t *testing.T) {
		in := tc.inputs(t)
		in.WeightX = mustBuffer(t, make([]float64, tc.m*4*tc.d), tc.m, 4*tc.d)
		require.ErrorContains(t, op.Forward(in, newOutputs()), "WeightX")
	})
}

func TestFloat64Forward(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	offsets := []int{0, 3, 8}
	const m, d = 2, 3
	tc := newTestCase(rng, offsets, m, d, true, false)
	cfg := DefaultConfig()

	// Build float64 copies of the same inputs.
	in := Inputs{
		X:          mustBuffer(t, toF64(tc.x), 8, m),
		SeqOffsets: offsets,
		WeightX:    mustBuffer(t, toF64(tc.wx), m, 4*d),
		WeightH:    mustBuffer(t, toF64(tc.wh), d, 4*d),
		Bias:       mustBuffer(t, toF64(tc.bias), 1, 7*d),
	}
	wantHidden, wantCell := refLSTM(cfg, offsets, toF64(tc.x), toF64(tc.wx), toF64(tc.wh), toF64(tc.bias), nil, nil, m, d)

	for _, useSeq := range []bool{true, false} {
		cfg.UseSeq = useSeq
		op, err := New(cfg)
		require.NoError(t, err)
		out := &Outputs{
			Hidden: mustBuffer(t, make([]float64, 8*d), 8, d),
			Cell:   mustBuffer(t, make([]float64, 8*d), 8, d),
		}
		require.NoError(t, op.Forward(in, out))
		hidden := out.Hidden.flat.([]float64)
		cell := out.Cell.flat.([]float64)
		for i := range wantHidden {
			assert.InDelta(t, wantHidden[i], hidden[i], 1e-12, "hidden index %d useSeq=%v", i, useSeq)
			assert.InDelta(t, wantCell[i], cell[i], 1e-12, "cell index %d useSeq=%v", i, useSeq)
		}
	}
}

// TestRepeatedForward reuses one Op (and so its buffer pool) across calls
// and checks the results stay stable.
func TestRepeatedForward(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	tc := newTestCase(rng, []int{0, 2, 6, 9}, 4, 8, false, false)
	cfg := DefaultConfig()
	cfg.UsePeepholes = false
	cfg.UseSeq = false

	first, firstCell := runForward(t, cfg, tc)
	op, err := New(cfg)
	require.NoError(t, err)
	for range 3 {
		out := &Outputs{
			Hidden: mustBuffer(t, make([]float32, 9*tc.d), 9, tc.d),
			Cell:   mustBuffer(t, make([]float32, 9*tc.d), 9, tc.d),
		}
		require.NoError(t, op.Forward(tc.inputs(t), out))
		assert.Equal(t, first, out.Hidden.flat.([]float32))
		assert.Equal(t, firstCell, out.Cell.flat.([]float32))
	}
}

func BenchmarkForward(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	offsets := make([]int, 33)
	for i := range 32 {
		offsets[i+1] = offsets[i] + 10 + rng.Intn(40)
	}
	const m, d = 32, 32
	totalT := offsets[32]
	tc := testCase{
		offsets: offsets,
		m:       m,
		d:       d,
		x:       randSlice(rng, totalT*m),
		wx:      randSlice(rng, m*4*d),
		wh:      randSlice(rng, d*4*d),
		bias:    randSlice(rng, 4*d),
	}
	cfg := DefaultConfig()
	cfg.UsePeepholes = false

	for _, useSeq := range []bool{true, false} {
		name := "batch"
		if useSeq {
			name = "seq"
		}
		b.Run(name, func(b *testing.B) {
			cfg.UseSeq = useSeq
			op, _ := New(cfg)
			in := Inputs{
				X:          mustBenchBuffer(b, tc.x, totalT, m),
				SeqOffsets: offsets,
				WeightX:    mustBenchBuffer(b, tc.wx, m, 4*d),
				WeightH:    mustBenchBuffer(b, tc.wh, d, 4*d),
				Bias:       mustBenchBuffer(b, tc.bias, 1, 4*d),
			}
			out := &Outputs{
				Hidden: mustBenchBuffer(b, make([]float32, totalT*d), totalT, d),
				Cell:   mustBenchBuffer(b, make([]float32, totalT*d), totalT, d),
			}
			b.ResetTimer()
			for range b.N {
				if err := op.Forward(in, out); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func mustBenchBuffer(b *testing.B, flat any, dims ...int) *Buffer {
	b.Helper()
	buf, err := BufferFromFlat(flat, dims...)
	if err != nil {
		b.Fatal(err)
	}
	return buf
}
