// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lstm implements a fused LSTM forward-pass kernel over
// variable-length batched sequences.
//
// The kernel fuses three operations that are usually separate: the
// input-to-gates projection (one dense GEMM over every timestep of the
// batch), the per-timestep recurrent gate computation, and the
// sequence regrouping that turns a ragged batch into dense time-major blocks.
// Two execution strategies are provided and produce identical results:
//
//   - Sequence mode (Config.UseSeq): each sequence's recurrence runs in
//     isolation over its own rows.
//   - Batched mode: sequences are ordered by descending length and regrouped
//     so each global time-slice is one contiguous block, turning many small
//     recurrent GEMMs into one per slice.
//
// Inputs and outputs are flat row-major Buffers (Float32 or Float64). The
// ragged batch is described by N+1 boundary offsets into the timestep axis,
// one sub-range per sequence. Optional peephole connections and direction
// reversal are supported. There is no backward pass.
package lstm

import (
	"sync"

	"github.com/gomlx/fusionlstm/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config selects the kernel variant. It is fixed at construction and applies
// to every Forward call of the Op.
type Config struct {
	// UsePeepholes enables the diagonal cell-to-gate connections. When set,
	// Bias must be (1 x 7D): the trailing 3D holds the peephole weights
	// [Wic | Wfc | Woc].
	UsePeepholes bool

	// IsReverse processes every sequence from its last element to its first.
	IsReverse bool

	// UseSeq selects the sequence-mode driver. When false the batched-mode
	// driver is used (single-sequence batches fall back to sequence mode).
	UseSeq bool

	// GateActivation is applied to the input, forget and output gates.
	GateActivation Activation

	// CellActivation is applied to the cell state when computing the hidden
	// state.
	CellActivation Activation

	// CandidateActivation is applied to the candidate state.
	CandidateActivation Activation
}

// DefaultConfig returns the canonical LSTM configuration: peepholes on,
// forward direction, sequence mode, sigmoid gates and tanh cell/candidate.
func DefaultConfig() Config {
	return Config{
		UsePeepholes:        true,
		UseSeq:              true,
		GateActivation:      ActivationSigmoid,
		CellActivation:      ActivationTanh,
		CandidateActivation: ActivationTanh,
	}
}

// Op is a fused LSTM kernel ready to run forward passes.
//
// An Op is safe for concurrent Forward calls on different inputs: the
// configuration and the caller's weights are read-only, and all working
// buffers are private to each invocation.
type Op struct {
	cfg Config

	// bufferPools is a map[bufferPoolKey]*sync.Pool of reusable scratch buffers.
	bufferPools sync.Map
	workers     workersPool

	fastPathOnce sync.Once
}

// New creates an Op with the given configuration.
func New(cfg Config) (*Op, error) {
	for _, act := range []Activation{cfg.GateActivation, cfg.CellActivation, cfg.CandidateActivation} {
		if act < ActivationSigmoid || act > ActivationIdentity {
			return nil, errors.Errorf("lstm.New: invalid activation %d", act)
		}
	}
	op := &Op{cfg: cfg}
	op.workers.Initialize()
	return op, nil
}

// Config returns the configuration the Op was created with.
func (op *Op) Config() Config { return op.cfg }

// SetMaxParallelism limits the internal data-parallelism of Forward calls.
// 0 disables it, negative values mean unlimited. The default is the number
// of CPUs. Parallelism never changes the computed values.
func (op *Op) SetMaxParallelism(maxParallelism int) {
	op.workers.SetMaxParallelism(maxParallelism)
}

// Inputs of one forward pass. All buffers must share one dtype (Float32 or
// Float64) and are only read; the caller keeps ownership.
type Inputs struct {
	// X is the ragged batch, shaped (totalT x M): every sequence's timesteps
	// packed back-to-back along the first axis.
	X *Buffer

	// SeqOffsets are the N+1 strictly increasing boundary offsets:
	// sequence i occupies rows [SeqOffsets[i], SeqOffsets[i+1]) of X.
	// SeqOffsets[0] must be 0 and the last entry must be totalT.
	SeqOffsets []int

	// WeightX is the input projection, shaped (M x 4D). The 4D gate axis is
	// laid out [candidate | input | forget | output].
	WeightX *Buffer

	// WeightH is the recurrent projection, shaped (D x 4D).
	WeightH *Buffer

	// Bias is shaped (1 x 4D), or (1 x 7D) with peepholes enabled -- the
	// trailing 3D then holds the peephole weights [Wic | Wfc | Woc].
	Bias *Buffer

	// H0 and C0 are the optional initial hidden/cell states, shaped (N x D)
	// each. Either both are given or neither: without them the first
	// timestep of each sequence computes its state from the input alone.
	H0, C0 *Buffer
}

// Outputs of one forward pass. The caller provides pre-sized buffers; the
// kernel fully overwrites them.
type Outputs struct {
	// Hidden holds every timestep's hidden state, shaped (totalT x D), in
	// the same ragged layout as X.
	Hidden *Buffer

	// Cell holds every timestep's cell state, shaped (totalT x D).
	Cell *Buffer
}

// dims are the sizes derived from the validated inputs.
type dims struct {
	totalT int // rows of X: total timesteps across the batch
	n      int // number of sequences
	m      int // input feature size
	d      int // hidden size
}

// Forward runs one forward pass. All preconditions are checked before any
// numeric work or output write happens; a violation is a caller bug reported
// with expected-vs-actual context, never a partial result.
func (op *Op) Forward(in Inputs, out *Outputs) error {
	dm, seqs, err := op.validate(in, out)
	if err != nil {
		return err
	}
	switch in.X.shape.DType {
	case dtypes.Float32:
		forward[float32](op, in, out, dm, seqs)
	case dtypes.Float64:
		forward[float64](op, in, out, dm, seqs)
	}
	return nil
}

func forward[T float32 | float64](op *Op, in Inputs, out *Outputs, dm dims, seqs *sequenceLayout) {
	if op.cfg.UseSeq || dm.n == 1 {
		seqCompute[T](op, in, out, dm, seqs)
	} else {
		batchCompute[T](op, in, out, dm, seqs)
	}
}

// validate is the shape-checking stage: it derives the sizes and the sequence
// layout, and checks every dimension relation between the inputs and outputs.
func (op *Op) validate(in Inputs, out *Outputs) (dims, *sequenceLayout, error) {
	var dm dims
	for name, buf := range map[string]*Buffer{"X": in.X, "WeightX": in.WeightX, "WeightH": in.WeightH, "Bias": in.Bias} {
		if buf == nil {
			return dm, nil, errors.Errorf("lstm: missing required input %s", name)
		}
	}
	if out == nil || out.Hidden == nil || out.Cell == nil {
		return dm, nil, errors.New("lstm: outputs Hidden and Cell must be provided pre-sized")
	}

	dtype := in.X.shape.DType
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		return dm, nil, errors.Errorf("lstm: X has dtype %s, only Float32 and Float64 are supported", dtype)
	}
	if in.X.shape.Rank() != 2 {
		return dm, nil, errors.Errorf("lstm: X must be rank 2 (totalT x M), got shape %s", in.X.shape)
	}
	dm.totalT = in.X.shape.Dimensions[0]
	dm.m = in.X.shape.Dimensions[1]

	seqs, err := newSequenceLayout(in.SeqOffsets)
	if err != nil {
		return dm, nil, errors.Wrapf(err, "lstm: invalid SeqOffsets")
	}
	if seqs.totalT != dm.totalT {
		return dm, nil, errors.Errorf("lstm: SeqOffsets cover %d rows, X has %d", seqs.totalT, dm.totalT)
	}
	dm.n = seqs.numSeqs

	if in.WeightX.shape.Rank() != 2 {
		return dm, nil, errors.Errorf("lstm: WeightX must be rank 2 (M x 4D), got shape %s", in.WeightX.shape)
	}
	d4 := in.WeightX.shape.Dimensions[1]
	if d4%4 != 0 {
		return dm, nil, errors.Errorf("lstm: WeightX gate axis must be a multiple of 4 (one column block per gate), got %d", d4)
	}
	dm.d = d4 / 4
	if err := in.WeightX.shape.Check(dtype, dm.m, d4); err != nil {
		return dm, nil, errors.Wrapf(err, "lstm: WeightX must be (M x 4D) = (%d x %d)", dm.m, d4)
	}
	if err := in.WeightH.shape.Check(dtype, dm.d, d4); err != nil {
		return dm, nil, errors.Wrapf(err, "lstm: WeightH must be (D x 4D) = (%d x %d)", dm.d, d4)
	}

	biasWidth := d4
	if op.cfg.UsePeepholes {
		biasWidth = 7 * dm.d
	}
	if err := in.Bias.shape.Check(dtype, 1, biasWidth); err != nil {
		return dm, nil, errors.Wrapf(err, "lstm: Bias must be (1 x %d) with use_peepholes=%v and D=%d",
			biasWidth, op.cfg.UsePeepholes, dm.d)
	}

	if (in.H0 == nil) != (in.C0 == nil) {
		return dm, nil, errors.New("lstm: H0 and C0 must be given together or not at all")
	}
	if in.H0 != nil {
		if err := in.H0.shape.Check(dtype, dm.n, dm.d); err != nil {
			return dm, nil, errors.Wrapf(err, "lstm: H0 must be (N x D) = (%d x %d)", dm.n, dm.d)
		}
		if err := in.C0.shape.Check(dtype, dm.n, dm.d); err != nil {
			return dm, nil, errors.Wrapf(err, "lstm: C0 must be (N x D) = (%d x %d)", dm.n, dm.d)
		}
	}

	if err := out.Hidden.shape.Check(dtype, dm.totalT, dm.d); err != nil {
		return dm, nil, errors.Wrapf(err, "lstm: output Hidden must be (totalT x D) = (%d x %d)", dm.totalT, dm.d)
	}
	if err := out.Cell.shape.Check(dtype, dm.totalT, dm.d); err != nil {
		return dm, nil, errors.Wrapf(err, "lstm: output Cell must be (totalT x D) = (%d x %d)", dm.totalT, dm.d)
	}
	return dm, seqs, nil
}

// logFastPath logs once per Op when the specialized step is selected.
func (op *Op) logFastPath() {
	op.fastPathOnce.Do(func() {
		klog.V(1).Infof("lstm: using specialized sigmoid/tanh/tanh step for hidden size %d", fastHiddenSize)
	})
}

// Compile-time check that Buffer satisfies the shapes.HasShape interface.
var _ shapes.HasShape = (*Buffer)(nil)
