// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lstm

// Per-step gate engine.
//
// A gate row is a 4D-wide slice holding, in order:
//
//	[candidate(D) | input(D) | forget(D) | output(D)]
//
// On entry it holds pre-activations: x_t·WeightX + bias, plus, for steps with
// a previous state, the recurrent contribution prevH·WeightH accumulated by
// the driver. The step functions overwrite it in place while computing the
// new cell and hidden vectors.

// stepFn advances one sequence by one timestep that has a previous state.
// checked is a 2D-wide scratch row, only used when peepholes are enabled
// (it holds Wic⊙prevC and Wfc⊙prevC); it may be nil otherwise.
type stepFn[T float32 | float64] func(gates, prevC, ct, ht, checked []T)

// stepper evaluates the LSTM gate equations for one timestep.
//
// All methods are read-only on the stepper itself, so a single stepper is
// safely shared by the parallel per-row steps of the batched driver.
type stepper[T float32 | float64] struct {
	d int

	actGate, actCell, actCand activationFn[T]

	// wc are the 3 peephole weight vectors [Wic | Wfc | Woc], a view into the
	// tail of the Bias input. nil when peepholes are disabled.
	wc []T
}

func newStepper[T float32 | float64](cfg Config, d int, wc []T) *stepper[T] {
	return &stepper[T]{
		d:       d,
		actGate: activationFunc[T](cfg.GateActivation),
		actCell: activationFunc[T](cfg.CellActivation),
		actCand: activationFunc[T](cfg.CandidateActivation),
		wc:      wc,
	}
}

// fastHiddenSize is the hidden size covered by the specialized step.
const fastHiddenSize = 8

// stepFunc returns the HAS_PREV_STATE step: the specialized routine when the
// configuration matches it exactly, the generic gate equations otherwise.
// Both compute bit-identical results; the specialized one only exists for
// throughput.
func (s *stepper[T]) stepFunc(cfg Config) (fn stepFn[T], fast bool) {
	if !cfg.UsePeepholes && cfg.GateActivation == ActivationSigmoid &&
		cfg.CandidateActivation == ActivationTanh && cfg.CellActivation == ActivationTanh &&
		s.d == fastHiddenSize {
		return stepSigmoidTanh8[T], true
	}
	return s.step, false
}

// getCt computes ct = prevC ⊙ forget' + cand' ⊙ input'. The input and forget
// gates must already be activated; the candidate is activated here. The
// input and forget slots are consumed as scratch for the two products.
func (s *stepper[T]) getCt(gates, prevC, ct []T) {
	d := s.d
	s.actCand(gates[:d], gates[:d])
	vMul(gates[d:2*d], gates[:d], gates[d:2*d])
	vMul(gates[2*d:3*d], prevC, gates[2*d:3*d])
	vAdd(ct, gates[d:2*d], gates[2*d:3*d])
}

// getHt computes ht = actCell(ct) ⊙ output'. The output gate must already be
// activated. The forget slot is reused as scratch for actCell(ct).
func (s *stepper[T]) getHt(gates, ct, ht []T) {
	d := s.d
	s.actCell(gates[2*d:3*d], ct)
	vMul(ht, gates[2*d:3*d], gates[3*d:4*d])
}

// addOutputPeephole accumulates Woc ⊙ ct into the output gate pre-activation.
func (s *stepper[T]) addOutputPeephole(gates, ct []T) {
	d := s.d
	out := gates[3*d : 4*d]
	woc := s.wc[2*d : 3*d]
	for i, c := range ct {
		out[i] += woc[i] * c
	}
}

// stepNoPrev processes the first timestep of a sequence when no initial state
// was supplied: ct = input' ⊙ cand', with no forget term (there is no
// previous cell to forget, and the forget slot is left untouched).
func (s *stepper[T]) stepNoPrev(gates, ct, ht []T) {
	d := s.d
	s.actGate(gates[d:2*d], gates[d:2*d])
	s.actCand(gates[:d], gates[:d])
	vMul(ct, gates[:d], gates[d:2*d])
	if s.wc != nil {
		s.addOutputPeephole(gates, ct)
	}
	s.actGate(gates[3*d:4*d], gates[3*d:4*d])
	s.getHt(gates, ct, ht)
}

// step processes a timestep with a previous state. The driver must have
// accumulated prevH·WeightH into the gate row beforehand.
//
// Without peepholes the input, forget and output gates share one activation
// function, so they are activated in one contiguous 3D sweep. With peepholes
// the output gate is held back: its pre-activation still needs the Woc ⊙ ct
// term, and ct is only known after the input and forget gates are applied.
func (s *stepper[T]) step(gates, prevC, ct, ht, checked []T) {
	d := s.d
	if s.wc == nil {
		s.actGate(gates[d:4*d], gates[d:4*d])
		s.getCt(gates, prevC, ct)
		s.getHt(gates, ct, ht)
		return
	}
	vMul(checked[:d], s.wc[:d], prevC)
	vMul(checked[d:2*d], s.wc[d:2*d], prevC)
	vAdd(gates[d:3*d], checked[:2*d], gates[d:3*d])
	s.actGate(gates[d:3*d], gates[d:3*d])
	s.getCt(gates, prevC, ct)
	s.addOutputPeephole(gates, ct)
	s.actGate(gates[3*d:4*d], gates[3*d:4*d])
	s.getHt(gates, ct, ht)
}

// stepSigmoidTanh8 is the specialized HAS_PREV_STATE step for the default
// activation triple (gate=sigmoid, candidate=tanh, cell=tanh), no peepholes
// and hidden size 8. It keeps everything in registers instead of sweeping the
// gate row once per elementwise operation.
func stepSigmoidTanh8[T float32 | float64](gates, prevC, ct, ht, _ []T) {
	const d = fastHiddenSize
	for i := range d {
		in := sigmoidScalar(gates[d+i])
		forget := sigmoidScalar(gates[2*d+i])
		out := sigmoidScalar(gates[3*d+i])
		cand := tanhScalar(gates[i])
		c := cand*in + prevC[i]*forget
		ct[i] = c
		ht[i] = tanhScalar(c) * out
	}
}
