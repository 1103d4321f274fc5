// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// lstmbench runs the fusionlstm kernel over a random ragged batch and
// reports throughput for the sequence-mode and batched-mode drivers.
//
// It also cross-checks that both drivers produce the same outputs, which
// makes it a convenient quick sanity run on new platforms:
//
//	go run ./cmd/lstmbench -n 64 -min-len 5 -max-len 50 -m 32 -d 32 -steps 100
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/fusionlstm/lstm"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagNumSeqs   = flag.Int("n", 64, "Number of sequences in the batch.")
	flagMinLen    = flag.Int("min-len", 5, "Minimum sequence length.")
	flagMaxLen    = flag.Int("max-len", 50, "Maximum sequence length.")
	flagInputDim  = flag.Int("m", 32, "Input feature size (M).")
	flagHiddenDim = flag.Int("d", 32, "Hidden size (D).")
	flagSteps     = flag.Int("steps", 100, "Forward passes to run per driver.")
	flagPeepholes = flag.Bool("peepholes", false, "Enable peephole connections.")
	flagReverse   = flag.Bool("reverse", false, "Process sequences in reverse.")
	flagInitState = flag.Bool("init-state", false, "Provide initial H0/C0 states.")
	flagGateAct   = flag.String("gate-activation", "sigmoid", "Gate activation: sigmoid, tanh, relu or identity.")
	flagCellAct   = flag.String("cell-activation", "tanh", "Cell activation.")
	flagCandAct   = flag.String("candidate-activation", "tanh", "Candidate activation.")
	flagSeed      = flag.Int64("seed", 42, "Random seed.")
	flagTolerance = flag.Float64("tolerance", 1e-5, "Max abs difference allowed between the two drivers.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := lstm.Config{
		UsePeepholes:        *flagPeepholes,
		IsReverse:           *flagReverse,
		GateActivation:      must.M1(lstm.ActivationFromName(*flagGateAct)),
		CellActivation:      must.M1(lstm.ActivationFromName(*flagCellAct)),
		CandidateActivation: must.M1(lstm.ActivationFromName(*flagCandAct)),
	}

	rng := rand.New(rand.NewSource(*flagSeed))
	in, totalT := makeInputs(rng, cfg)
	fmt.Printf("Batch: N=%d sequences, totalT=%d rows, M=%d, D=%d, peepholes=%v, reverse=%v\n",
		*flagNumSeqs, totalT, *flagInputDim, *flagHiddenDim, *flagPeepholes, *flagReverse)

	seqOut := run("sequence mode", cfg, true, in, totalT)
	batchOut := run("batched mode", cfg, false, in, totalT)

	maxDiff := maxAbsDiff(seqOut.Hidden.Flat().([]float32), batchOut.Hidden.Flat().([]float32))
	maxDiff = math.Max(maxDiff, maxAbsDiff(seqOut.Cell.Flat().([]float32), batchOut.Cell.Flat().([]float32)))
	fmt.Printf("Max driver difference: %.3g\n", maxDiff)
	if maxDiff > *flagTolerance {
		klog.Exitf("sequence-mode and batched-mode outputs diverge by %g (tolerance %g)", maxDiff, *flagTolerance)
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	fmt.Printf("Total allocated: %s\n", humanize.Bytes(memStats.TotalAlloc))
}

// makeInputs builds a random ragged batch and weights for the configuration.
func makeInputs(rng *rand.Rand, cfg lstm.Config) (in lstm.Inputs, totalT int) {
	n, m, d := *flagNumSeqs, *flagInputDim, *flagHiddenDim
	offsets := make([]int, n+1)
	for i := range n {
		length := *flagMinLen + rng.Intn(*flagMaxLen-*flagMinLen+1)
		offsets[i+1] = offsets[i] + length
	}
	totalT = offsets[n]

	biasWidth := 4 * d
	if cfg.UsePeepholes {
		biasWidth = 7 * d
	}
	in = lstm.Inputs{
		SeqOffsets: offsets,
		X:          randBuffer(rng, totalT, m),
		WeightX:    randBuffer(rng, m, 4*d),
		WeightH:    randBuffer(rng, d, 4*d),
		Bias:       randBuffer(rng, 1, biasWidth),
	}
	if *flagInitState {
		in.H0 = randBuffer(rng, n, d)
		in.C0 = randBuffer(rng, n, d)
	}
	return
}

func randBuffer(rng *rand.Rand, dims ...int) *lstm.Buffer {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for i := range data {
		data[i] = float32(rng.NormFloat64()) * 0.1
	}
	return must.M1(lstm.BufferFromFlat(data, dims...))
}

// run executes flagSteps forward passes with the given driver and reports
// throughput. It returns the outputs of the last pass.
func run(name string, cfg lstm.Config, useSeq bool, in lstm.Inputs, totalT int) *lstm.Outputs {
	cfg.UseSeq = useSeq
	op := must.M1(lstm.New(cfg))
	d := *flagHiddenDim
	out := &lstm.Outputs{
		Hidden: must.M1(lstm.BufferFromFlat(make([]float32, totalT*d), totalT, d)),
		Cell:   must.M1(lstm.BufferFromFlat(make([]float32, totalT*d), totalT, d)),
	}

	fmt.Printf("\n%s:\n", name)
	bar := progressbar.Default(int64(*flagSteps))
	start := time.Now()
	for range *flagSteps {
		must.M(op.Forward(in, out))
		must.M(bar.Add(1))
	}
	elapsed := time.Since(start)
	rowsPerSec := float64(totalT*(*flagSteps)) / elapsed.Seconds()
	fmt.Printf("  %s for %d passes, %s timestep-rows/sec\n",
		elapsed.Round(time.Millisecond), *flagSteps, humanize.SIWithDigits(rowsPerSec, 2, ""))
	return out
}

func maxAbsDiff(a, b []float32) float64 {
	var maxDiff float64
	for i, v := range a {
		maxDiff = math.Max(maxDiff, math.Abs(float64(v-b[i])))
	}
	return maxDiff
}
