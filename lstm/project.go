// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lstm

import (
	"sync"
)

// minParallelizeChunk is the minimum number of elements to parallelize over.
const minParallelizeChunk = 4096

// fcCompute is the input projection: out = x·w + bias, broadcasting bias over
// all rows. x is (rows x inWidth), w is (inWidth x outWidth) and out is
// (rows x outWidth). It fully overwrites out.
//
// Running it once over all timesteps of the batch -- instead of once per step
// inside the recurrence -- is the projection half of the fusion: one large
// GEMM instead of totalT small ones. Only the recurrent contribution
// prevH·WeightH must stay inside the time loop.
func fcCompute[T float32 | float64](op *Op, rows, outWidth, inWidth int, x, w, bias, out []T) {
	gemm(rows, outWidth, inWidth, T(1), x, inWidth, w, outWidth, T(0), out, outWidth)
	if bias != nil {
		addBiasRows(op, out, bias)
	}
}

// addBiasRows adds bias to each row of out in place, chunking the work over
// the Op's workers pool when out is large enough.
func addBiasRows[T float32 | float64](op *Op, out, bias []T) {
	n := len(out)
	if !op.workers.IsEnabled() || n <= minParallelizeChunk {
		addBiasChunk(out, bias)
		return
	}
	width := len(bias)
	// Chunks must hold whole rows, and at least one.
	chunk := max(width, (minParallelizeChunk/width)*width)
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		op.workers.WaitToStart(func() {
			addBiasChunk(out[start:end], bias)
			wg.Done()
		})
	}
	wg.Wait()
}

// addBiasChunk adds bias to each row of out in place. out must start at a row
// boundary and hold a whole number of rows.
func addBiasChunk[T float32 | float64](out, bias []T) {
	width := len(bias)
	for i, v := range out {
		out[i] = v + bias[i%width]
	}
}
