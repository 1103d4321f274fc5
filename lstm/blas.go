// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lstm

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

// gemm computes c = alpha * a·b + beta * c over dense row-major matrices:
// a is (m x k), b is (k x n) and c is (m x n), with the given strides
// (leading dimensions). It delegates to gonum's BLAS implementation.
//
// The kernel uses it in two ways: the batched input projection (beta=0, all
// timesteps at once) and the per-step recurrent accumulation prevH·WeightH
// into the gate rows (beta=1).
func gemm[T float32 | float64](m, n, k int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) {
	switch aData := any(a).(type) {
	case []float32:
		blas32.Gemm(blas.NoTrans, blas.NoTrans, float32(alpha),
			blas32.General{Rows: m, Cols: k, Stride: lda, Data: aData},
			blas32.General{Rows: k, Cols: n, Stride: ldb, Data: any(b).([]float32)},
			float32(beta),
			blas32.General{Rows: m, Cols: n, Stride: ldc, Data: any(c).([]float32)})
	case []float64:
		blas64.Gemm(blas.NoTrans, blas.NoTrans, float64(alpha),
			blas64.General{Rows: m, Cols: k, Stride: lda, Data: aData},
			blas64.General{Rows: k, Cols: n, Stride: ldb, Data: any(b).([]float64)},
			float64(beta),
			blas64.General{Rows: m, Cols: n, Stride: ldc, Data: any(c).([]float64)})
	}
}
