// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lstm

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusionlstm/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Buffer holds a shape and a reference to the flat data.
//
// The flat data is always a []float32 or []float64 (matching shape.DType),
// laid out row-major. Weights, inputs and outputs are Buffers owned by the
// caller; the kernel's scratch Buffers come from the Op's internal pool.
type Buffer struct {
	shape shapes.Shape
	valid bool

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

// Shape of the buffer.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// Flat returns the underlying flat data: a []float32 or []float64 depending
// on the buffer's dtype.
func (b *Buffer) Flat() any { return b.flat }

// NewBuffer creates a buffer with newly allocated (zero-initialized) flat
// space. Only Float32 and Float64 dtypes are supported.
func NewBuffer(dtype dtypes.DType, dimensions ...int) *Buffer {
	shape := shapes.Make(dtype, dimensions...)
	buf := &Buffer{shape: shape, valid: true}
	switch dtype {
	case dtypes.Float32:
		buf.flat = make([]float32, shape.Size())
	case dtypes.Float64:
		buf.flat = make([]float64, shape.Size())
	default:
		exceptions.Panicf("lstm.NewBuffer: unsupported dtype %s, only Float32 and Float64 are supported", dtype)
	}
	return buf
}

// BufferFromFlat wraps an existing []float32 or []float64 into a Buffer with
// the given dimensions. The data is not copied: the caller keeps ownership
// and must not resize the slice.
func BufferFromFlat(flat any, dimensions ...int) (*Buffer, error) {
	var dtype dtypes.DType
	var length int
	switch data := flat.(type) {
	case []float32:
		dtype, length = dtypes.Float32, len(data)
	case []float64:
		dtype, length = dtypes.Float64, len(data)
	default:
		return nil, errors.Errorf("BufferFromFlat: flat data must be []float32 or []float64, got %T", flat)
	}
	shape := shapes.Make(dtype, dimensions...)
	if shape.Size() != length {
		return nil, errors.Errorf("BufferFromFlat: flat data has %d elements, shape %s requires %d", length, shape, shape.Size())
	}
	return &Buffer{shape: shape, valid: true, flat: flat}, nil
}

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for given dtype/length.
func (op *Op) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := op.bufferPools.Load(key)
	if !ok {
		poolInterface, _ = op.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() any {
				return NewBuffer(dtype, length)
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// getBuffer takes a scratch buffer from the Op's pool. Its contents are
// arbitrary: the user must fully overwrite whatever rows it reads back.
func (op *Op) getBuffer(dtype dtypes.DType, length int) *Buffer {
	pool := op.getBufferPool(dtype, length)
	buf := pool.Get().(*Buffer)
	buf.valid = true
	return buf
}

// putBuffer returns a scratch buffer to the pool. After this any references
// to the buffer (or its flat data) must be dropped.
func (op *Op) putBuffer(buf *Buffer) {
	if buf == nil {
		return
	}
	if !buf.valid || !buf.shape.Ok() {
		exceptions.Panicf("lstm: putBuffer(%p) called on an invalid buffer -- already returned to the pool?", buf)
	}
	buf.valid = false
	pool := op.getBufferPool(buf.shape.DType, buf.shape.Size())
	pool.Put(buf)
}

// flatOf returns the flat data of a scratch buffer as a []T.
func flatOf[T float32 | float64](buf *Buffer) []T {
	return buf.flat.([]T)
}
