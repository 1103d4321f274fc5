// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and the check/assert helpers used by the
// fusionlstm kernel to validate its inputs.
//
// A Shape is the DType plus the dimensions of a dense row-major buffer. The
// kernel only computes on Float32 and Float64, but Shape itself is
// dtype-agnostic.
//
// Glossary:
//
//   - Rank: number of axes (dimensions) of a buffer.
//   - Axis: the index of a dimension. A scalar has rank 0.
//   - Dimension: the size alongside an axis.
//   - DType: the data type of the unit element, from github.com/gomlx/gopjrt/dtypes.
package shapes

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the shape of a dense row-major buffer.
//
// Use Make to create a new Shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
//
// It panics if any dimension is smaller than 1 -- zero or negative sized
// buffers are not supported.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: dimensions}
	for axis, dim := range dimensions {
		if dim < 1 {
			exceptions.Panicf("shapes.Make(%s, %v): invalid dimension %d for axis %d", dtype, dimensions, dim, axis)
		}
	}
	return s
}

// Rank returns the number of axes of the shape. A scalar has rank 0.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Ok returns whether the shape is valid (has a valid DType).
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Size returns the total number of elements: the product of all dimensions.
// A scalar has size 1.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Clone makes a deep copy of the shape.
func (s Shape) Clone() Shape {
	s2 := Shape{DType: s.DType, Dimensions: make([]int, s.Rank())}
	copy(s2.Dimensions, s.Dimensions)
	return s2
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(other Shape) bool {
	if s.DType != other.DType || s.Rank() != other.Rank() {
		return false
	}
	for axis, dim := range s.Dimensions {
		if other.Dimensions[axis] != dim {
			return false
		}
	}
	return true
}

// Shape returns itself, implementing the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer, e.g.: "(Float32)[3 4]".
func (s Shape) String() string {
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "(%s)[", s.DType)
	for axis, dim := range s.Dimensions {
		if axis > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", dim)
	}
	b.WriteByte(']')
	return b.String()
}
