// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// UncheckedAxis can be used in CheckDims or AssertDims for an axis whose
// dimension doesn't matter.
const UncheckedAxis = int(-1)

// HasShape is an interface for objects that have an associated Shape.
type HasShape interface {
	Shape() Shape
}

// CheckDims checks that the shape has the given dimensions and rank. A value
// of -1 (UncheckedAxis) in dimensions means it can take any value and is not
// checked.
//
// It returns an error if the rank is different or if any of the dimensions
// don't match.
func (s Shape) CheckDims(dimensions ...int) error {
	if s.Rank() != len(dimensions) {
		return errors.Errorf("shape (%s) has incompatible rank %d (wanted %d)", s, s.Rank(), len(dimensions))
	}
	for axis, wantDim := range dimensions {
		if wantDim != UncheckedAxis && s.Dimensions[axis] != wantDim {
			return errors.Errorf("shape (%s) axis %d has dimension %d, wanted %d (shape wanted=%v)",
				s, axis, s.Dimensions[axis], wantDim, dimensions)
		}
	}
	return nil
}

// Check that the shape has the given dtype, dimensions and rank. A value of -1
// in dimensions means it can take any value and is not checked.
func (s Shape) Check(dtype dtypes.DType, dimensions ...int) error {
	if dtype != s.DType {
		return errors.Errorf("shape (%s) has incompatible dtype %s (wanted %s)", s, s.DType, dtype)
	}
	return s.CheckDims(dimensions...)
}

// AssertDims checks that the shape has the given dimensions and rank. A value
// of -1 in dimensions means it can take any value and is not checked.
//
// It panics if it doesn't match.
func (s Shape) AssertDims(dimensions ...int) {
	if err := s.CheckDims(dimensions...); err != nil {
		panic(fmt.Sprintf("shapes.AssertDims(%v): %+v", dimensions, err))
	}
}

// Assert checks that the shape has the given dtype, dimensions and rank. A
// value of -1 in dimensions means it can take any value and is not checked.
//
// It panics if it doesn't match.
func (s Shape) Assert(dtype dtypes.DType, dimensions ...int) {
	if err := s.Check(dtype, dimensions...); err != nil {
		panic(fmt.Sprintf("shapes.Assert(%s, %v): %+v", dtype, dimensions, err))
	}
}

// AssertRank checks that the shape has the given rank, and panics otherwise.
func (s Shape) AssertRank(rank int) {
	if s.Rank() != rank {
		panic(fmt.Sprintf("shapes.AssertRank(%d): shape (%s) has rank %d", rank, s, s.Rank()))
	}
}
