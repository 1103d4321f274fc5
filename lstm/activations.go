// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lstm

import (
	"math"

	"github.com/pkg/errors"
)

// Activation selects the elementwise activation function applied to the
// gates, the cell output and the candidate state.
type Activation int

const (
	// ActivationSigmoid is 1/(1+exp(-x)), the default for the gates.
	ActivationSigmoid Activation = iota

	// ActivationTanh is the default for the cell output and the candidate.
	ActivationTanh

	// ActivationRelu is max(x, 0).
	ActivationRelu

	// ActivationIdentity leaves the values untouched.
	ActivationIdentity
)

// String implements fmt.Stringer, returning the lower-case name used by
// ActivationFromName.
func (a Activation) String() string {
	switch a {
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationTanh:
		return "tanh"
	case ActivationRelu:
		return "relu"
	case ActivationIdentity:
		return "identity"
	}
	return "invalid"
}

// ActivationFromName converts one of "sigmoid", "tanh", "relu" or "identity"
// to its Activation value.
func ActivationFromName(name string) (Activation, error) {
	for _, a := range []Activation{ActivationSigmoid, ActivationTanh, ActivationRelu, ActivationIdentity} {
		if a.String() == name {
			return a, nil
		}
	}
	return 0, errors.Errorf("unknown activation %q, valid values are sigmoid, tanh, relu and identity", name)
}

func sigmoidScalar[T float32 | float64](x T) T {
	return 1 / (1 + T(math.Exp(float64(-x))))
}

func tanhScalar[T float32 | float64](x T) T {
	return T(math.Tanh(float64(x)))
}

// activationFn is an elementwise activation over a vector: dst[i] = f(src[i]).
// dst and src may alias (they usually do -- gates are activated in place).
type activationFn[T float32 | float64] func(dst, src []T)

// activationFunc returns the elementwise implementation of the given
// activation. The scalar helpers are shared with the specialized step in
// gates.go, so both paths compute bit-identical values.
func activationFunc[T float32 | float64](a Activation) activationFn[T] {
	switch a {
	case ActivationSigmoid:
		return func(dst, src []T) {
			for i, x := range src {
				dst[i] = sigmoidScalar(x)
			}
		}
	case ActivationTanh:
		return func(dst, src []T) {
			for i, x := range src {
				dst[i] = tanhScalar(x)
			}
		}
	case ActivationRelu:
		return func(dst, src []T) {
			for i, x := range src {
				if x < 0 {
					x = 0
				}
				dst[i] = x
			}
		}
	case ActivationIdentity:
		return func(dst, src []T) {
			copy(dst, src)
		}
	}
	return nil
}

// vMul computes dst[i] = a[i] * b[i]. dst may alias a or b.
func vMul[T float32 | float64](dst, a, b []T) {
	for i, x := range a {
		dst[i] = x * b[i]
	}
}

// vAdd computes dst[i] = a[i] + b[i]. dst may alias a or b.
func vAdd[T float32 | float64](dst, a, b []T) {
	for i, x := range a {
		dst[i] = x + b[i]
	}
}
