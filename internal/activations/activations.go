// Package activations provides the activation functions used by the
// decoder heads.
package activations

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Activation is an elementwise activation function with derivative.
type Activation interface {
	// Activate computes f(x)
	Activate(x float64) float64

	// Derivative computes f'(x) from the pre-activation x
	Derivative(x float64) float64
}

// ReLU activation function.
type ReLU struct{}

// Activate computes max(0, x)
func (r ReLU) Activate(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// Derivative returns 1 if x > 0, else 0
func (r ReLU) Derivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// Apply runs act over x in place and returns x.
func Apply(act Activation, x []float64) []float64 {
	for i, v := range x {
		x[i] = act.Activate(v)
	}
	return x
}

// Softmax is applied to a full row of logits rather than elementwise.
type Softmax struct{}

// ActivateBatch writes softmax(x) into dst and returns it.
// dst may alias x.
func (s Softmax) ActivateBatch(dst, x []float64) []float64 {
	if len(dst) != len(x) {
		panic("Softmax: dst and x must have same length")
	}
	// Subtract the max for numerical stability
	maxVal := floats.Max(x)
	sum := 0.0
	for i := range x {
		dst[i] = math.Exp(x[i] - maxVal)
		sum += dst[i]
	}
	floats.Scale(1/sum, dst)
	return dst
}

// Rows applies softmax independently to each row of a row-major matrix with
// the given number of columns.
func (s Softmax) Rows(dst, x []float64, cols int) []float64 {
	if len(x)%cols != 0 {
		panic("Softmax: length is not a multiple of row width")
	}
	for r := 0; r < len(x); r += cols {
		s.ActivateBatch(dst[r:r+cols], x[r:r+cols])
	}
	return dst
}

// LogSumExp computes log(sum(exp(x))) without overflow.
func LogSumExp(x []float64) float64 {
	return floats.LogSumExp(x)
}
