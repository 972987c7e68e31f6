// Package layer provides the trainable building blocks of the decoder.
//
// Layers here hold weights only. Forward passes return fresh matrices and
// backward passes take the cached input explicitly, so one weight set can
// serve a training pass and a validation pass without either clobbering
// the other's intermediates.
package layer

import (
	"fmt"

	"github.com/FlavioCFOliveira/GoRezoom/internal/activations"
	"gonum.org/v1/gonum/mat"
)

// Linear is a bias-free fully connected projection y = x * W.
type Linear struct {
	name string
	// Shape: [in, out], row-major and contiguous
	w *mat.Dense
}

// NewLinear creates a projection initialised uniformly in [-scale, scale].
func NewLinear(name string, in, out int, scale float64, rng *RNG) *Linear {
	if in <= 0 || out <= 0 {
		panic(fmt.Sprintf("Linear %s: invalid size %dx%d", name, in, out))
	}
	data := make([]float64, in*out)
	for i := range data {
		data[i] = rng.Uniform(-scale, scale)
	}
	return &Linear{name: name, w: mat.NewDense(in, out, data)}
}

// Name identifies the layer's weight tensor.
func (l *Linear) Name() string {
	return l.name
}

// InSize returns the input width.
func (l *Linear) InSize() int {
	r, _ := l.w.Dims()
	return r
}

// OutSize returns the output width.
func (l *Linear) OutSize() int {
	_, c := l.w.Dims()
	return c
}

// Weights returns the weight matrix.
func (l *Linear) Weights() *mat.Dense {
	return l.w
}

// Params returns the live parameter slice (updates write through).
func (l *Linear) Params() []float64 {
	return l.w.RawMatrix().Data
}

// SetParams overwrites the weights.
func (l *Linear) SetParams(params []float64) {
	p := l.Params()
	if len(params) != len(p) {
		panic(fmt.Sprintf("Linear %s: %d params, want %d", l.name, len(params), len(p)))
	}
	copy(p, params)
}

// Forward computes x * W for a batch of rows.
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	n, in := x.Dims()
	if in != l.InSize() {
		panic(fmt.Sprintf("Linear %s: input width %d, want %d", l.name, in, l.InSize()))
	}
	out := mat.NewDense(n, l.OutSize(), nil)
	out.Mul(x, l.w)
	return out
}

// Backward returns the gradients with respect to the input and the weights,
// given the forward input x and the output gradient dy.
func (l *Linear) Backward(x, dy *mat.Dense) (dx, dW *mat.Dense) {
	n, _ := x.Dims()
	dn, dout := dy.Dims()
	if dn != n || dout != l.OutSize() {
		panic(fmt.Sprintf("Linear %s: gradient %dx%d does not match output %dx%d", l.name, dn, dout, n, l.OutSize()))
	}
	dW = mat.NewDense(l.InSize(), l.OutSize(), nil)
	dW.Mul(x.T(), dy)
	dx = mat.NewDense(n, l.InSize(), nil)
	dx.Mul(dy, l.w.T())
	return dx, dW
}

// Activate applies act to every element of m, returning a new matrix.
func Activate(act activations.Activation, m *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(m)
	activations.Apply(act, out.RawMatrix().Data)
	return out
}

// ActivateBackward multiplies dy by act'(pre) elementwise.
func ActivateBackward(act activations.Activation, pre, dy *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(dy)
	d := out.RawMatrix().Data
	p := pre.RawMatrix().Data
	for i := range d {
		d[i] *= act.Derivative(p[i])
	}
	return out
}
