// Package tensor provides dense row-major tensors whose shapes are named,
// checked contracts.
//
// Every reshape or transpose states the shape it produces; a mismatch in
// element count or axis order returns ErrShape instead of silently
// reinterpreting memory.
package tensor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrShape marks a tensor whose dimensions do not match a declared contract.
var ErrShape = errors.New("shape mismatch")

// Shape is a named list of dimensions.
type Shape struct {
	Name string
	Dims []int
}

// NewShape creates a shape descriptor.
func NewShape(name string, dims ...int) Shape {
	return Shape{Name: name, Dims: append([]int(nil), dims...)}
}

// Size is the number of elements described by the shape.
func (s Shape) Size() int {
	n := 1
	for _, d := range s.Dims {
		n *= d
	}
	return n
}

// Rank is the number of axes.
func (s Shape) Rank() int {
	return len(s.Dims)
}

// Equal reports whether both shapes have the same dimensions (names are ignored).
func (s Shape) Equal(o Shape) bool {
	if len(s.Dims) != len(o.Dims) {
		return false
	}
	for i := range s.Dims {
		if s.Dims[i] != o.Dims[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s.Dims))
	for i, d := range s.Dims {
		parts[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("%s(%s)", s.Name, strings.Join(parts, ", "))
}

// strides returns row-major strides.
func (s Shape) strides() []int {
	st := make([]int, len(s.Dims))
	acc := 1
	for i := len(s.Dims) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= s.Dims[i]
	}
	return st
}

// Tensor is a dense row-major float64 tensor.
type Tensor struct {
	Shape Shape
	Data  []float64
}

// Zeros allocates a zero tensor.
func Zeros(name string, dims ...int) *Tensor {
	s := NewShape(name, dims...)
	return &Tensor{Shape: s, Data: make([]float64, s.Size())}
}

// FromData wraps data (without copying) after checking its length.
func FromData(data []float64, name string, dims ...int) (*Tensor, error) {
	s := NewShape(name, dims...)
	if s.Size() != len(data) {
		return nil, fmt.Errorf("%w: %d values cannot fill %v", ErrShape, len(data), s)
	}
	return &Tensor{Shape: s, Data: data}, nil
}

// MustFromData is FromData that panics, for literals in tests and fixed layouts.
func MustFromData(data []float64, name string, dims ...int) *Tensor {
	t, err := FromData(data, name, dims...)
	if err != nil {
		panic(err)
	}
	return t
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: NewShape(t.Shape.Name, t.Shape.Dims...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int {
	return t.Shape.Dims[i]
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.Shape.Dims) {
		panic(fmt.Sprintf("tensor %v: %d indices for rank %d", t.Shape, len(idx), len(t.Shape.Dims)))
	}
	off := 0
	for i, v := range idx {
		d := t.Shape.Dims[i]
		if v < 0 || v >= d {
			panic(fmt.Sprintf("tensor %v: index %d out of range on axis %d", t.Shape, v, i))
		}
		off = off*d + v
	}
	return off
}

// At returns the element at the given index.
func (t *Tensor) At(idx ...int) float64 {
	return t.Data[t.offset(idx)]
}

// Set stores v at the given index.
func (t *Tensor) Set(v float64, idx ...int) {
	t.Data[t.offset(idx)] = v
}

// Row returns the contiguous slice for all trailing axes under the leading indices.
func (t *Tensor) Row(lead ...int) []float64 {
	if len(lead) > len(t.Shape.Dims) {
		panic(fmt.Sprintf("tensor %v: too many leading indices", t.Shape))
	}
	full := make([]int, len(t.Shape.Dims))
	copy(full, lead)
	start := t.offset(full)
	n := 1
	for _, d := range t.Shape.Dims[len(lead):] {
		n *= d
	}
	return t.Data[start : start+n]
}

// Reshape returns a view with new dimensions; the element count must match.
func (t *Tensor) Reshape(name string, dims ...int) (*Tensor, error) {
	s := NewShape(name, dims...)
	if s.Size() != t.Shape.Size() {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.Shape, s)
	}
	return &Tensor{Shape: s, Data: t.Data}, nil
}

// MustReshape is Reshape for layouts that are correct by construction.
func (t *Tensor) MustReshape(name string, dims ...int) *Tensor {
	r, err := t.Reshape(name, dims...)
	if err != nil {
		panic(err)
	}
	return r
}

// Expect checks that t has exactly the given dimensions.
func (t *Tensor) Expect(dims ...int) error {
	want := NewShape(t.Shape.Name, dims...)
	if !t.Shape.Equal(want) {
		return fmt.Errorf("%w: %v, want %v", ErrShape, t.Shape, want)
	}
	return nil
}

// Transpose permutes axes into a new tensor: out axis i is input axis perm[i].
func (t *Tensor) Transpose(name string, perm ...int) (*Tensor, error) {
	rank := t.Shape.Rank()
	if len(perm) != rank {
		return nil, fmt.Errorf("%w: permutation %v for %v", ErrShape, perm, t.Shape)
	}
	seen := make([]bool, rank)
	outDims := make([]int, rank)
	for i, p := range perm {
		if p < 0 || p >= rank || seen[p] {
			return nil, fmt.Errorf("%w: invalid permutation %v", ErrShape, perm)
		}
		seen[p] = true
		outDims[i] = t.Shape.Dims[p]
	}
	out := Zeros(name, outDims...)
	inStrides := t.Shape.strides()
	// Walk the output in row-major order, tracking the matching input offset.
	idx := make([]int, rank)
	for o := range out.Data {
		in := 0
		for i, p := range perm {
			in += idx[i] * inStrides[p]
		}
		out.Data[o] = t.Data[in]
		for ax := rank - 1; ax >= 0; ax-- {
			idx[ax]++
			if idx[ax] < outDims[ax] {
				break
			}
			idx[ax] = 0
		}
	}
	return out, nil
}

// SliceLast keeps the first n entries of the last axis.
func (t *Tensor) SliceLast(name string, n int) (*Tensor, error) {
	rank := t.Shape.Rank()
	if rank == 0 {
		return nil, fmt.Errorf("%w: cannot slice scalar %v", ErrShape, t.Shape)
	}
	last := t.Shape.Dims[rank-1]
	if n > last || n <= 0 {
		return nil, fmt.Errorf("%w: cannot keep %d of %d channels in %v", ErrShape, n, last, t.Shape)
	}
	if n == last {
		return &Tensor{Shape: NewShape(name, t.Shape.Dims...), Data: t.Data}, nil
	}
	dims := append([]int(nil), t.Shape.Dims...)
	dims[rank-1] = n
	out := Zeros(name, dims...)
	rows := t.Shape.Size() / last
	for r := 0; r < rows; r++ {
		copy(out.Data[r*n:(r+1)*n], t.Data[r*last:r*last+n])
	}
	return out, nil
}

// Concat stacks tensors of identical shape along a new leading axis.
func Concat(name string, parts []*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShape)
	}
	first := parts[0].Shape
	dims := append([]int{len(parts)}, first.Dims...)
	out := Zeros(name, dims...)
	n := first.Size()
	for i, p := range parts {
		if !p.Shape.Equal(first) {
			return nil, fmt.Errorf("%w: concat part %v differs from %v", ErrShape, p.Shape, first)
		}
		copy(out.Data[i*n:(i+1)*n], p.Data)
	}
	return out, nil
}

// ArgMax returns the index of the largest value in v (first on ties).
func ArgMax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
