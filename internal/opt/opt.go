// Package opt provides optimization algorithms over named parameter sets.
package opt

import (
	"fmt"
	"math"

	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
)

// Optimizer updates parameters in place from their gradients. Parameters
// and gradients are matched by name; state such as moment estimates is
// kept per name across calls.
type Optimizer interface {
	// Update applies one step to every parameter that has a gradient.
	Update(params, grads map[string][]float64) error

	// LearningRate returns the current learning rate.
	LearningRate() float64

	// SetLearningRate changes the learning rate, used by schedulers.
	SetLearningRate(lr float64)
}

// New builds the optimizer named by solver.opt.
func New(s hyp.Solver) (Optimizer, error) {
	switch s.Opt {
	case "SGD":
		return &SGD{LR: s.LearningRate}, nil
	case "Adam":
		a := NewAdam(s.LearningRate)
		a.Epsilon = s.Epsilon
		return a, nil
	case "RMS":
		return NewRMSProp(s.LearningRate, s.Epsilon), nil
	}
	return nil, fmt.Errorf("%w: unknown solver.opt %q", hyp.ErrConfig, s.Opt)
}

// each pairs params with grads and calls fn for every matched name.
func each(params, grads map[string][]float64, fn func(name string, p, g []float64)) error {
	for name, g := range grads {
		p, ok := params[name]
		if !ok {
			return fmt.Errorf("gradient for unknown parameter %q", name)
		}
		if len(p) != len(g) {
			return fmt.Errorf("parameter %q has %d values but %d gradients", name, len(p), len(g))
		}
		fn(name, p, g)
	}
	return nil
}

// SGD (Stochastic Gradient Descent) optimizer.
type SGD struct {
	LR float64
}

// Update implements Optimizer.
func (s *SGD) Update(params, grads map[string][]float64) error {
	return each(params, grads, func(_ string, p, g []float64) {
		s.StepInPlace(p, g)
	})
}

// StepInPlace updates params in-place: params = params - lr * gradients
func (s *SGD) StepInPlace(params, gradients []float64) {
	for i := range params {
		params[i] -= s.LR * gradients[i]
	}
}

func (s *SGD) LearningRate() float64      { return s.LR }
func (s *SGD) SetLearningRate(lr float64) { s.LR = lr }

// Adam optimizer with bias-corrected moment estimates.
type Adam struct {
	LR      float64
	Beta1   float64 // Exponential decay rate for first moment
	Beta2   float64 // Exponential decay rate for second moment
	Epsilon float64 // Small constant for numerical stability

	t int
	m map[string][]float64
	v map[string][]float64
}

// NewAdam creates a new Adam optimizer with default values.
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LR:      learningRate,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
		m:       make(map[string][]float64),
		v:       make(map[string][]float64),
	}
}

// Update implements Optimizer. All parameters share one step counter.
func (a *Adam) Update(params, grads map[string][]float64) error {
	a.t++
	lrT := a.LR * math.Sqrt(1-math.Pow(a.Beta2, float64(a.t))) / (1 - math.Pow(a.Beta1, float64(a.t)))
	return each(params, grads, func(name string, p, g []float64) {
		m, v := a.m[name], a.v[name]
		if m == nil {
			m = make([]float64, len(p))
			v = make([]float64, len(p))
			a.m[name], a.v[name] = m, v
		}
		for i := range p {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g[i]
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g[i]*g[i]
			p[i] -= lrT * m[i] / (math.Sqrt(v[i]) + a.Epsilon)
		}
	})
}

func (a *Adam) LearningRate() float64      { return a.LR }
func (a *Adam) SetLearningRate(lr float64) { a.LR = lr }

// RMSProp divides each step by a running root mean square of the
// gradients. The mean square starts at 1.
type RMSProp struct {
	LR      float64
	Decay   float64
	Epsilon float64

	ms map[string][]float64
}

// NewRMSProp creates an RMSProp optimizer with decay 0.9.
func NewRMSProp(learningRate, epsilon float64) *RMSProp {
	return &RMSProp{
		LR:      learningRate,
		Decay:   0.9,
		Epsilon: epsilon,
		ms:      make(map[string][]float64),
	}
}

// Update implements Optimizer.
func (r *RMSProp) Update(params, grads map[string][]float64) error {
	return each(params, grads, func(name string, p, g []float64) {
		ms := r.ms[name]
		if ms == nil {
			ms = make([]float64, len(p))
			for i := range ms {
				ms[i] = 1
			}
			r.ms[name] = ms
		}
		for i := range p {
			ms[i] = r.Decay*ms[i] + (1-r.Decay)*g[i]*g[i]
			p[i] -= r.LR * g[i] / math.Sqrt(ms[i]+r.Epsilon)
		}
	})
}

func (r *RMSProp) LearningRate() float64      { return r.LR }
func (r *RMSProp) SetLearningRate(lr float64) { r.LR = lr }
