package loss

import (
	"gonum.org/v1/gonum/floats"
)

// Term is one named contribution to the total loss.
type Term struct {
	Name  string
	Value float64
}

// Accumulator collects named loss terms for one step. The aggregator adds
// its own terms; the trainer may add others (weight decay) before reading
// the sum.
type Accumulator struct {
	terms []Term
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add registers a term.
func (a *Accumulator) Add(name string, value float64) {
	a.terms = append(a.terms, Term{Name: name, Value: value})
}

// Sum is the total of every registered term.
func (a *Accumulator) Sum() float64 {
	vals := make([]float64, len(a.terms))
	for i, t := range a.terms {
		vals[i] = t.Value
	}
	return floats.Sum(vals)
}

// Get returns the summed value of all terms with the given name.
func (a *Accumulator) Get(name string) (float64, bool) {
	var v float64
	found := false
	for _, t := range a.terms {
		if t.Name == name {
			v += t.Value
			found = true
		}
	}
	return v, found
}

// Terms returns a copy of the registered terms, in insertion order.
func (a *Accumulator) Terms() []Term {
	return append([]Term(nil), a.terms...)
}

// Reset drops all terms.
func (a *Accumulator) Reset() {
	a.terms = a.terms[:0]
}
