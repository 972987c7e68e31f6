package layer

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// RNG is a seeded source for weight initialisation and dropout masks.
type RNG struct {
	r *rand.Rand
}

// NewRNG creates a deterministic generator.
func NewRNG(seed uint64) *RNG {
	return &RNG{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// RandFloat returns a value in [0, 1).
func (g *RNG) RandFloat() float64 {
	return g.r.Float64()
}

// Uniform returns a value in [lo, hi).
func (g *RNG) Uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*g.r.Float64()
}

// NormFloat returns a standard normal sample.
func (g *RNG) NormFloat() float64 {
	return g.r.NormFloat64()
}

// IntN returns a value in [0, n).
func (g *RNG) IntN(n int) int {
	return g.r.IntN(n)
}

// Dropout implements inverted dropout: kept values are scaled by 1/keep so
// that inference needs no rescaling.
type Dropout struct {
	// Probability of keeping a value
	Keep float64
}

// Forward returns the dropped-out copy of x and the mask used, where each
// mask entry is 0 or 1/keep. With training false, x is returned unchanged
// and the mask is nil.
func (d Dropout) Forward(x *mat.Dense, training bool, rng *RNG) (*mat.Dense, []float64) {
	if !training || d.Keep >= 1 {
		return x, nil
	}
	out := mat.DenseCopyOf(x)
	data := out.RawMatrix().Data
	mask := make([]float64, len(data))
	scale := 1.0 / d.Keep
	for i := range data {
		if rng.RandFloat() < d.Keep {
			mask[i] = scale
			data[i] *= scale
		} else {
			data[i] = 0
		}
	}
	return out, mask
}

// Backward routes the gradient through the mask recorded by Forward.
func (d Dropout) Backward(dy *mat.Dense, mask []float64) *mat.Dense {
	if mask == nil {
		return dy
	}
	out := mat.DenseCopyOf(dy)
	data := out.RawMatrix().Data
	if len(data) != len(mask) {
		panic("Dropout: gradient and mask must have same length")
	}
	for i := range data {
		data[i] *= mask[i]
	}
	return out
}
