// Package loss provides the detector's loss terms and their gradients.
package loss

import (
	"math"

	"github.com/FlavioCFOliveira/GoRezoom/internal/activations"
)

// SparseSoftmaxCrossEntropy is softmax cross entropy over rows of logits
// against integer class targets. Softmax is applied internally, so callers
// pass raw logits.
type SparseSoftmaxCrossEntropy struct{}

// Forward returns the summed loss over all rows.
func (SparseSoftmaxCrossEntropy) Forward(logits []float64, cols int, targets []int) float64 {
	rows := checkRows("SparseSoftmaxCrossEntropy", logits, cols, targets)
	var sum float64
	for r := 0; r < rows; r++ {
		row := logits[r*cols : (r+1)*cols]
		sum += activations.LogSumExp(row) - row[targets[r]]
	}
	return sum
}

// BackwardInPlace writes scale * (softmax(logits) - onehot(target)) into grad.
func (SparseSoftmaxCrossEntropy) BackwardInPlace(logits []float64, cols int, targets []int, scale float64, grad []float64) {
	rows := checkRows("SparseSoftmaxCrossEntropy", logits, cols, targets)
	if len(grad) != len(logits) {
		panic("SparseSoftmaxCrossEntropy: grad and logits must have same length")
	}
	sm := activations.Softmax{}
	for r := 0; r < rows; r++ {
		g := grad[r*cols : (r+1)*cols]
		sm.ActivateBatch(g, logits[r*cols:(r+1)*cols])
		g[targets[r]] -= 1
		for i := range g {
			g[i] *= scale
		}
	}
}

func checkRows(name string, logits []float64, cols int, targets []int) int {
	if cols <= 0 || len(logits)%cols != 0 {
		panic(name + ": logits length is not a multiple of the class count")
	}
	rows := len(logits) / cols
	if rows != len(targets) {
		panic(name + ": one target per row required")
	}
	for _, t := range targets {
		if t < 0 || t >= cols {
			panic(name + ": target out of range")
		}
	}
	return rows
}

// L1 is the summed absolute residual.
type L1 struct{}

// Forward computes sum(|r|)
func (L1) Forward(residual []float64) float64 {
	var sum float64
	for _, r := range residual {
		sum += math.Abs(r)
	}
	return sum
}

// Derivative returns d|r|/dr: sign(r), 0 at r == 0
func (L1) Derivative(r float64) float64 {
	if r > 0 {
		return 1
	} else if r < 0 {
		return -1
	}
	return 0
}

// ClippedSquare is sum(min(r^2, Max)). Residuals past the cap contribute a
// constant and no gradient.
type ClippedSquare struct {
	Max float64
}

// Forward computes sum(min(r^2, Max))
func (c ClippedSquare) Forward(residual []float64) float64 {
	var sum float64
	for _, r := range residual {
		sum += math.Min(r*r, c.Max)
	}
	return sum
}

// Derivative returns 2r below the cap and 0 above it.
func (c ClippedSquare) Derivative(r float64) float64 {
	if r*r < c.Max {
		return 2 * r
	}
	return 0
}
