// Package activations provides unit tests for activation functions.
package activations

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestReLU tests ReLU activation.
func TestReLU(t *testing.T) {
	relu := ReLU{}

	tests := []struct {
		input    float64
		expected float64
		deriv    float64
	}{
		{-1.0, 0.0, 0.0},
		{0.0, 0.0, 0.0}, // derivative at zero is 0 (x must be > 0)
		{1.0, 1.0, 1.0},
		{2.5, 2.5, 1.0},
	}

	for _, tt := range tests {
		require.Equal(t, tt.expected, relu.Activate(tt.input), "ReLU(%v)", tt.input)
		require.Equal(t, tt.deriv, relu.Derivative(tt.input), "ReLU'(%v)", tt.input)
	}
}

func TestApply(t *testing.T) {
	x := []float64{-2, 3, -0.5}
	Apply(ReLU{}, x)
	require.Equal(t, []float64{0, 3, 0}, x)
	Apply(ReLU{}, x)
	require.Equal(t, []float64{0, 3, 0}, x)
}

// TestSoftmax tests softmax normalisation and stability with large logits.
func TestSoftmax(t *testing.T) {
	tests := []struct {
		name  string
		input []float64
	}{
		{"Small", []float64{1, 2, 3}},
		{"Uniform", []float64{0, 0}},
		{"Large", []float64{1000, 1001}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Softmax{}.ActivateBatch(make([]float64, len(tt.input)), tt.input)
			sum := 0.0
			for _, v := range out {
				require.False(t, math.IsNaN(v))
				sum += v
			}
			require.InDelta(t, 1.0, sum, 1e-9)
		})
	}

	out := Softmax{}.ActivateBatch(make([]float64, 2), []float64{0, 0})
	require.InDelta(t, 0.5, out[0], 1e-12)
}

func TestSoftmaxRows(t *testing.T) {
	x := []float64{0, 0, 0, math.Log(3)}
	out := Softmax{}.Rows(make([]float64, 4), x, 2)
	require.InDeltaSlice(t, []float64{0.5, 0.5, 0.25, 0.75}, out, 1e-12)
}

func TestLogSumExp(t *testing.T) {
	require.InDelta(t, math.Log(2), LogSumExp([]float64{0, 0}), 1e-12)
	require.InDelta(t, 1000+math.Log(2), LogSumExp([]float64{1000, 1000}), 1e-9)
}
