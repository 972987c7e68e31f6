package layer

import (
	"testing"

	"github.com/FlavioCFOliveira/GoRezoom/internal/activations"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// TestLinearInit checks the uniform initialisation range.
func TestLinearInit(t *testing.T) {
	l := NewLinear("ip", 10, 20, 0.1, NewRNG(1))
	require.Equal(t, 10, l.InSize())
	require.Equal(t, 20, l.OutSize())
	require.Equal(t, "ip", l.Name())
	for _, w := range l.Params() {
		require.GreaterOrEqual(t, w, -0.1)
		require.Less(t, w, 0.1)
	}

	// Same seed, same weights
	other := NewLinear("ip", 10, 20, 0.1, NewRNG(1))
	require.Equal(t, l.Params(), other.Params())
}

// TestLinearForwardBackward checks a hand computed projection and its gradients.
func TestLinearForwardBackward(t *testing.T) {
	l := NewLinear("ip", 2, 2, 0.1, NewRNG(1))
	l.SetParams([]float64{1, 2, 3, 4}) // W = [[1 2] [3 4]]

	x := mat.NewDense(1, 2, []float64{1, 1})
	y := l.Forward(x)
	require.Equal(t, []float64{4, 6}, y.RawMatrix().Data)

	dy := mat.NewDense(1, 2, []float64{1, 0})
	dx, dW := l.Backward(x, dy)
	require.Equal(t, []float64{1, 3}, dx.RawMatrix().Data)
	require.Equal(t, []float64{1, 0, 1, 0}, dW.RawMatrix().Data)
}

// TestLinearNumericGradient compares the analytic weight gradient with finite differences.
func TestLinearNumericGradient(t *testing.T) {
	rng := NewRNG(3)
	l := NewLinear("ip", 3, 2, 0.5, rng)
	x := mat.NewDense(4, 3, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			x.Set(i, j, rng.Uniform(-1, 1))
		}
	}
	// loss = sum(relu(xW))
	lossFn := func() float64 {
		y := Activate(activations.ReLU{}, l.Forward(x))
		return mat.Sum(y)
	}
	pre := l.Forward(x)
	ones := mat.NewDense(4, 2, nil)
	for i := 0; i < 4; i++ {
		ones.Set(i, 0, 1)
		ones.Set(i, 1, 1)
	}
	dpre := ActivateBackward(activations.ReLU{}, pre, ones)
	_, dW := l.Backward(x, dpre)

	const eps = 1e-6
	params := l.Params()
	for i := range params {
		orig := params[i]
		params[i] = orig + eps
		up := lossFn()
		params[i] = orig - eps
		down := lossFn()
		params[i] = orig
		require.InDelta(t, (up-down)/(2*eps), dW.RawMatrix().Data[i], 1e-4, "param %d", i)
	}
}

func TestLinearWidthMismatch(t *testing.T) {
	l := NewLinear("ip", 3, 2, 0.1, NewRNG(1))
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for width mismatch")
		}
	}()
	l.Forward(mat.NewDense(1, 2, nil))
}
