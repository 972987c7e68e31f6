package opt

import (
	"math"
	"testing"

	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		opt      string
		expected Optimizer
	}{
		{"SGD", "SGD", &SGD{}},
		{"Adam", "Adam", &Adam{}},
		{"RMS", "RMS", &RMSProp{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := New(hyp.Solver{Opt: tt.opt, LearningRate: 0.01, Epsilon: 1e-5})
			require.NoError(t, err)
			require.IsType(t, tt.expected, o)
			require.Equal(t, 0.01, o.LearningRate())
		})
	}

	_, err := New(hyp.Solver{Opt: "Lion"})
	require.ErrorIs(t, err, hyp.ErrConfig)
}

func TestSGDStep(t *testing.T) {
	sgd := &SGD{LR: 0.1}
	params := map[string][]float64{"w": {1.0, 2.0, 3.0}, "frozen": {5}}
	grads := map[string][]float64{"w": {0.1, 0.2, 0.3}}

	require.NoError(t, sgd.Update(params, grads))
	require.InDeltaSlice(t, []float64{0.99, 1.98, 2.97}, params["w"], 1e-12)
	require.Equal(t, []float64{5}, params["frozen"])
}

func TestUpdateErrors(t *testing.T) {
	for _, o := range []Optimizer{&SGD{LR: 0.1}, NewAdam(0.1), NewRMSProp(0.1, 1e-5)} {
		err := o.Update(map[string][]float64{"w": {1}}, map[string][]float64{"b": {1}})
		require.Error(t, err)
		err = o.Update(map[string][]float64{"w": {1}}, map[string][]float64{"w": {1, 2}})
		require.Error(t, err)
	}
}

func TestAdamFirstStep(t *testing.T) {
	// With bias correction the first step moves each weight by about lr,
	// whatever the gradient magnitude.
	a := NewAdam(0.01)
	params := map[string][]float64{"w": {1, 1, 1}}
	require.NoError(t, a.Update(params, map[string][]float64{"w": {1000, -0.001, 0}}))
	require.InDelta(t, 0.99, params["w"][0], 1e-6)
	require.InDelta(t, 1.01, params["w"][1], 1e-4)
	require.Equal(t, 1.0, params["w"][2])
}

func TestRMSPropStep(t *testing.T) {
	r := NewRMSProp(0.1, 0)
	params := map[string][]float64{"w": {0}}
	require.NoError(t, r.Update(params, map[string][]float64{"w": {2}}))
	// ms = 0.9*1 + 0.1*4 = 1.3
	require.InDelta(t, -0.2/math.Sqrt(1.3), params["w"][0], 1e-12)
	require.InDelta(t, 1.3, r.ms["w"][0], 1e-12)
}

// TestOptimizersMinimizeQuadratic runs every optimizer on f(w) = sum((w - 3)^2).
func TestOptimizersMinimizeQuadratic(t *testing.T) {
	for _, o := range []Optimizer{&SGD{LR: 0.1}, NewAdam(0.05), NewRMSProp(0.01, 1e-8)} {
		params := map[string][]float64{"w": {0, 10, -4}}
		grads := map[string][]float64{"w": make([]float64, 3)}
		for step := 0; step < 2000; step++ {
			for i, w := range params["w"] {
				grads["w"][i] = 2 * (w - 3)
			}
			require.NoError(t, o.Update(params, grads))
		}
		require.InDeltaSlice(t, []float64{3, 3, 3}, params["w"], 0.05, "%T", o)
	}
}

func TestStepLR(t *testing.T) {
	sgd := &SGD{LR: 0.1}
	s := NewStepLR(sgd, 100, 0.5)

	tests := []struct {
		step     int
		expected float64
	}{
		{0, 0.1},
		{99, 0.1},
		{100, 0.05},
		{250, 0.025},
	}
	for _, tt := range tests {
		s.Step(tt.step)
		require.InDelta(t, tt.expected, s.GetLR(), 1e-12, "step %d", tt.step)
	}

	constant := NewStepLR(&SGD{LR: 0.3}, 0, 0.5)
	constant.Step(1000)
	require.Equal(t, 0.3, constant.GetLR())
}

func TestReduceLROnPlateau(t *testing.T) {
	sgd := &SGD{LR: 0.1}
	s := NewReduceLROnPlateau(sgd, 0.5, 2, 0, 0.03)

	s.Observe(1.0)
	s.Observe(0.9)
	require.Equal(t, 0.1, s.GetLR())
	s.Observe(0.95)
	s.Observe(0.91)
	require.InDelta(t, 0.05, s.GetLR(), 1e-12)
	s.Observe(1)
	s.Observe(1)
	require.InDelta(t, 0.03, s.GetLR(), 1e-12)
}
