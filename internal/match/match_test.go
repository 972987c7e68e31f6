package match

import (
	"math"
	"testing"

	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/layer"
	"github.com/FlavioCFOliveira/GoRezoom/internal/tensor"
	"github.com/stretchr/testify/require"
)

func TestHungarian(t *testing.T) {
	tests := []struct {
		name     string
		cost     [][]float64
		expected []int
	}{
		{"Empty", nil, nil},
		{"Single", [][]float64{{3}}, []int{0}},
		{"Swap", [][]float64{{5, 1}, {1, 5}}, []int{1, 0}},
		{"Classic", [][]float64{{4, 1, 3}, {2, 0, 5}, {3, 2, 2}}, []int{1, 0, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Hungarian(tt.cost)
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}

	_, err := Hungarian([][]float64{{1, 2}, {3}})
	require.ErrorIs(t, err, ErrMatch)
	_, err = Hungarian([][]float64{{math.NaN()}})
	require.ErrorIs(t, err, ErrMatch)
}

// TestHungarianOptimal compares against brute force over all permutations.
func TestHungarianOptimal(t *testing.T) {
	rng := layer.NewRNG(11)
	for trial := 0; trial < 20; trial++ {
		n := 1 + rng.IntN(5)
		cost := make([][]float64, n)
		for i := range cost {
			cost[i] = make([]float64, n)
			for j := range cost[i] {
				cost[i][j] = math.Round(rng.Uniform(0, 20))
			}
		}
		assign, err := Hungarian(cost)
		require.NoError(t, err)
		got := 0.0
		used := map[int]bool{}
		for i, j := range assign {
			require.False(t, used[j], "column %d used twice", j)
			used[j] = true
			got += cost[i][j]
		}
		require.Equal(t, bruteForce(cost), got)
	}
}

func bruteForce(cost [][]float64) float64 {
	n := len(cost)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	best := math.Inf(1)
	var rec func(k int)
	rec = func(k int) {
		if k == n {
			s := 0.0
			for i, j := range perm {
				s += cost[i][j]
			}
			best = math.Min(best, s)
			return
		}
		for i := k; i < n; i++ {
			perm[k], perm[i] = perm[i], perm[k]
			rec(k + 1)
			perm[k], perm[i] = perm[i], perm[k]
		}
	}
	rec(0)
	return best
}

func TestNewPolicy(t *testing.T) {
	h := hyp.Default()
	require.IsType(t, SingleSlot{}, NewPolicy(h))
	h.UseLstm = true
	h.Solver.HungarianIOU = 0.4
	require.Equal(t, Sequential{IOUThreshold: 0.4}, NewPolicy(h))
}

func TestSingleSlot(t *testing.T) {
	pred := tensor.Zeros("pred_boxes", 3, 1, 4)
	truth := tensor.MustFromData([]float64{
		1, 2, 3, 4,
		5, 6, 7, 8,
		0, 0, 0, 0,
	}, "boxes", 3, 1, 4)
	flags := tensor.MustFromData([]float64{1, 0, 2}, "flags", 3, 1)

	a, err := SingleSlot{}.Match(pred, truth, flags)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 0, 1}, a.Mask.Data)
	require.Equal(t, []float64{1, 0, 2}, a.Classes.Data)
	require.Equal(t, truth.Data, a.PermTruth.Data)
	require.Equal(t, []int{0, 0, 0}, a.Index)

	_, err = SingleSlot{}.Match(tensor.Zeros("pred_boxes", 3, 2, 4), truth, flags)
	require.ErrorIs(t, err, ErrMatch)
	_, err = SingleSlot{}.Match(pred, truth, tensor.Zeros("flags", 2, 1))
	require.ErrorIs(t, err, ErrMatch)
}

func TestSequentialPrefersOverlap(t *testing.T) {
	// One cell, three predicted slots, three truth slots (two objects).
	pred := tensor.MustFromData([]float64{
		0, 0, 10, 10,
		40, 40, 10, 10,
		-40, 0, 10, 10,
	}, "pred_boxes", 1, 3, 4)
	truth := tensor.MustFromData([]float64{
		-41, 1, 10, 10,
		0, 0, 0, 0,
		39, 41, 10, 10,
	}, "boxes", 1, 3, 4)
	flags := tensor.MustFromData([]float64{1, 0, 1}, "flags", 1, 3)

	a, err := Sequential{IOUThreshold: 0.25}.Match(pred, truth, flags)
	require.NoError(t, err)
	require.Equal(t, []int{-1, 2, 0}, a.Index)
	require.Equal(t, []float64{0, 1, 1}, a.Mask.Data)
	require.Equal(t, []float64{0, 0, 0, 0}, a.PermTruth.Row(0, 0))
	require.Equal(t, []float64{39, 41, 10, 10}, a.PermTruth.Row(0, 1))
	require.Equal(t, []float64{-41, 1, 10, 10}, a.PermTruth.Row(0, 2))
}

func TestSequentialMaximisesTotalIOU(t *testing.T) {
	// Concentric boxes: every pair clears the threshold and all centers
	// coincide, so only the overlap decides.
	pred := tensor.MustFromData([]float64{
		0, 0, 10, 10,
		0, 0, 20, 20,
	}, "pred_boxes", 1, 2, 4)
	truth := tensor.MustFromData([]float64{
		0, 0, 20, 20,
		0, 0, 10, 10,
	}, "boxes", 1, 2, 4)
	flags := tensor.MustFromData([]float64{1, 1}, "flags", 1, 2)

	a, err := Sequential{IOUThreshold: 0.2}.Match(pred, truth, flags)
	require.NoError(t, err)
	require.Equal(t, []int{1, 0}, a.Index)
	require.Equal(t, []float64{0, 0, 10, 10}, a.PermTruth.Row(0, 0))
	require.Equal(t, []float64{0, 0, 20, 20}, a.PermTruth.Row(0, 1))
}

func TestSequentialMatchesEveryObjectFirst(t *testing.T) {
	// A single prediction far from the only object is still matched to it.
	pred := tensor.MustFromData([]float64{100, 100, 1, 1}, "pred_boxes", 1, 1, 4)
	truth := tensor.MustFromData([]float64{
		0, 0, 0, 0,
		0, 0, 20, 20,
	}, "boxes", 1, 2, 4)
	flags := tensor.MustFromData([]float64{0, 1}, "flags", 1, 2)

	a, err := Sequential{IOUThreshold: 0.5}.Match(pred, truth, flags)
	require.NoError(t, err)
	require.Equal(t, []int{1}, a.Index)
	require.Equal(t, 1.0, a.Mask.Data[0])
}

// TestSequentialMaskBound checks the mask bound and the one-to-one property on random cells.
func TestSequentialMaskBound(t *testing.T) {
	rng := layer.NewRNG(5)
	outer, slots, truths := 20, 3, 4
	pred := tensor.Zeros("pred_boxes", outer, slots, 4)
	truth := tensor.Zeros("boxes", outer, truths, 4)
	flags := tensor.Zeros("flags", outer, truths)
	for i := range pred.Data {
		pred.Data[i] = rng.Uniform(0, 30)
	}
	for i := range truth.Data {
		truth.Data[i] = rng.Uniform(0, 30)
	}
	for i := range flags.Data {
		if rng.RandFloat() < 0.5 {
			flags.Data[i] = 1
		}
	}

	a, err := Sequential{IOUThreshold: 0.25}.Match(pred, truth, flags)
	require.NoError(t, err)
	for c := 0; c < outer; c++ {
		sum := 0.0
		seen := map[int]bool{}
		for k := 0; k < slots; k++ {
			sum += a.Mask.At(c, k)
			j := a.Index[c*slots+k]
			if j < 0 {
				continue
			}
			require.False(t, seen[j], "truth %d assigned twice in cell %d", j, c)
			seen[j] = true
			require.Greater(t, flags.At(c, j), 0.0)
		}
		require.Equal(t, float64(min(slots, Objects(flags, c))), sum, "cell %d", c)
	}
}

func TestSequentialRejectsNaN(t *testing.T) {
	pred := tensor.MustFromData([]float64{math.NaN(), 0, 1, 1}, "pred_boxes", 1, 1, 4)
	truth := tensor.MustFromData([]float64{0, 0, 1, 1}, "boxes", 1, 1, 4)
	flags := tensor.MustFromData([]float64{1}, "flags", 1, 1)
	_, err := Sequential{IOUThreshold: 0.5}.Match(pred, truth, flags)
	require.ErrorIs(t, err, ErrMatch)
}
