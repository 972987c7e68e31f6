package geom

import (
	"testing"

	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/tensor"
	"github.com/stretchr/testify/require"
)

func TestCorners(t *testing.T) {
	b := Box{CX: 10, CY: -4, W: 6, H: 2}
	c := b.Corners()
	require.Equal(t, Corners{X1: 7, Y1: -5, X2: 13, Y2: -3}, c)
	require.Equal(t, 12.0, c.Area())
}

func TestIOU(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Box
		expected float64
	}{
		{"Identical", Box{0, 0, 10, 10}, Box{0, 0, 10, 10}, 1},
		{"Disjoint", Box{0, 0, 10, 10}, Box{50, 50, 10, 10}, 0},
		{"Quarter overlap", Box{5, 5, 10, 10}, Box{10, 10, 10, 10}, 25.0 / 175.0},
		{"Degenerate identical", Box{0, 0, 0, 0}, Box{0, 0, 0, 0}, 0},
		{"Degenerate apart", Box{0, 0, 0, 0}, Box{1, 0, 0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.InDelta(t, tt.expected, IOU(tt.a, tt.b), 1e-12)
		})
	}
}

func TestCenterDistance(t *testing.T) {
	require.Equal(t, 7.0, CenterDistanceL1(Box{CX: 1, CY: 2}, Box{CX: 4, CY: -2}))
	require.True(t, Box{1, 2, 3, 4}.IsFinite())
}

func samplingHypes() *hyp.Hypes {
	h := hyp.Default()
	h.GridWidth = 2
	h.GridHeight = 2
	h.BatchSize = 2
	h.RegionSize = 32
	h.EarlyFeatStride = 8
	return h
}

// rampFeatures holds value x + 100*y + 1000*batch in channel 0 and its
// negation in channel 1, so bilinear interpolation is exact.
func rampFeatures(h *hyp.Hypes) *tensor.Tensor {
	f := tensor.Zeros("early_feat", h.BatchSize, h.EarlyHeight(), h.EarlyWidth(), 2)
	for n := 0; n < h.BatchSize; n++ {
		for y := 0; y < h.EarlyHeight(); y++ {
			for x := 0; x < h.EarlyWidth(); x++ {
				v := float64(x) + 100*float64(y) + 1000*float64(n)
				f.Set(v, n, y, x, 0)
				f.Set(-v, n, y, x, 1)
			}
		}
	}
	return f
}

func TestBilinearSelect(t *testing.T) {
	h := samplingHypes()
	boxes := tensor.Zeros("pred_boxes", h.OuterSize(), 1, 4)
	// Cell (n=1, i=1, j=0): center shifted by 4 px right, box 16 wide
	cell := (1*h.GridHeight+1)*h.GridWidth + 0
	copy(boxes.Row(cell, 0), []float64{4, 0, 16, 8})

	points, err := BilinearSelect(h, boxes, 0.5, 0)
	require.NoError(t, err)
	require.Len(t, points, h.OuterSize())

	// Zero box in cell (0,0,0): center of the cell = 16px -> 2.0
	require.Equal(t, Point{Batch: 0, X: 2, Y: 2}, points[0])
	// x = (4 + 0.5*16 + 16 + 0) / 8 = 3.5, y = (0 + 16 + 32) / 8 = 6
	require.Equal(t, Point{Batch: 1, X: 3.5, Y: 6}, points[cell])

	_, err = BilinearSelect(h, tensor.Zeros("bad", 3, 1, 4), 0, 0)
	require.ErrorIs(t, err, tensor.ErrShape)
}

func TestBilinearSelectClips(t *testing.T) {
	h := samplingHypes()
	boxes := tensor.Zeros("pred_boxes", h.OuterSize(), 1, 4)
	copy(boxes.Row(0, 0), []float64{-1000, 1000, 0, 0})
	points, err := BilinearSelect(h, boxes, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 0.0, points[0].X)
	require.Equal(t, float64(h.EarlyHeight()-1), points[0].Y)
}

func TestInterp(t *testing.T) {
	h := samplingHypes()
	feat := rampFeatures(h)
	points := []Point{
		{Batch: 0, X: 2, Y: 3},
		{Batch: 1, X: 2.5, Y: 3.25},
		{Batch: 0, X: float64(h.EarlyWidth() - 1), Y: float64(h.EarlyHeight() - 1)},
	}
	out, err := Interp(feat, points, 2)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, out.Shape.Dims)
	require.InDelta(t, 302.0, out.At(0, 0), 1e-9)
	require.InDelta(t, -302.0, out.At(0, 1), 1e-9)
	require.InDelta(t, 1000+2.5+325, out.At(1, 0), 1e-9)
	require.InDelta(t, float64(h.EarlyWidth()-1)+100*float64(h.EarlyHeight()-1), out.At(2, 0), 1e-9)

	_, err = Interp(feat, points, 3)
	require.ErrorIs(t, err, tensor.ErrShape)
	_, err = Interp(feat, []Point{{Batch: 5}}, 2)
	require.ErrorIs(t, err, tensor.ErrShape)
}

// TestZeroOffsetSamplesCenter checks that a single (0, 0) offset samples
// exactly at the predicted center.
func TestZeroOffsetSamplesCenter(t *testing.T) {
	h := samplingHypes()
	feat := rampFeatures(h)
	boxes := tensor.Zeros("pred_boxes", h.OuterSize(), 1, 4)
	for c := 0; c < h.OuterSize(); c++ {
		copy(boxes.Row(c, 0), []float64{float64(c) - 2.5, 1.5*float64(c) - 3, 20, 30})
	}
	points, err := BilinearSelect(h, boxes, 0, 0)
	require.NoError(t, err)
	out, err := Interp(feat, points, 2)
	require.NoError(t, err)

	for n := 0; n < h.BatchSize; n++ {
		for i := 0; i < h.GridHeight; i++ {
			for j := 0; j < h.GridWidth; j++ {
				c := (n*h.GridHeight+i)*h.GridWidth + j
				b := BoxFromSlice(boxes.Row(c, 0))
				x := (b.CX + 16 + 32*float64(j)) / 8
				y := (b.CY + 16 + 32*float64(i)) / 8
				require.InDelta(t, x+100*y+1000*float64(n), out.At(c, 0), 1e-9, "cell %d", c)
			}
		}
	}
}
