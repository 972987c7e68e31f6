package render

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/tensor"
	"github.com/stretchr/testify/require"
)

func TestRectIOU(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Rect
		expected float32
	}{
		{"identical", Rect{0, 0, 10, 10}, Rect{0, 0, 10, 10}, 1},
		{"disjoint", Rect{0, 0, 10, 10}, Rect{20, 20, 5, 5}, 0},
		{"half", Rect{0, 0, 10, 10}, Rect{5, 0, 10, 10}, 50.0 / 150.0},
		{"empty", Rect{}, Rect{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.InDelta(t, tt.expected, tt.a.IOU(tt.b), 1e-6)
			require.InDelta(t, tt.expected, tt.b.IOU(tt.a), 1e-6)
		})
	}
}

func renderHypes() *hyp.Hypes {
	h := hyp.Default()
	h.GridWidth, h.GridHeight, h.NumClasses = 2, 1, 3
	h.ApplyDefaults()
	return h
}

func TestDetections(t *testing.T) {
	h := renderHypes()
	confs := tensor.MustFromData([]float64{
		0.1, 0.2, 0.7,
		0.95, 0.03, 0.02,
	}, "confs", 2, 1, 3)
	boxes := tensor.MustFromData([]float64{
		4, -2, 10, 20,
		0, 0, 8, 8,
	}, "boxes", 2, 1, 4)

	dets, err := Detections(h, confs, boxes, 0, 0.1)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, 2, dets[0].Class)
	require.InDelta(t, 0.7, dets[0].Confidence, 1e-6)
	// Cell (0,0) centre is (16,16); the box centre is offset to (20,14).
	require.Equal(t, Rect{X: 15, Y: 4, Width: 10, Height: 20}, dets[0].Rect)

	all, err := Detections(h, confs, boxes, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, Rect{X: 44, Y: 12, Width: 8, Height: 8}, all[1].Rect)

	_, err = Detections(h, confs, boxes, 1, 0)
	require.Error(t, err)
	_, err = Detections(h, boxes, boxes, 0, 0)
	require.ErrorIs(t, err, tensor.ErrShape)
}

func TestStitch(t *testing.T) {
	dets := []Detection{
		{Class: 1, Confidence: 0.5, Rect: Rect{1, 1, 10, 10}},
		{Class: 1, Confidence: 0.9, Rect: Rect{0, 0, 10, 10}},
		{Class: 1, Confidence: 0.8, Rect: Rect{40, 40, 10, 10}},
		{Class: 1, Confidence: 0.7, Rect: Rect{8, 8, 10, 10}},
	}
	kept, suppressed := Stitch(dets, DefaultStitchIOU)
	require.Len(t, kept, 3)
	require.InDelta(t, 0.9, kept[0].Confidence, 1e-6)
	require.InDelta(t, 0.8, kept[1].Confidence, 1e-6)
	require.InDelta(t, 0.7, kept[2].Confidence, 1e-6)
	require.Len(t, suppressed, 1)
	require.InDelta(t, 0.5, suppressed[0].Confidence, 1e-6)

	kept, suppressed = Stitch(nil, DefaultStitchIOU)
	require.Empty(t, kept)
	require.Empty(t, suppressed)
}

func TestDrawLeavesSourceUntouched(t *testing.T) {
	src := Blank(64, 32)
	grey := color.NRGBAModel.Convert(src.At(10, 5))

	dets := []Detection{{Class: 1, Confidence: 1, Rect: Rect{10, 5, 20, 20}}}
	out := Draw(src, dets, 2, Style{Suppressed: []Detection{{Class: 1, Rect: Rect{40, 4, 10, 10}}}})

	require.Equal(t, src.Bounds(), out.Bounds())
	require.Equal(t, grey, color.NRGBAModel.Convert(src.At(10, 5)))
	require.NotEqual(t, grey, color.NRGBAModel.Convert(out.At(10, 5)))
	require.NotEqual(t, grey, color.NRGBAModel.Convert(out.At(40, 8)))
	require.Equal(t, grey, color.NRGBAModel.Convert(out.At(20, 15)))
}

func TestClassColorsDiffer(t *testing.T) {
	seen := map[color.RGBA]bool{}
	for c := 1; c <= 4; c++ {
		rgba := color.RGBAModel.Convert(ClassColor(c, 5)).(color.RGBA)
		require.False(t, seen[rgba], "class %d", c)
		seen[rgba] = true
	}
}

func TestSaveJPEGAndThumbnail(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "0_pred.jpg")
	require.NoError(t, SaveJPEG(Blank(40, 20), filename))
	info, err := os.Stat(filename)
	require.NoError(t, err)
	require.Positive(t, info.Size())

	require.Error(t, SaveJPEG(Blank(4, 4), filepath.Join(t.TempDir(), "missing", "x.jpg")))

	thumb := Thumbnail(Blank(200, 100), 50)
	require.Equal(t, image.Rect(0, 0, 50, 25), thumb.Bounds())
	small := Blank(10, 10)
	require.Equal(t, small, Thumbnail(small, 50))
}
