package geom

import (
	"fmt"
	"math"

	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/tensor"
)

// Point is a fractional location in the early feature map of one batch element.
type Point struct {
	Batch int
	Y, X  float64
}

// BilinearSelect returns one sample point per (cell, slot) of boxes, which
// has shape (outer, slots, 4). The point is the box center shifted by
// (wOffset * width, hOffset * height), converted from cell-relative pixels
// to early feature map coordinates and clipped to the map.
// Points are ordered batch, row, column, slot.
func BilinearSelect(h *hyp.Hypes, boxes *tensor.Tensor, wOffset, hOffset float64) ([]Point, error) {
	outer := h.OuterSize()
	if boxes.Shape.Rank() != 3 || boxes.Dim(0) != outer || boxes.Dim(2) != 4 {
		return nil, fmt.Errorf("bilinear select: %w: boxes %v, want (%d, slots, 4)", tensor.ErrShape, boxes.Shape, outer)
	}
	slots := boxes.Dim(1)
	region := float64(h.RegionSize)
	stride := float64(h.EarlyFeatStride)
	maxX := float64(h.EarlyWidth() - 1)
	maxY := float64(h.EarlyHeight() - 1)

	points := make([]Point, 0, outer*slots)
	for n := 0; n < h.BatchSize; n++ {
		for i := 0; i < h.GridHeight; i++ {
			for j := 0; j < h.GridWidth; j++ {
				cell := (n*h.GridHeight+i)*h.GridWidth + j
				for k := 0; k < slots; k++ {
					b := BoxFromSlice(boxes.Row(cell, k))
					x := (b.CX + wOffset*b.W + region/2 + region*float64(j)) / stride
					y := (b.CY + hOffset*b.H + region/2 + region*float64(i)) / stride
					points = append(points, Point{
						Batch: n,
						X:     clip(x, 0, maxX),
						Y:     clip(y, 0, maxY),
					})
				}
			}
		}
	}
	return points, nil
}

func clip(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// Interp samples feat, shaped (batch, height, width, channels), at each
// point with bilinear interpolation. The result has shape
// (len(points), channels). Neighbours past the map edge are clamped.
func Interp(feat *tensor.Tensor, points []Point, channels int) (*tensor.Tensor, error) {
	if feat.Shape.Rank() != 4 || feat.Dim(3) != channels {
		return nil, fmt.Errorf("interp: %w: features %v, want (batch, h, w, %d)", tensor.ErrShape, feat.Shape, channels)
	}
	batch, height, width := feat.Dim(0), feat.Dim(1), feat.Dim(2)
	out := tensor.Zeros("interp", len(points), channels)
	for p, pt := range points {
		if pt.Batch < 0 || pt.Batch >= batch {
			return nil, fmt.Errorf("interp: %w: batch %d outside %v", tensor.ErrShape, pt.Batch, feat.Shape)
		}
		x := clip(pt.X, 0, float64(width-1))
		y := clip(pt.Y, 0, float64(height-1))
		x0 := int(math.Floor(x))
		y0 := int(math.Floor(y))
		x1 := min(x0+1, width-1)
		y1 := min(y0+1, height-1)
		wx := x - float64(x0)
		wy := y - float64(y0)

		dst := out.Row(p)
		corners := []struct {
			y, x int
			w    float64
		}{
			{y0, x0, (1 - wy) * (1 - wx)},
			{y0, x1, (1 - wy) * wx},
			{y1, x0, wy * (1 - wx)},
			{y1, x1, wy * wx},
		}
		for _, c := range corners {
			if c.w == 0 {
				continue
			}
			src := feat.Row(pt.Batch, c.y, c.x)
			for ch := range dst {
				dst[ch] += c.w * src[ch]
			}
		}
	}
	return out, nil
}
