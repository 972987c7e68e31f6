// Package geom holds box geometry and feature-map sampling helpers.
package geom

import "math"

// Box is a box in center format. Coordinates are pixels relative to the
// center of the grid cell that predicts it.
type Box struct {
	CX, CY, W, H float64
}

// BoxFromSlice reads a box from four consecutive values.
func BoxFromSlice(v []float64) Box {
	return Box{CX: v[0], CY: v[1], W: v[2], H: v[3]}
}

// Corners is a box in corner format.
type Corners struct {
	X1, Y1, X2, Y2 float64
}

// Corners converts center format to corner format.
func (b Box) Corners() Corners {
	return Corners{
		X1: b.CX - b.W/2,
		Y1: b.CY - b.H/2,
		X2: b.CX + b.W/2,
		Y2: b.CY + b.H/2,
	}
}

// Offset moves the box by (dx, dy).
func (b Box) Offset(dx, dy float64) Box {
	b.CX += dx
	b.CY += dy
	return b
}

// Area of the box, zero for inverted boxes.
func (c Corners) Area() float64 {
	return math.Max(0, c.X2-c.X1) * math.Max(0, c.Y2-c.Y1)
}

// Intersection of two boxes; may be empty.
func (c Corners) Intersection(o Corners) Corners {
	return Corners{
		X1: math.Max(c.X1, o.X1),
		Y1: math.Max(c.Y1, o.Y1),
		X2: math.Min(c.X2, o.X2),
		Y2: math.Min(c.Y2, o.Y2),
	}
}

// IOU is intersection over union; zero when both boxes are degenerate.
func (c Corners) IOU(o Corners) float64 {
	inter := c.Intersection(o).Area()
	union := c.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// IOU between two center-format boxes.
func IOU(a, b Box) float64 {
	return a.Corners().IOU(b.Corners())
}

// CenterDistanceL1 is |dx| + |dy| between box centers.
func CenterDistanceL1(a, b Box) float64 {
	return math.Abs(a.CX-b.CX) + math.Abs(a.CY-b.CY)
}

// IsFinite reports whether every coordinate is a finite number.
func (b Box) IsFinite() bool {
	for _, v := range []float64{b.CX, b.CY, b.W, b.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
