// Package render turns decoded grid predictions into image-space
// detections and draws them over an image.
package render

import (
	"fmt"
	"image"
	"image/color"

	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/tensor"
	"github.com/chewxy/math32"
	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"
)

// Rect is an axis aligned rectangle in image pixels.
type Rect struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

func (r Rect) X2() float32 { return r.X + r.Width }
func (r Rect) Y2() float32 { return r.Y + r.Height }

func (r Rect) Area() float32 {
	return max(0, r.Width) * max(0, r.Height)
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X2(), b.X2())
	y2 := min(r.Y2(), b.Y2())
	return Rect{X: x1, Y: y1, Width: max(0, x2-x1), Height: max(0, y2-y1)}
}

// Intersection over Union. Zero when both rectangles are empty.
func (r Rect) IOU(b Rect) float32 {
	inter := r.Intersection(b).Area()
	union := r.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Round snaps the rectangle to whole pixels.
func (r Rect) Round() Rect {
	x1, y1 := math32.Floor(r.X+0.5), math32.Floor(r.Y+0.5)
	x2, y2 := math32.Floor(r.X2()+0.5), math32.Floor(r.Y2()+0.5)
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// Detection is one predicted or true object.
type Detection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Rect       Rect    `json:"rect"`
}

// Detections converts batch element n of confs (outer, rnn_len, C) and
// boxes (outer, rnn_len or 1, 4) into image-space detections. Box centres
// are offsets from the centre of their grid cell. A detection's class is
// the most likely non-background class and its confidence that class's
// probability; detections below minConf are dropped.
func Detections(h *hyp.Hypes, confs, boxes *tensor.Tensor, n int, minConf float32) ([]Detection, error) {
	if err := confs.Expect(h.OuterSize(), h.RnnLen, h.NumClasses); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	if boxes.Shape.Rank() != 3 || boxes.Dim(0) != h.OuterSize() || boxes.Dim(2) != 4 {
		return nil, fmt.Errorf("render: %w: boxes %v", tensor.ErrShape, boxes.Shape)
	}
	if n < 0 || n >= h.BatchSize {
		return nil, fmt.Errorf("render: batch element %d out of range [0, %d)", n, h.BatchSize)
	}
	cell := float32(h.RegionSize)
	boxSlots := boxes.Dim(1)
	var dets []Detection
	for k := 0; k < h.RnnLen; k++ {
		for y := 0; y < h.GridHeight; y++ {
			for x := 0; x < h.GridWidth; x++ {
				c := n*h.GridSize() + y*h.GridWidth + x
				probs := confs.Row(c, k)
				class := 1 + tensor.ArgMax(probs[1:])
				conf := float32(probs[class])
				if conf < minConf {
					continue
				}
				b := boxes.Row(c, min(k, boxSlots-1))
				cx := float32(b[0]) + cell/2 + cell*float32(x)
				cy := float32(b[1]) + cell/2 + cell*float32(y)
				w, hh := float32(b[2]), float32(b[3])
				dets = append(dets, Detection{
					Class:      class,
					Confidence: conf,
					Rect:       Rect{X: cx - w/2, Y: cy - hh/2, Width: w, Height: hh},
				})
			}
		}
	}
	return dets, nil
}

// Style controls how detections are drawn.
type Style struct {
	LineWidth float64
	// Suppressed detections are drawn thin and red when non-nil.
	Suppressed []Detection
}

// ClassColor gives each class a distinct, saturated colour.
func ClassColor(class, numClasses int) color.Color {
	if numClasses < 2 {
		numClasses = 2
	}
	hue := 120 + 360*float64(class-1)/float64(numClasses-1)
	for hue >= 360 {
		hue -= 360
	}
	return colorful.Hsv(hue, 0.9, 1)
}

// Draw returns a copy of img with every detection outlined in its class
// colour. img itself is not modified.
func Draw(img image.Image, dets []Detection, numClasses int, style Style) image.Image {
	dc := gg.NewContextForImage(img)
	if len(style.Suppressed) > 0 {
		dc.SetColor(color.RGBA{R: 255, A: 255})
		dc.SetLineWidth(1)
		for _, d := range style.Suppressed {
			r := d.Rect.Round()
			dc.DrawRectangle(float64(r.X), float64(r.Y), float64(r.Width), float64(r.Height))
			dc.Stroke()
		}
	}
	lw := style.LineWidth
	if lw <= 0 {
		lw = 2
	}
	dc.SetLineWidth(lw)
	for _, d := range dets {
		r := d.Rect.Round()
		dc.SetColor(ClassColor(d.Class, numClasses))
		dc.DrawRectangle(float64(r.X), float64(r.Y), float64(r.Width), float64(r.Height))
		dc.Stroke()
	}
	return dc.Image()
}

// Blank returns a mid grey canvas, used when a batch carries no images.
func Blank(width, height int) image.Image {
	return imaging.New(width, height, color.NRGBA{R: 128, G: 128, B: 128, A: 255})
}

// Thumbnail scales img down to fit within maxSide, keeping its aspect.
// Images already small enough are returned as is.
func Thumbnail(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	if maxSide <= 0 || (b.Dx() <= maxSide && b.Dy() <= maxSide) {
		return img
	}
	if b.Dx() >= b.Dy() {
		return imaging.Resize(img, maxSide, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, maxSide, imaging.Lanczos)
}

// SaveJPEG writes img to filename.
func SaveJPEG(img image.Image, filename string) error {
	if err := imaging.Save(img, filename, imaging.JPEGQuality(90)); err != nil {
		return fmt.Errorf("render: failed to save %s: %w", filename, err)
	}
	return nil
}
