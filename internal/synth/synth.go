// Package synth generates synthetic detector batches: encoder features
// with the objects planted in them, the matching labels and images.
package synth

import (
	"context"
	"image"
	"image/color"

	"github.com/FlavioCFOliveira/GoRezoom/internal/decoder"
	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/layer"
	"github.com/FlavioCFOliveira/GoRezoom/internal/render"
	"github.com/FlavioCFOliveira/GoRezoom/internal/tensor"
	"github.com/fogleman/gg"
)

const (
	signal      = 100.0
	coarseNoise = 5.0
	earlyNoise  = 10.0
	boxSignal   = 4.0
)

// Source produces an endless stream of batches for each phase. The train
// and val streams are independent but both reproducible from the seed.
type Source struct {
	h *hyp.Hypes

	// ObjectProb is the chance that a cell holds an object.
	ObjectProb float64
	// Images adds a rendered image per batch element to the labels.
	Images bool

	rngs map[decoder.Phase]*layer.RNG
}

// NewSource creates a source for h.
func NewSource(h *hyp.Hypes, seed uint64) *Source {
	return &Source{
		h:          h,
		ObjectProb: 0.3,
		rngs: map[decoder.Phase]*layer.RNG{
			decoder.PhaseTrain: layer.NewRNG(seed),
			decoder.PhaseVal:   layer.NewRNG(seed + 1),
		},
	}
}

type object struct {
	cell  int
	class int
	box   [4]float64 // cx, cy offsets from the cell centre, w, h
}

// Next returns the next batch of phase.
func (s *Source) Next(ctx context.Context, phase decoder.Phase) (*decoder.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rng, ok := s.rngs[phase]
	if !ok {
		rng = layer.NewRNG(0)
		s.rngs[phase] = rng
	}
	h := s.h
	region := float64(h.RegionSize)

	var objects []object
	for c := 0; c < h.OuterSize(); c++ {
		if rng.RandFloat() >= s.ObjectProb {
			continue
		}
		objects = append(objects, object{
			cell:  c,
			class: 1 + rng.IntN(h.NumClasses-1),
			box: [4]float64{
				rng.Uniform(-region/4, region/4),
				rng.Uniform(-region/4, region/4),
				rng.Uniform(region/2, region*1.5),
				rng.Uniform(region/2, region*1.5),
			},
		})
	}

	b := &decoder.Batch{
		Features: &decoder.Features{Coarse: s.coarse(rng, objects)},
		Labels:   s.labels(objects),
	}
	if h.EarlyFeatChannels > 0 {
		b.Features.Early = s.early(rng, objects)
	}
	if s.Images {
		b.Labels.Images = s.images(objects)
	}
	return b, nil
}

func (s *Source) coarse(rng *layer.RNG, objects []object) *tensor.Tensor {
	h := s.h
	n := h.CnnChannels
	t := tensor.Zeros("cnn_output", h.OuterSize(), n)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat() * coarseNoise
	}
	for c := 0; c < h.OuterSize(); c++ {
		t.Data[c*n] -= signal
	}
	for _, o := range objects {
		row := t.Row(o.cell)
		row[0] += 2 * signal
		if o.class < n {
			row[o.class] += signal
		}
		for i, v := range o.box {
			if j := h.NumClasses + i; j < n {
				row[j] += v * boxSignal
			}
		}
	}
	return t
}

// center returns the pixel centre of o within its image.
func (s *Source) center(o object) (x, y float64) {
	h := s.h
	cell := o.cell % h.GridSize()
	region := float64(h.RegionSize)
	x = region/2 + region*float64(cell%h.GridWidth) + o.box[0]
	y = region/2 + region*float64(cell/h.GridWidth) + o.box[1]
	return x, y
}

func (s *Source) early(rng *layer.RNG, objects []object) *tensor.Tensor {
	h := s.h
	eh, ew, ec := h.EarlyHeight(), h.EarlyWidth(), h.EarlyFeatChannels
	t := tensor.Zeros("early_feat", h.BatchSize, eh, ew, ec)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat() * earlyNoise
	}
	stride := float64(h.EarlyFeatStride)
	for _, o := range objects {
		n := o.cell / h.GridSize()
		cx, cy := s.center(o)
		for y := 0; y < eh; y++ {
			py := (float64(y) + 0.5) * stride
			if py < cy-o.box[3]/2 || py > cy+o.box[3]/2 {
				continue
			}
			for x := 0; x < ew; x++ {
				px := (float64(x) + 0.5) * stride
				if px < cx-o.box[2]/2 || px > cx+o.box[2]/2 {
					continue
				}
				t.Row(n, y, x)[0] += signal
			}
		}
	}
	return t
}

func (s *Source) labels(objects []object) *decoder.Labels {
	h := s.h
	l := &decoder.Labels{
		Flags:       tensor.Zeros("flags", h.BatchSize, h.GridSize(), h.RnnLen),
		Confidences: tensor.Zeros("confidences", h.BatchSize, h.GridSize(), h.RnnLen, h.NumClasses),
		Boxes:       tensor.Zeros("boxes", h.BatchSize, h.GridSize(), h.RnnLen, 4),
	}
	classes := make([]int, h.OuterSize())
	for _, o := range objects {
		n, g := o.cell/h.GridSize(), o.cell%h.GridSize()
		classes[o.cell] = o.class
		l.Flags.Set(float64(o.class), n, g, 0)
		copy(l.Boxes.Row(n, g, 0), o.box[:])
	}
	for c, class := range classes {
		n, g := c/h.GridSize(), c%h.GridSize()
		for k := 0; k < h.RnnLen; k++ {
			l.Confidences.Set(1, n, g, k, class)
		}
	}
	return l
}

func (s *Source) images(objects []object) []image.Image {
	h := s.h
	images := make([]image.Image, h.BatchSize)
	contexts := make([]*gg.Context, h.BatchSize)
	for n := range contexts {
		dc := gg.NewContext(h.ImageWidth, h.ImageHeight)
		dc.SetColor(color.Gray{Y: 40})
		dc.Clear()
		contexts[n] = dc
	}
	for _, o := range objects {
		dc := contexts[o.cell/h.GridSize()]
		cx, cy := s.center(o)
		dc.SetColor(render.ClassColor(o.class, h.NumClasses))
		dc.DrawRectangle(cx-o.box[2]/2, cy-o.box[3]/2, o.box[2], o.box[3])
		dc.Fill()
	}
	for n, dc := range contexts {
		images[n] = dc.Image()
	}
	return images
}
