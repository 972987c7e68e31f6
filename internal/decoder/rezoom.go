package decoder

import (
	"fmt"

	"github.com/FlavioCFOliveira/GoRezoom/internal/activations"
	"github.com/FlavioCFOliveira/GoRezoom/internal/geom"
	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/layer"
	"github.com/FlavioCFOliveira/GoRezoom/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

const (
	sampleScale   = 1.0 / 1000
	deltaBoxScale = 5.0
)

// slotTrace keeps the rezoom intermediates of one slot.
type slotTrace struct {
	f     *mat.Dense // [bottleneck, samples/1000]
	pre   *mat.Dense // f * delta_ip1 before relu
	a     *mat.Dense // relu output after dropout
	aMask []float64
}

// Rezoom samples the early feature map around every predicted box and
// predicts corrections to the confidences and, with reregress, the boxes.
type Rezoom struct {
	h       *hyp.Hypes
	dropout layer.Dropout
}

// Samples returns rezoom_features (outer, rnn_len, offsets*E): for every
// (cell, slot) the interpolated early features at each offset around the
// predicted center, offsets ordered w-major then h.
func (r *Rezoom) Samples(early, boxes *tensor.Tensor) (*tensor.Tensor, error) {
	h := r.h
	e := h.EarlyFeatChannels
	if early == nil {
		return nil, fmt.Errorf("rezoom: %w: no early features", tensor.ErrShape)
	}
	if early.Shape.Rank() != 4 || early.Dim(0) != h.BatchSize || early.Dim(1) != h.EarlyHeight() || early.Dim(2) != h.EarlyWidth() {
		return nil, fmt.Errorf("rezoom: %w: early features %v, want (%d, %d, %d, >=%d)",
			tensor.ErrShape, early.Shape, h.BatchSize, h.EarlyHeight(), h.EarlyWidth(), e)
	}
	feat, err := early.SliceLast("early_feat", e)
	if err != nil {
		return nil, fmt.Errorf("rezoom: %w", err)
	}
	outer := h.OuterSize()
	parts := make([]*tensor.Tensor, 0, h.NumOffsets())
	for _, wOff := range h.RezoomWCoords {
		for _, hOff := range h.RezoomHCoords {
			points, err := geom.BilinearSelect(h, boxes, wOff, hOff)
			if err != nil {
				return nil, fmt.Errorf("rezoom: %w", err)
			}
			sampled, err := geom.Interp(feat, points, e)
			if err != nil {
				return nil, fmt.Errorf("rezoom: %w", err)
			}
			part, err := sampled.Reshape("rezoom_sample", outer, h.RnnLen, e)
			if err != nil {
				return nil, fmt.Errorf("rezoom: %w", err)
			}
			parts = append(parts, part)
		}
	}
	stacked, err := tensor.Concat("rezoom_samples", parts)
	if err != nil {
		return nil, fmt.Errorf("rezoom: %w", err)
	}
	moved, err := stacked.Transpose("rezoom_samples_t", 1, 2, 0, 3)
	if err != nil {
		return nil, fmt.Errorf("rezoom: %w", err)
	}
	features, err := moved.Reshape("rezoom_features", outer, h.RnnLen, h.NumOffsets()*e)
	if err != nil {
		return nil, fmt.Errorf("rezoom: %w", err)
	}
	return features, nil
}

// Forward fills out.DeltaLogits (and out.DeltaBoxes with reregress) and
// records the slot intermediates in tr.
func (r *Rezoom) Forward(w *Weights, early *tensor.Tensor, tr *Trace, out *Output, rng *layer.RNG) error {
	h := r.h
	training := tr.Phase == PhaseTrain
	features, err := r.Samples(early, out.Boxes)
	if err != nil {
		return err
	}
	outer, slots, width := features.Dim(0), features.Dim(1), features.Dim(2)
	dropped, _ := r.dropout.Forward(mat.NewDense(outer*slots, width, features.Data), training, rng)

	out.DeltaLogits = tensor.Zeros("pred_confs_deltas", outer*slots, h.NumClasses)
	if h.Reregress {
		out.DeltaBoxes = tensor.Zeros("pred_boxes_deltas", outer, slots, 4)
	}
	hidden := h.LstmSize
	tr.slots = make([]slotTrace, slots)
	for k := 0; k < slots; k++ {
		f := mat.NewDense(outer, hidden+width, nil)
		f.Slice(0, outer, 0, hidden).(*mat.Dense).Copy(tr.h)
		for c := 0; c < outer; c++ {
			row := dropped.RawRowView(c*slots + k)
			for i, v := range row {
				f.Set(c, hidden+i, v*sampleScale)
			}
		}
		pre := w.DeltaIP1[k].Forward(f)
		a, mask := r.dropout.Forward(layer.Activate(activations.ReLU{}, pre), training, rng)
		tr.slots[k] = slotTrace{f: f, pre: pre, a: a, aMask: mask}

		logits := w.DeltaIP2[k].Forward(a)
		for c := 0; c < outer; c++ {
			dst := out.DeltaLogits.Row(c*slots + k)
			for i, v := range logits.RawRowView(c) {
				dst[i] = v * h.RezoomConfScale
			}
		}
		if h.Reregress {
			deltas := w.DeltaIPBoxes[k].Forward(a)
			for c := 0; c < outer; c++ {
				dst := out.DeltaBoxes.Row(c, k)
				for i, v := range deltas.RawRowView(c) {
					dst[i] = v * deltaBoxScale
				}
			}
		}
	}
	return nil
}
