// Package decoder turns encoder features into per-cell box and class
// predictions, optionally refined by the rezoom head, and computes the
// gradients of the loss with respect to the shared weight bundle.
package decoder

import (
	"fmt"

	"github.com/FlavioCFOliveira/GoRezoom/internal/activations"
	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/layer"
	"github.com/FlavioCFOliveira/GoRezoom/internal/loss"
	"github.com/FlavioCFOliveira/GoRezoom/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

// Phase selects training or validation behaviour.
type Phase string

const (
	PhaseTrain Phase = "train"
	PhaseVal   Phase = "val"
)

const (
	inputScale = 0.01
	boxScale   = 50.0
	keepProb   = 0.5
)

// Output holds the predictions of one forward pass.
type Output struct {
	Boxes       *tensor.Tensor // pred_boxes (outer, 1, 4)
	Logits      *tensor.Tensor // pred_logits (outer, num_classes)
	Confidences *tensor.Tensor // pred_confidences (outer, rnn_len, num_classes)
	DeltaLogits *tensor.Tensor // pred_confs_deltas (outer*rnn_len, num_classes), nil without rezoom
	DeltaBoxes  *tensor.Tensor // pred_boxes_deltas (outer, rnn_len, 4), nil without reregress
}

// Predictions exposes the raw tensors the loss is computed from.
func (o *Output) Predictions() *loss.Predictions {
	return &loss.Predictions{
		Logits:      o.Logits,
		Boxes:       o.Boxes,
		DeltaLogits: o.DeltaLogits,
		DeltaBoxes:  o.DeltaBoxes,
	}
}

// Trace records the intermediates of one forward pass for Backward.
type Trace struct {
	Phase Phase
	x     *mat.Dense // scaled coarse features
	h     *mat.Dense // bottleneck after dropout
	hMask []float64
	slots []slotTrace
}

// Decoder runs the grid decoder and, when configured, the rezoom head.
// It holds no weights and is safe to share between phases.
type Decoder struct {
	h       *hyp.Hypes
	dropout layer.Dropout
	rezoom  *Rezoom
}

// New validates h and builds a decoder for it.
func New(h *hyp.Hypes) (*Decoder, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	d := &Decoder{h: h, dropout: layer.Dropout{Keep: keepProb}}
	if h.UseRezoom {
		d.rezoom = &Rezoom{h: h, dropout: d.dropout}
	}
	return d, nil
}

// Hypes returns the configuration the decoder was built with.
func (d *Decoder) Hypes() *hyp.Hypes {
	return d.h
}

func (d *Decoder) checkWeights(w *Weights) error {
	h := d.h
	if w.OverfeatIP.InSize() != h.CnnChannels || w.OverfeatIP.OutSize() != h.LstmSize ||
		w.ConfIP.OutSize() != h.NumClasses {
		return fmt.Errorf("%w: weights were built for another configuration", ErrWeights)
	}
	if h.UseRezoom && len(w.DeltaIP1) != h.RnnLen {
		return fmt.Errorf("%w: rezoom needs %d delta layers, have %d", ErrWeights, h.RnnLen, len(w.DeltaIP1))
	}
	if h.Reregress && len(w.DeltaIPBoxes) != h.RnnLen {
		return fmt.Errorf("%w: reregress needs %d delta box layers, have %d", ErrWeights, h.RnnLen, len(w.DeltaIPBoxes))
	}
	if !h.UseRezoom {
		return nil
	}
	in := h.LstmSize + h.EarlyFeatChannels*h.NumOffsets()
	for k := range w.DeltaIP1 {
		if w.DeltaIP1[k].InSize() != in || w.DeltaIP1[k].OutSize() != rezoomHidden {
			return fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrWeights,
				w.DeltaIP1[k].Name(), w.DeltaIP1[k].InSize(), w.DeltaIP1[k].OutSize(), in, rezoomHidden)
		}
		if len(w.DeltaIP2) <= k || w.DeltaIP2[k].InSize() != rezoomHidden || w.DeltaIP2[k].OutSize() != h.NumClasses {
			return fmt.Errorf("%w: delta_ip2_%d does not fit %d classes", ErrWeights, k, h.NumClasses)
		}
		if h.Reregress && (w.DeltaIPBoxes[k].InSize() != rezoomHidden || w.DeltaIPBoxes[k].OutSize() != 4) {
			return fmt.Errorf("%w: %s is %dx%d, want %dx4", ErrWeights,
				w.DeltaIPBoxes[k].Name(), w.DeltaIPBoxes[k].InSize(), w.DeltaIPBoxes[k].OutSize(), rezoomHidden)
		}
	}
	return nil
}

// Forward decodes one batch. Dropout is applied only in PhaseTrain and
// draws from rng, which may be nil in PhaseVal. w is not modified.
func (d *Decoder) Forward(w *Weights, f *Features, phase Phase, rng *layer.RNG) (*Output, *Trace, error) {
	h := d.h
	if err := d.checkWeights(w); err != nil {
		return nil, nil, err
	}
	training := phase == PhaseTrain
	if training && rng == nil {
		return nil, nil, fmt.Errorf("decoder: train phase needs a random source")
	}
	outer := h.OuterSize()

	coarse, err := f.Coarse.Reshape("cnn_output", outer, h.CnnChannels)
	if err != nil {
		return nil, nil, fmt.Errorf("decoder: %w", err)
	}
	x := mat.NewDense(outer, h.CnnChannels, nil)
	x.Scale(inputScale, mat.NewDense(outer, h.CnnChannels, coarse.Data))

	tr := &Trace{Phase: phase, x: x}
	tr.h, tr.hMask = d.dropout.Forward(w.OverfeatIP.Forward(x), training, rng)

	out := &Output{}
	boxes := w.BoxIP.Forward(tr.h)
	boxes.Scale(boxScale, boxes)
	out.Boxes = tensor.MustFromData(boxes.RawMatrix().Data, "pred_boxes", outer, 1, 4)

	logits := w.ConfIP.Forward(tr.h)
	out.Logits = tensor.MustFromData(logits.RawMatrix().Data, "pred_logits", outer, h.NumClasses)
	confs := tensor.Zeros("pred_confidences_squash", outer, h.NumClasses)
	activations.Softmax{}.Rows(confs.Data, out.Logits.Data, h.NumClasses)
	if out.Confidences, err = confs.Reshape("pred_confidences", outer, h.RnnLen, h.NumClasses); err != nil {
		return nil, nil, fmt.Errorf("decoder: %w", err)
	}

	if d.rezoom != nil {
		if err := d.rezoom.Forward(w, f.Early, tr, out, rng); err != nil {
			return nil, nil, err
		}
	}
	return out, tr, nil
}
