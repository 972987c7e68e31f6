package loss

import (
	"fmt"

	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/match"
	"github.com/FlavioCFOliveira/GoRezoom/internal/tensor"
)

// Names under which the aggregator registers its terms.
const (
	TermConfidences      = "confidences"
	TermBoxes            = "boxes"
	TermDeltaConfidences = "delta_confidences"
	TermDeltaBoxes       = "delta_boxes"
)

const (
	deltaConfWeight = 0.1
	deltaBoxWeight  = 0.03
	deltaBoxClip    = 100.0
)

// Predictions are the raw decoder outputs the losses are computed from.
// DeltaLogits and DeltaBoxes are nil when the rezoom head (or reregress)
// is disabled.
type Predictions struct {
	Logits      *tensor.Tensor // pred_logits (outer*slots, C)
	Boxes       *tensor.Tensor // pred_boxes (outer, slots, 4)
	DeltaLogits *tensor.Tensor // pred_confs_deltas (outer*slots, C)
	DeltaBoxes  *tensor.Tensor // pred_boxes_deltas (outer, slots, 4)
}

// Result holds the loss values of one step and the gradients of the total
// with respect to every prediction tensor.
type Result struct {
	Total           float64
	Confidence      float64
	Box             float64 // replaced by DeltaBox when reregress is on
	DeltaConfidence float64
	DeltaBox        float64
	Inside          []int

	DLogits      *tensor.Tensor
	DBoxes       *tensor.Tensor
	DDeltaLogits *tensor.Tensor
	DDeltaBoxes  *tensor.Tensor
}

// Aggregator combines the detector losses. Build it once per run.
type Aggregator struct {
	headConf float64
	headBox  float64
	rezoom   bool
	regress  bool
	target   TargetPolicy
}

// NewAggregator selects the loss terms and target policy from the hypes.
func NewAggregator(h *hyp.Hypes) (*Aggregator, error) {
	if len(h.Solver.HeadWeights) != 2 {
		return nil, fmt.Errorf("%w: solver.head_weights needs 2 entries", hyp.ErrConfig)
	}
	if h.Reregress && !h.UseRezoom {
		return nil, fmt.Errorf("%w: reregress requires use_rezoom", hyp.ErrConfig)
	}
	target, err := NewTargetPolicy(h)
	if err != nil {
		return nil, err
	}
	return &Aggregator{
		headConf: h.Solver.HeadWeights[0],
		headBox:  h.Solver.HeadWeights[1],
		rezoom:   h.UseRezoom,
		regress:  h.Reregress,
		target:   target,
	}, nil
}

func (g *Aggregator) check(p *Predictions, a *match.Assignment) error {
	if p.Boxes == nil || p.Logits == nil {
		return fmt.Errorf("%w: missing base predictions", tensor.ErrShape)
	}
	outer, slots := a.Outer, a.Slots
	if err := p.Boxes.Expect(outer, slots, 4); err != nil {
		return err
	}
	if p.Logits.Shape.Rank() != 2 || p.Logits.Dim(0) != outer*slots {
		return fmt.Errorf("%w: %v, want (%d, num_classes)", tensor.ErrShape, p.Logits.Shape, outer*slots)
	}
	if g.rezoom {
		if p.DeltaLogits == nil {
			return fmt.Errorf("%w: rezoom enabled but no delta logits", tensor.ErrShape)
		}
		if err := p.DeltaLogits.Expect(outer*slots, p.Logits.Dim(1)); err != nil {
			return err
		}
	}
	if g.regress {
		if p.DeltaBoxes == nil {
			return fmt.Errorf("%w: reregress enabled but no delta boxes", tensor.ErrShape)
		}
		if err := p.DeltaBoxes.Expect(outer, slots, 4); err != nil {
			return err
		}
	}
	return nil
}

// Compute evaluates every enabled loss term against the assignment,
// registers the terms in acc and returns their values and gradients.
// Result.Total is acc.Sum() after registration, so terms added to acc
// beforehand are included.
func (g *Aggregator) Compute(p *Predictions, a *match.Assignment, acc *Accumulator) (*Result, error) {
	if err := g.check(p, a); err != nil {
		return nil, err
	}
	outer := float64(a.Outer)
	n := a.Outer * a.Slots
	classes := p.Logits.Dim(1)
	r := &Result{
		DLogits: tensor.Zeros("d_pred_logits", p.Logits.Shape.Dims...),
		DBoxes:  tensor.Zeros("d_pred_boxes", p.Boxes.Shape.Dims...),
	}

	present := make([]int, n)
	for i, c := range a.Classes.Data {
		if c > 0 {
			present[i] = 1
		}
	}
	ce := SparseSoftmaxCrossEntropy{}
	confScale := g.headConf / outer
	r.Confidence = ce.Forward(p.Logits.Data, classes, present) * confScale
	ce.BackwardInPlace(p.Logits.Data, classes, present, confScale, r.DLogits.Data)

	l1 := L1{}
	boxScale := g.headBox / outer
	residual := make([]float64, len(p.Boxes.Data))
	for i := range residual {
		m := a.Mask.Data[i/4]
		residual[i] = a.PermTruth.Data[i] - p.Boxes.Data[i]*m
		r.DBoxes.Data[i] = -m * l1.Derivative(residual[i]) * boxScale
	}
	r.Box = l1.Forward(residual) * boxScale

	acc.Add(TermConfidences, r.Confidence)
	acc.Add(TermBoxes, r.Box)

	if g.rezoom {
		r.Inside = g.target.Inside(p.Boxes, a)
		r.DDeltaLogits = tensor.Zeros("d_pred_confs_deltas", p.DeltaLogits.Shape.Dims...)
		scale := g.headConf / outer * deltaConfWeight
		r.DeltaConfidence = ce.Forward(p.DeltaLogits.Data, classes, r.Inside) * scale
		ce.BackwardInPlace(p.DeltaLogits.Data, classes, r.Inside, scale, r.DDeltaLogits.Data)
		acc.Add(TermDeltaConfidences, r.DeltaConfidence)
	}

	if g.regress {
		sq := ClippedSquare{Max: deltaBoxClip}
		scale := g.headBox / outer * deltaBoxWeight
		r.DDeltaBoxes = tensor.Zeros("d_pred_boxes_deltas", p.DeltaBoxes.Shape.Dims...)
		delta := make([]float64, len(p.Boxes.Data))
		for i := range delta {
			m := a.Mask.Data[i/4]
			delta[i] = (a.PermTruth.Data[i] - p.Boxes.Data[i] - p.DeltaBoxes.Data[i]) * m
			d := -m * sq.Derivative(delta[i]) * scale
			r.DDeltaBoxes.Data[i] = d
			r.DBoxes.Data[i] += d
		}
		r.DeltaBox = sq.Forward(delta) * scale
		acc.Add(TermDeltaBoxes, r.DeltaBox)
		// Callers see the corrected box loss; the L1 term stays in the total.
		r.Box = r.DeltaBox
	}

	r.Total = acc.Sum()
	return r, nil
}
