package loss

import (
	"fmt"

	"github.com/FlavioCFOliveira/GoRezoom/internal/geom"
	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/match"
	"github.com/FlavioCFOliveira/GoRezoom/internal/tensor"
)

// TargetPolicy decides, per (cell, slot), whether the rezoom head should
// classify the prediction as inside its matched object (1) or not (0).
type TargetPolicy interface {
	Inside(predBoxes *tensor.Tensor, a *match.Assignment) []int
}

// NewTargetPolicy selects the policy named by rezoom_change_loss.
func NewTargetPolicy(h *hyp.Hypes) (TargetPolicy, error) {
	switch h.RezoomChangeLoss {
	case hyp.ChangeLossPresence:
		return Presence{}, nil
	case hyp.ChangeLossCenter:
		return Center{Threshold: 0.2}, nil
	case hyp.ChangeLossIOU:
		return IOU{Threshold: 0.5}, nil
	}
	return nil, fmt.Errorf("%w: unknown rezoom_change_loss %q", hyp.ErrConfig, h.RezoomChangeLoss)
}

// Presence marks every slot that owns an object.
type Presence struct{}

// Inside implements TargetPolicy.
func (Presence) Inside(predBoxes *tensor.Tensor, a *match.Assignment) []int {
	inside := make([]int, a.Outer*a.Slots)
	for i, c := range a.Classes.Data {
		if c > 0 {
			inside[i] = 1
		}
	}
	return inside
}

// Center marks slots whose predicted center lies within Threshold of the
// matched center, measured in units of the truth size (at least 1 px).
type Center struct {
	Threshold float64
}

// Inside implements TargetPolicy.
func (p Center) Inside(predBoxes *tensor.Tensor, a *match.Assignment) []int {
	inside := make([]int, a.Outer*a.Slots)
	for c := 0; c < a.Outer; c++ {
		for k := 0; k < a.Slots; k++ {
			if a.Classes.At(c, k) <= 0 {
				continue
			}
			t := geom.BoxFromSlice(a.PermTruth.Row(c, k))
			pb := geom.BoxFromSlice(predRow(predBoxes, c, k))
			ex := (t.CX - pb.CX) / max(t.W, 1)
			ey := (t.CY - pb.CY) / max(t.H, 1)
			if ex*ex+ey*ey < p.Threshold*p.Threshold {
				inside[c*a.Slots+k] = 1
			}
		}
	}
	return inside
}

// IOU marks slots whose prediction overlaps the matched truth by more than Threshold.
type IOU struct {
	Threshold float64
}

// Inside implements TargetPolicy.
func (p IOU) Inside(predBoxes *tensor.Tensor, a *match.Assignment) []int {
	inside := make([]int, a.Outer*a.Slots)
	for c := 0; c < a.Outer; c++ {
		for k := 0; k < a.Slots; k++ {
			t := geom.BoxFromSlice(a.PermTruth.Row(c, k))
			pb := geom.BoxFromSlice(predRow(predBoxes, c, k))
			if geom.IOU(pb, t) > p.Threshold {
				inside[c*a.Slots+k] = 1
			}
		}
	}
	return inside
}

// predRow reads slot k of cell c, broadcasting a single predicted slot.
func predRow(predBoxes *tensor.Tensor, c, k int) []float64 {
	if predBoxes.Dim(1) == 1 {
		k = 0
	}
	return predBoxes.Row(c, k)
}
