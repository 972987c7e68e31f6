// Package match assigns ground-truth boxes to predicted box slots.
package match

import (
	"errors"
	"fmt"
	"math"

	"github.com/FlavioCFOliveira/GoRezoom/internal/geom"
	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/tensor"
)

// ErrMatch marks inputs the matcher cannot assign.
var ErrMatch = errors.New("matching failed")

const (
	// Added to a pair whose IoU is below the threshold.
	belowThresholdCost = 10.0
	// Weight of the center distance, which only breaks ties between equal
	// overlaps.
	distanceWeight = 1e-3
	// Pairing a prediction with an empty truth slot costs more than any real
	// pair, so every object is matched before padding is.
	paddingCost = 1000.0
)

// Assignment aligns ground truth with predicted slots.
type Assignment struct {
	Outer int
	Slots int
	// Index[cell*Slots+slot] is the truth slot matched to the prediction, or -1
	Index []int
	// Classes (outer, slots) is the matched truth class, 0 when unmatched
	Classes *tensor.Tensor
	// PermTruth (outer, slots, 4) is the matched truth box in prediction order
	PermTruth *tensor.Tensor
	// Mask (outer, slots) is 1 where a prediction owns an object
	Mask *tensor.Tensor
}

func newAssignment(outer, slots int) *Assignment {
	a := &Assignment{
		Outer:     outer,
		Slots:     slots,
		Index:     make([]int, outer*slots),
		Classes:   tensor.Zeros("classes", outer, slots),
		PermTruth: tensor.Zeros("perm_truth", outer, slots, 4),
		Mask:      tensor.Zeros("pred_mask", outer, slots),
	}
	for i := range a.Index {
		a.Index[i] = -1
	}
	return a
}

// Policy assigns truth to predictions for every cell.
//
// pred has shape (outer, slots, 4); truthBoxes (outer, rnn_len, 4) and
// flags (outer, rnn_len) where a flag > 0 marks a present object and holds
// its class.
type Policy interface {
	Match(pred, truthBoxes, flags *tensor.Tensor) (*Assignment, error)
}

// NewPolicy selects the policy for the configuration.
func NewPolicy(h *hyp.Hypes) Policy {
	if h.UseLstm {
		return Sequential{IOUThreshold: h.Solver.HungarianIOU}
	}
	return SingleSlot{}
}

func checkInputs(pred, truthBoxes, flags *tensor.Tensor) error {
	if pred.Shape.Rank() != 3 || pred.Dim(2) != 4 {
		return fmt.Errorf("%w: predictions %v, want (outer, slots, 4)", ErrMatch, pred.Shape)
	}
	outer := pred.Dim(0)
	if truthBoxes.Shape.Rank() != 3 || truthBoxes.Dim(0) != outer || truthBoxes.Dim(2) != 4 {
		return fmt.Errorf("%w: truth boxes %v, want (%d, rnn_len, 4)", ErrMatch, truthBoxes.Shape, outer)
	}
	if flags.Shape.Rank() != 2 || flags.Dim(0) != outer || flags.Dim(1) != truthBoxes.Dim(1) {
		return fmt.Errorf("%w: flags %v do not match truth boxes %v", ErrMatch, flags.Shape, truthBoxes.Shape)
	}
	return nil
}

// SingleSlot pairs the only prediction of a cell with the only truth slot.
type SingleSlot struct{}

// Match implements Policy.
func (SingleSlot) Match(pred, truthBoxes, flags *tensor.Tensor) (*Assignment, error) {
	if err := checkInputs(pred, truthBoxes, flags); err != nil {
		return nil, err
	}
	if pred.Dim(1) != 1 || truthBoxes.Dim(1) != 1 {
		return nil, fmt.Errorf("%w: single-slot matching needs one slot, got %d predicted and %d truth", ErrMatch, pred.Dim(1), truthBoxes.Dim(1))
	}
	outer := pred.Dim(0)
	a := newAssignment(outer, 1)
	copy(a.PermTruth.Data, truthBoxes.Data)
	copy(a.Classes.Data, flags.Data)
	for c := 0; c < outer; c++ {
		a.Index[c] = 0
		if flags.Data[c] > 0 {
			a.Mask.Data[c] = 1
		}
	}
	return a, nil
}

// Sequential matches each cell's predictions to its objects with the
// Hungarian algorithm. Pairs overlapping by less than IOUThreshold are
// penalised, so the solution first maximises the number of pairs above the
// threshold, then their total IoU, and then prefers close centers.
type Sequential struct {
	IOUThreshold float64
}

// Match implements Policy.
func (s Sequential) Match(pred, truthBoxes, flags *tensor.Tensor) (*Assignment, error) {
	if err := checkInputs(pred, truthBoxes, flags); err != nil {
		return nil, err
	}
	outer, slots, truths := pred.Dim(0), pred.Dim(1), truthBoxes.Dim(1)
	n := max(slots, truths)
	a := newAssignment(outer, slots)

	cost := make([][]float64, n)
	for i := range cost {
		cost[i] = make([]float64, n)
	}
	for c := 0; c < outer; c++ {
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				cost[i][j] = 0
				if i >= slots {
					// padding prediction
					continue
				}
				if j >= truths || flags.At(c, j) <= 0 {
					cost[i][j] = paddingCost
					continue
				}
				p := geom.BoxFromSlice(pred.Row(c, i))
				t := geom.BoxFromSlice(truthBoxes.Row(c, j))
				if !p.IsFinite() || !t.IsFinite() {
					return nil, fmt.Errorf("%w: non-finite box in cell %d", ErrMatch, c)
				}
				iou := geom.IOU(p, t)
				v := 1 - iou + distanceWeight*math.Min(geom.CenterDistanceL1(p, t)/1000, 1)
				if iou < s.IOUThreshold {
					v += belowThresholdCost
				}
				cost[i][j] = v
			}
		}
		assign, err := Hungarian(cost)
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", c, err)
		}
		for i := 0; i < slots; i++ {
			j := assign[i]
			if j >= truths || flags.At(c, j) <= 0 {
				continue
			}
			a.Index[c*slots+i] = j
			a.Classes.Set(flags.At(c, j), c, i)
			a.Mask.Set(1, c, i)
			copy(a.PermTruth.Row(c, i), truthBoxes.Row(c, j))
		}
	}
	return a, nil
}

// Objects counts the present objects in cell c of flags.
func Objects(flags *tensor.Tensor, c int) int {
	n := 0
	for _, f := range flags.Row(c) {
		if f > 0 {
			n++
		}
	}
	return n
}
