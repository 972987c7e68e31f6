package decoder

import (
	"fmt"

	"github.com/FlavioCFOliveira/GoRezoom/internal/activations"
	"github.com/FlavioCFOliveira/GoRezoom/internal/layer"
	"github.com/FlavioCFOliveira/GoRezoom/internal/loss"
	"github.com/FlavioCFOliveira/GoRezoom/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

// Gradients of the loss for one batch.
type Gradients struct {
	// Weights maps each matrix name to its gradient, laid out like Params.
	Weights map[string][]float64
	// Coarse is the gradient with respect to the coarse features, shaped
	// (outer, cnn_channels).
	Coarse *tensor.Tensor
}

// Backward propagates the loss gradients in res through the pass recorded
// in tr. It must run before w is updated. Rezoom sample locations are
// treated as constants, so no gradient reaches the early features through
// them.
func (d *Decoder) Backward(w *Weights, tr *Trace, res *loss.Result) (*Gradients, error) {
	h := d.h
	if err := d.checkWeights(w); err != nil {
		return nil, err
	}
	outer := h.OuterSize()
	if err := res.DBoxes.Expect(outer, 1, 4); err != nil {
		return nil, fmt.Errorf("backward: %w", err)
	}
	if err := res.DLogits.Expect(outer, h.NumClasses); err != nil {
		return nil, fmt.Errorf("backward: %w", err)
	}
	g := &Gradients{Weights: make(map[string][]float64)}
	dH := mat.NewDense(outer, h.LstmSize, nil)

	if d.rezoom != nil {
		if len(tr.slots) == 0 {
			return nil, fmt.Errorf("backward: trace has no rezoom intermediates")
		}
		if err := d.rezoom.backward(w, tr, res, dH, g); err != nil {
			return nil, err
		}
	}

	dB := mat.NewDense(outer, 4, nil)
	dB.Scale(boxScale, mat.NewDense(outer, 4, res.DBoxes.Data))
	dHBox, dWBox := w.BoxIP.Backward(tr.h, dB)
	dH.Add(dH, dHBox)
	g.Weights[w.BoxIP.Name()] = dWBox.RawMatrix().Data

	dHConf, dWConf := w.ConfIP.Backward(tr.h, mat.NewDense(outer, h.NumClasses, res.DLogits.Data))
	dH.Add(dH, dHConf)
	g.Weights[w.ConfIP.Name()] = dWConf.RawMatrix().Data

	dHPre := d.dropout.Backward(dH, tr.hMask)
	dX, dWIP := w.OverfeatIP.Backward(tr.x, dHPre)
	g.Weights[w.OverfeatIP.Name()] = dWIP.RawMatrix().Data
	dX.Scale(inputScale, dX)
	g.Coarse = tensor.MustFromData(dX.RawMatrix().Data, "d_cnn_output", outer, h.CnnChannels)
	return g, nil
}

func (r *Rezoom) backward(w *Weights, tr *Trace, res *loss.Result, dH *mat.Dense, g *Gradients) error {
	h := r.h
	outer := h.OuterSize()
	slots := len(tr.slots)
	if res.DDeltaLogits == nil {
		return fmt.Errorf("backward: %w: rezoom enabled but no delta logit gradient", tensor.ErrShape)
	}
	if err := res.DDeltaLogits.Expect(outer*slots, h.NumClasses); err != nil {
		return fmt.Errorf("backward: %w", err)
	}
	if h.Reregress {
		if res.DDeltaBoxes == nil {
			return fmt.Errorf("backward: %w: reregress enabled but no delta box gradient", tensor.ErrShape)
		}
		if err := res.DDeltaBoxes.Expect(outer, slots, 4); err != nil {
			return fmt.Errorf("backward: %w", err)
		}
	}

	for k, st := range tr.slots {
		dZ := mat.NewDense(outer, h.NumClasses, nil)
		for c := 0; c < outer; c++ {
			for i, v := range res.DDeltaLogits.Row(c*slots + k) {
				dZ.Set(c, i, v*h.RezoomConfScale)
			}
		}
		dA, dW2 := w.DeltaIP2[k].Backward(st.a, dZ)
		g.Weights[w.DeltaIP2[k].Name()] = dW2.RawMatrix().Data

		if h.Reregress {
			dBd := mat.NewDense(outer, 4, nil)
			for c := 0; c < outer; c++ {
				for i, v := range res.DDeltaBoxes.Row(c, k) {
					dBd.Set(c, i, v*deltaBoxScale)
				}
			}
			dABox, dWb := w.DeltaIPBoxes[k].Backward(st.a, dBd)
			dA.Add(dA, dABox)
			g.Weights[w.DeltaIPBoxes[k].Name()] = dWb.RawMatrix().Data
		}

		dPre := layer.ActivateBackward(activations.ReLU{}, st.pre, r.dropout.Backward(dA, st.aMask))
		dF, dW1 := w.DeltaIP1[k].Backward(st.f, dPre)
		g.Weights[w.DeltaIP1[k].Name()] = dW1.RawMatrix().Data
		dH.Add(dH, dF.Slice(0, outer, 0, h.LstmSize))
	}
	return nil
}
