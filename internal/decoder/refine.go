package decoder

import (
	"github.com/FlavioCFOliveira/GoRezoom/internal/activations"
	"github.com/FlavioCFOliveira/GoRezoom/internal/tensor"
)

// Refined returns the confidences (outer, rnn_len, num_classes) and boxes
// (outer, 1, 4) to use at inference. When the rezoom head ran, its delta
// logits replace the base logits, since it is trained as a classifier on
// its own. With reregress the box deltas are added to the base boxes.
// The output itself is not modified.
func (o *Output) Refined() (confs, boxes *tensor.Tensor) {
	confs, boxes = o.Confidences, o.Boxes
	if o.DeltaLogits != nil {
		confs = tensor.Zeros("refined_confidences", o.Confidences.Shape.Dims...)
		activations.Softmax{}.Rows(confs.Data, o.DeltaLogits.Data, o.DeltaLogits.Dim(1))
	}
	if o.DeltaBoxes != nil {
		boxes = tensor.Zeros("refined_boxes", o.Boxes.Shape.Dims...)
		for i := range boxes.Data {
			boxes.Data[i] = o.Boxes.Data[i] + o.DeltaBoxes.Data[i]
		}
	}
	return confs, boxes
}
