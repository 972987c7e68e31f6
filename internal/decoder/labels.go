package decoder

import (
	"fmt"
	"image"

	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/tensor"
)

// Features are the encoder outputs for one batch.
type Features struct {
	// Coarse holds cnn_channels values per grid cell, cells in batch, row,
	// column order. Any dims with outer*cnn_channels elements are accepted.
	Coarse *tensor.Tensor
	// Early is the (batch, early_h, early_w, channels) map the rezoom head
	// samples from. Only the first early_feat_channels channels are used.
	Early *tensor.Tensor
}

// Batch pairs the encoder features of a batch with its ground truth.
type Batch struct {
	Features *Features
	Labels   *Labels
}

// Labels is the ground truth for one batch. It is never modified.
type Labels struct {
	Flags       *tensor.Tensor // (batch, grid, rnn_len); > 0 marks an object and holds its class
	Confidences *tensor.Tensor // (batch, grid, rnn_len, num_classes)
	Boxes       *tensor.Tensor // (batch, grid, rnn_len, 4)
	Images      []image.Image  // one per batch element; may be nil
}

// Check verifies the label shapes against h.
func (l *Labels) Check(h *hyp.Hypes) error {
	if l.Flags == nil || l.Confidences == nil || l.Boxes == nil {
		return fmt.Errorf("labels: %w: missing tensor", tensor.ErrShape)
	}
	if err := l.Flags.Expect(h.BatchSize, h.GridSize(), h.RnnLen); err != nil {
		return fmt.Errorf("labels flags: %w", err)
	}
	if err := l.Confidences.Expect(h.BatchSize, h.GridSize(), h.RnnLen, h.NumClasses); err != nil {
		return fmt.Errorf("labels confidences: %w", err)
	}
	if err := l.Boxes.Expect(h.BatchSize, h.GridSize(), h.RnnLen, 4); err != nil {
		return fmt.Errorf("labels boxes: %w", err)
	}
	if l.Images != nil && len(l.Images) != h.BatchSize {
		return fmt.Errorf("labels: %d images for batch size %d", len(l.Images), h.BatchSize)
	}
	return nil
}

// TruthBoxes views the boxes as (outer, rnn_len, 4).
func (l *Labels) TruthBoxes(h *hyp.Hypes) (*tensor.Tensor, error) {
	return l.Boxes.Reshape("boxes", h.OuterSize(), h.RnnLen, 4)
}

// TruthFlags views the flags as (outer, rnn_len).
func (l *Labels) TruthFlags(h *hyp.Hypes) (*tensor.Tensor, error) {
	return l.Flags.Reshape("flags", h.OuterSize(), h.RnnLen)
}

// TruthConfidences views the confidences as (outer, rnn_len, num_classes).
func (l *Labels) TruthConfidences(h *hyp.Hypes) (*tensor.Tensor, error) {
	return l.Confidences.Reshape("confidences", h.OuterSize(), h.RnnLen, h.NumClasses)
}
