// Package eval measures detector accuracy, smooths the monitored values
// over a run and logs annotated images.
package eval

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/FlavioCFOliveira/GoRezoom/internal/decoder"
	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/loss"
	"github.com/FlavioCFOliveira/GoRezoom/internal/render"
	"github.com/FlavioCFOliveira/GoRezoom/internal/tensor"
	"github.com/cyclopcam/logs"
	"golang.org/x/sync/errgroup"
)

const (
	// SmoothingDecay is the moving average decay of the smoothed metrics.
	SmoothingDecay = 0.95
	// NumImageSlots is the size of the pool of image filenames.
	NumImageSlots = 10
	// MinImageConfidence is the lowest confidence drawn on logged images.
	MinImageConfidence = 0.1
	// DefaultSummarySide bounds the longer side of image summaries.
	DefaultSummarySide = 256
)

// PhaseResult is what one phase produced at the evaluated step.
type PhaseResult struct {
	Output *decoder.Output
	Labels *decoder.Labels
	Loss   *loss.Result
}

// Report is the outcome of one evaluation.
type Report struct {
	Step     int
	Accuracy map[decoder.Phase]float64
	Scalars  []Scalar
}

// Get returns the scalar called name.
func (r *Report) Get(name string) (float64, bool) {
	for _, s := range r.Scalars {
		if s.Name == name {
			return s.Value, true
		}
	}
	return 0, false
}

// EMA is an exponential moving average over named values. The first
// update of a name seeds its average with the value itself.
type EMA struct {
	Decay  float64
	values map[string]float64
}

func NewEMA(decay float64) *EMA {
	return &EMA{Decay: decay, values: make(map[string]float64)}
}

// Update folds v into the average of name and returns the new average.
func (e *EMA) Update(name string, v float64) float64 {
	prev, ok := e.values[name]
	if !ok {
		e.values[name] = v
		return v
	}
	avg := e.Decay*prev + (1-e.Decay)*v
	e.values[name] = avg
	return avg
}

// Value returns the current average of name.
func (e *EMA) Value(name string) (float64, bool) {
	v, ok := e.values[name]
	return v, ok
}

// Evaluator computes per-phase accuracy and keeps the smoothed values for
// the lifetime of a training run. Call Close to wait for image writes.
type Evaluator struct {
	h    *hyp.Hypes
	sink Sink
	log  logs.Log
	ema  *EMA

	// WriteImages enables the annotated val images under OutputDir.
	WriteImages bool
	OutputDir   string
	// SummarySide bounds the images passed to the sink; the files on
	// disk keep full size. Zero disables scaling.
	SummarySide int

	writes errgroup.Group
}

// New creates an evaluator that reports to sink. Images go to the
// configured output directory.
func New(h *hyp.Hypes, sink Sink, log logs.Log) *Evaluator {
	e := &Evaluator{
		h:           h,
		sink:        sink,
		log:         log,
		ema:         NewEMA(SmoothingDecay),
		WriteImages: true,
		OutputDir:   h.Dirs.OutputDir,
		SummarySide: DefaultSummarySide,
	}
	e.writes.SetLimit(2)
	return e
}

// Accuracy is the fraction of cells whose most likely predicted class in
// slot 0 equals the true one. It has no side effects.
func (e *Evaluator) Accuracy(out *decoder.Output, labels *decoder.Labels) (float64, error) {
	h := e.h
	truth, err := labels.TruthConfidences(h)
	if err != nil {
		return 0, fmt.Errorf("eval: %w", err)
	}
	if err := out.Confidences.Expect(h.OuterSize(), h.RnnLen, h.NumClasses); err != nil {
		return 0, fmt.Errorf("eval: %w", err)
	}
	outer := h.OuterSize()
	correct := 0
	for c := 0; c < outer; c++ {
		if tensor.ArgMax(truth.Row(c, 0)) == tensor.ArgMax(out.Confidences.Row(c, 0)) {
			correct++
		}
	}
	return float64(correct) / float64(outer), nil
}

// Evaluate computes accuracy for every phase, updates the moving averages
// and reports the scalars to the sink. When a val phase is present and
// image writing is enabled it also logs annotated images of its first
// batch element; the files are written in the background.
func (e *Evaluator) Evaluate(step int, phases map[decoder.Phase]*PhaseResult) (*Report, error) {
	names := make([]decoder.Phase, 0, len(phases))
	for p := range phases {
		names = append(names, p)
	}
	slices.Sort(names)

	rep := &Report{Step: step, Accuracy: make(map[decoder.Phase]float64, len(phases))}
	for _, phase := range names {
		pr := phases[phase]
		acc, err := e.Accuracy(pr.Output, pr.Labels)
		if err != nil {
			return nil, fmt.Errorf("eval %s: %w", phase, err)
		}
		rep.Accuracy[phase] = acc
		e.add(rep, fmt.Sprintf("%s/accuracy", phase), acc)
		if pr.Loss != nil {
			e.add(rep, fmt.Sprintf("%s/confidences_loss", phase), pr.Loss.Confidence)
			e.add(rep, fmt.Sprintf("%s/regression_loss", phase), pr.Loss.Box)
		}
	}
	if err := e.sink.Scalars(step, rep.Scalars); err != nil {
		return rep, fmt.Errorf("eval: %w", err)
	}

	if val, ok := phases[decoder.PhaseVal]; ok && e.WriteImages {
		if err := e.logImages(step, val); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (e *Evaluator) add(rep *Report, name string, v float64) {
	rep.Scalars = append(rep.Scalars,
		Scalar{Name: name, Value: v},
		Scalar{Name: name + "/smooth", Value: e.ema.Update(name, v)})
}

// ImageFilename is the file used at step for kind ("pred" or "true").
func (e *Evaluator) ImageFilename(step int, kind string) string {
	slot := (step / e.h.Logging.DisplayIter) % NumImageSlots
	return filepath.Join(e.OutputDir, fmt.Sprintf("%d_%s.jpg", slot, kind))
}

func (e *Evaluator) logImages(step int, val *PhaseResult) error {
	h := e.h
	confs, boxes := val.Output.Refined()
	trueConfs, err := val.Labels.TruthConfidences(h)
	if err != nil {
		return fmt.Errorf("eval: %w", err)
	}
	trueBoxes, err := val.Labels.TruthBoxes(h)
	if err != nil {
		return fmt.Errorf("eval: %w", err)
	}

	base := render.Blank(h.ImageWidth, h.ImageHeight)
	if len(val.Labels.Images) > 0 && val.Labels.Images[0] != nil {
		base = val.Labels.Images[0]
	}

	for _, kind := range []struct {
		name         string
		confs, boxes *tensor.Tensor
	}{
		{"pred", confs, boxes},
		{"true", trueConfs, trueBoxes},
	} {
		dets, err := render.Detections(h, kind.confs, kind.boxes, 0, MinImageConfidence)
		if err != nil {
			return fmt.Errorf("eval: %w", err)
		}
		kept, suppressed := render.Stitch(dets, render.DefaultStitchIOU)
		img := render.Draw(base, kept, h.NumClasses, render.Style{Suppressed: suppressed})
		filename := e.ImageFilename(step, kind.name)

		e.writes.Go(func() error {
			if err := render.SaveJPEG(img, filename); err != nil {
				e.log.Warnf("Failed to write evaluation image: %v", err)
				return err
			}
			return nil
		})
		summary := Summary{
			Name:     fmt.Sprintf("%s/%s_boxes", decoder.PhaseVal, kind.name),
			Filename: filename,
			Image:    render.Thumbnail(img, e.SummarySide),
		}
		if err := e.sink.Image(step, summary); err != nil {
			return fmt.Errorf("eval: %w", err)
		}
	}
	return nil
}

// Close waits for pending image writes and returns the first write error.
func (e *Evaluator) Close() error {
	return e.writes.Wait()
}
