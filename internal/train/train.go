// Package train runs the detector training loop: decode, match, loss,
// backward and optimizer update, with periodic evaluation and checkpoints.
package train

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/FlavioCFOliveira/GoRezoom/internal/decoder"
	"github.com/FlavioCFOliveira/GoRezoom/internal/eval"
	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/layer"
	"github.com/FlavioCFOliveira/GoRezoom/internal/loss"
	"github.com/FlavioCFOliveira/GoRezoom/internal/match"
	"github.com/FlavioCFOliveira/GoRezoom/internal/opt"
	"github.com/cyclopcam/logs"
	"gonum.org/v1/gonum/floats"
)

// TermWeightDecay is the accumulator name of the L2 penalty.
const TermWeightDecay = "weight_decay"

// Source supplies batches for a phase.
type Source interface {
	Next(ctx context.Context, phase decoder.Phase) (*decoder.Batch, error)
}

// StepResult is the outcome of one forward (and, in training, backward)
// pass.
type StepResult struct {
	Step     int
	Phase    decoder.Phase
	Output   *decoder.Output
	Labels   *decoder.Labels
	Loss     *loss.Result
	Terms    []loss.Term
	GradNorm float64 // zero outside training
}

// Trainer owns the weights and every component of a training run. It is
// not safe for concurrent use.
type Trainer struct {
	Hypes      *hyp.Hypes
	Weights    *decoder.Weights
	Decoder    *decoder.Decoder
	Policy     match.Policy
	Aggregator *loss.Aggregator
	Optimizer  opt.Optimizer
	Scheduler  opt.Scheduler
	Evaluator  *eval.Evaluator
	Log        logs.Log

	rng  *layer.RNG
	step int
}

// New wires a trainer for h around w. ev may be nil to skip evaluation.
func New(h *hyp.Hypes, w *decoder.Weights, ev *eval.Evaluator, log logs.Log) (*Trainer, error) {
	d, err := decoder.New(h)
	if err != nil {
		return nil, err
	}
	agg, err := loss.NewAggregator(h)
	if err != nil {
		return nil, err
	}
	o, err := opt.New(h.Solver)
	if err != nil {
		return nil, err
	}
	return &Trainer{
		Hypes:      h,
		Weights:    w,
		Decoder:    d,
		Policy:     match.NewPolicy(h),
		Aggregator: agg,
		Optimizer:  o,
		Scheduler:  opt.NewStepLR(o, h.Solver.LearningRateStep, 0.5),
		Evaluator:  ev,
		Log:        log,
		rng:        layer.NewRNG(uint64(h.Solver.RndSeed)),
		step:       w.Step,
	}, nil
}

// GlobalStep is the number of optimizer updates applied so far, counting
// those recorded in the weights the trainer was created with.
func (t *Trainer) GlobalStep() int {
	return t.step
}

func (t *Trainer) forward(batch *decoder.Batch, phase decoder.Phase) (*StepResult, *decoder.Trace, error) {
	h := t.Hypes
	if err := batch.Labels.Check(h); err != nil {
		return nil, nil, err
	}
	out, tr, err := t.Decoder.Forward(t.Weights, batch.Features, phase, t.rng)
	if err != nil {
		return nil, nil, err
	}
	truth, err := batch.Labels.TruthBoxes(h)
	if err != nil {
		return nil, nil, err
	}
	flags, err := batch.Labels.TruthFlags(h)
	if err != nil {
		return nil, nil, err
	}
	a, err := t.Policy.Match(out.Boxes, truth, flags)
	if err != nil {
		return nil, nil, err
	}

	acc := loss.NewAccumulator()
	if wd := h.Solver.WeightDecay; wd > 0 {
		l2 := 0.0
		for _, p := range t.Weights.Params() {
			l2 += floats.Dot(p, p)
		}
		acc.Add(TermWeightDecay, wd*l2/2)
	}
	res, err := t.Aggregator.Compute(out.Predictions(), a, acc)
	if err != nil {
		return nil, nil, err
	}
	return &StepResult{
		Step:   t.step,
		Phase:  phase,
		Output: out,
		Labels: batch.Labels,
		Loss:   res,
		Terms:  acc.Terms(),
	}, tr, nil
}

// Step trains on one batch and applies one optimizer update.
func (t *Trainer) Step(ctx context.Context, batch *decoder.Batch) (*StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.Scheduler.Step(t.step)
	r, tr, err := t.forward(batch, decoder.PhaseTrain)
	if err != nil {
		return nil, fmt.Errorf("step %d: %w", t.step, err)
	}
	if math.IsNaN(r.Loss.Total) || math.IsInf(r.Loss.Total, 0) {
		t.Log.Warnf("Step %d: loss is %v", t.step, r.Loss.Total)
	}

	g, err := t.Decoder.Backward(t.Weights, tr, r.Loss)
	if err != nil {
		return nil, fmt.Errorf("step %d: %w", t.step, err)
	}
	params := t.Weights.Params()
	if wd := t.Hypes.Solver.WeightDecay; wd > 0 {
		for name, grad := range g.Weights {
			floats.AddScaled(grad, wd, params[name])
		}
	}
	sq := 0.0
	for _, grad := range g.Weights {
		sq += floats.Dot(grad, grad)
	}
	r.GradNorm = math.Sqrt(sq)

	if err := t.Optimizer.Update(params, g.Weights); err != nil {
		return nil, fmt.Errorf("step %d: %w", t.step, err)
	}
	t.step++
	t.Weights.Step = t.step
	return r, nil
}

// Validate runs the val phase on one batch without touching the weights.
func (t *Trainer) Validate(ctx context.Context, batch *decoder.Batch) (*StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, _, err := t.forward(batch, decoder.PhaseVal)
	if err != nil {
		return nil, fmt.Errorf("validate at step %d: %w", t.step, err)
	}
	return r, nil
}

// CheckpointFilename is where the periodic checkpoint of step is saved.
func (t *Trainer) CheckpointFilename(step int) string {
	return filepath.Join(t.Hypes.Dirs.OutputDir, fmt.Sprintf("save.ckpt-%d", step))
}

// Run trains until solver.max_iter updates have been applied in total, the
// context is cancelled or a callback asks to stop. Every logging.display_iter
// steps it validates on one val batch and runs the evaluator; every
// logging.save_iter steps, and after the last one, it saves the weights.
// Weights loaded from a checkpoint resume at the step they were saved at.
func (t *Trainer) Run(ctx context.Context, src Source, callbacks ...Callback) (err error) {
	h := t.Hypes
	for _, cb := range callbacks {
		cb.OnTrainBegin(t)
	}
	defer func() {
		for _, cb := range callbacks {
			cb.OnTrainEnd(t)
		}
		if t.Evaluator != nil {
			err = errors.Join(err, t.Evaluator.Close())
		}
	}()

	start := time.Now()
	for t.step < h.Solver.MaxIter {
		i := t.step
		batch, err := src.Next(ctx, decoder.PhaseTrain)
		if err != nil {
			return err
		}
		r, err := t.Step(ctx, batch)
		if err != nil {
			return err
		}
		for _, cb := range callbacks {
			cb.OnStep(r, t)
		}

		if i%h.Logging.DisplayIter == 0 {
			if err := t.evaluate(ctx, src, r, start, callbacks); err != nil {
				return err
			}
			start = time.Now()
		}
		if h.Logging.SaveIter > 0 && (i%h.Logging.SaveIter == 0 || t.step == h.Solver.MaxIter) {
			if err := t.Weights.Save(t.CheckpointFilename(i)); err != nil {
				return err
			}
		}
		for _, cb := range callbacks {
			if s, ok := cb.(Stopper); ok && s.ShouldStop() {
				t.Log.Infof("Stopping at step %d", t.step)
				return nil
			}
		}
	}
	return nil
}

func (t *Trainer) evaluate(ctx context.Context, src Source, train *StepResult, start time.Time, callbacks []Callback) error {
	batch, err := src.Next(ctx, decoder.PhaseVal)
	if err != nil {
		return err
	}
	val, err := t.Validate(ctx, batch)
	if err != nil {
		return err
	}
	var rep *eval.Report
	if t.Evaluator != nil {
		rep, err = t.Evaluator.Evaluate(train.Step, map[decoder.Phase]*eval.PhaseResult{
			decoder.PhaseTrain: {Output: train.Output, Labels: train.Labels, Loss: train.Loss},
			decoder.PhaseVal:   {Output: val.Output, Labels: val.Labels, Loss: val.Loss},
		})
		if err != nil {
			return err
		}
		h := t.Hypes
		images := float64(h.BatchSize * h.Logging.DisplayIter)
		t.Log.Infof("Step: %d, lr: %f, train loss: %.2f, val accuracy: %.1f%%, time/image (ms): %.1f",
			train.Step, t.Optimizer.LearningRate(), train.Loss.Total, rep.Accuracy[decoder.PhaseVal]*100,
			float64(time.Since(start).Milliseconds())/images)
	}
	for _, cb := range callbacks {
		cb.OnEvaluate(rep, val, t)
	}
	return nil
}
