package train

import (
	"math"

	"github.com/FlavioCFOliveira/GoRezoom/internal/eval"
	"github.com/FlavioCFOliveira/GoRezoom/internal/opt"
)

// Callback defines the interface for training callbacks.
type Callback interface {
	OnTrainBegin(t *Trainer)
	OnTrainEnd(t *Trainer)
	OnStep(r *StepResult, t *Trainer)
	// OnEvaluate receives the evaluator report (nil without an evaluator)
	// and the val pass it was computed from.
	OnEvaluate(rep *eval.Report, val *StepResult, t *Trainer)
}

// Stopper is implemented by callbacks that can end training early.
type Stopper interface {
	ShouldStop() bool
}

// BaseCallback provides default empty implementations for Callback.
type BaseCallback struct{}

func (c BaseCallback) OnTrainBegin(t *Trainer)                                  {}
func (c BaseCallback) OnTrainEnd(t *Trainer)                                    {}
func (c BaseCallback) OnStep(r *StepResult, t *Trainer)                         {}
func (c BaseCallback) OnEvaluate(rep *eval.Report, val *StepResult, t *Trainer) {}

// PlateauCallback lowers the learning rate when the val loss stops
// improving. Use it with learning_rate_step 0, since the step schedule
// resets the rate every step.
type PlateauCallback struct {
	BaseCallback
	scheduler *opt.ReduceLROnPlateau
}

func NewPlateauCallback(scheduler *opt.ReduceLROnPlateau) *PlateauCallback {
	return &PlateauCallback{scheduler: scheduler}
}

func (c *PlateauCallback) OnEvaluate(rep *eval.Report, val *StepResult, t *Trainer) {
	c.scheduler.Observe(val.Loss.Total)
}

// EarlyStopping stops training when the val loss has stopped improving
// for Patience evaluations.
type EarlyStopping struct {
	BaseCallback
	Patience  int
	Threshold float64

	bestLoss    float64
	numBadEvals int
	Stopped     bool
}

func NewEarlyStopping(patience int, threshold float64) *EarlyStopping {
	return &EarlyStopping{
		Patience:  patience,
		Threshold: threshold,
		bestLoss:  math.Inf(1),
	}
}

func (c *EarlyStopping) OnEvaluate(rep *eval.Report, val *StepResult, t *Trainer) {
	loss := val.Loss.Total
	if loss < c.bestLoss-c.Threshold {
		c.bestLoss = loss
		c.numBadEvals = 0
	} else {
		c.numBadEvals++
	}

	if c.numBadEvals >= c.Patience {
		t.Log.Infof("Early stopping at step %d: val loss %.6f did not improve for %d evaluations", val.Step, loss, c.Patience)
		c.Stopped = true
	}
}

func (c *EarlyStopping) ShouldStop() bool {
	return c.Stopped
}

// Checkpoint saves the weights whenever the val loss is the best so far.
type Checkpoint struct {
	BaseCallback
	Filename string

	bestLoss float64
	Saved    int
}

func NewCheckpoint(filename string) *Checkpoint {
	return &Checkpoint{
		Filename: filename,
		bestLoss: math.Inf(1),
	}
}

func (c *Checkpoint) OnEvaluate(rep *eval.Report, val *StepResult, t *Trainer) {
	loss := val.Loss.Total
	if loss >= c.bestLoss {
		return
	}
	c.bestLoss = loss
	if err := t.Weights.Save(c.Filename); err != nil {
		t.Log.Errorf("Error saving checkpoint: %v", err)
		return
	}
	c.Saved++
	t.Log.Infof("Checkpoint saved: val loss %.6f is new best", loss)
}

// Logger logs the loss terms every Interval steps.
type Logger struct {
	BaseCallback
	Interval int
}

func (c Logger) OnStep(r *StepResult, t *Trainer) {
	if c.Interval > 0 && r.Step%c.Interval == 0 {
		t.Log.Infof("Step %d: loss = %.6f, grad norm = %.4f", r.Step, r.Loss.Total, r.GradNorm)
	}
}
