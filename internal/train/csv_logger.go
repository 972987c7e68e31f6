package train

import (
	"github.com/FlavioCFOliveira/GoRezoom/internal/eval"
)

// CSVLogger logs every training step to a CSV file: the loss total, each
// named loss term and the learning rate.
type CSVLogger struct {
	BaseCallback
	Filename string
	Append   bool

	sink *eval.CSVSink
}

// NewCSVLogger creates a new CSVLogger.
func NewCSVLogger(filename string, append bool) *CSVLogger {
	return &CSVLogger{
		Filename: filename,
		Append:   append,
	}
}

func (c *CSVLogger) OnTrainBegin(t *Trainer) {
	sink, err := eval.NewCSVSink(c.Filename, c.Append)
	if err != nil {
		t.Log.Errorf("%v", err)
		return
	}
	c.sink = sink
}

func (c *CSVLogger) OnStep(r *StepResult, t *Trainer) {
	if c.sink == nil {
		return
	}
	scalars := []eval.Scalar{
		{Name: "loss", Value: r.Loss.Total},
		{Name: "lr", Value: t.Optimizer.LearningRate()},
	}
	for _, term := range r.Terms {
		scalars = append(scalars, eval.Scalar{Name: "loss/" + term.Name, Value: term.Value})
	}
	if err := c.sink.Scalars(r.Step, scalars); err != nil {
		t.Log.Warnf("CSVLogger: %v", err)
	}
}

func (c *CSVLogger) OnTrainEnd(t *Trainer) {
	if c.sink != nil {
		if err := c.sink.Close(); err != nil {
			t.Log.Warnf("CSVLogger: %v", err)
		}
		c.sink = nil
	}
}
