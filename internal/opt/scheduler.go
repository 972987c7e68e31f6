package opt

import "math"

// Scheduler adjusts an optimizer's learning rate as training progresses.
type Scheduler interface {
	// Step is called once per training iteration with the global step.
	Step(step int)
	GetLR() float64
}

// StepLR halves (by default) the learning rate every stepSize iterations:
// lr = initial * gamma^(step / stepSize). A stepSize of 0 keeps it constant.
type StepLR struct {
	optimizer Optimizer
	stepSize  int
	gamma     float64
	initialLR float64
}

func NewStepLR(optimizer Optimizer, stepSize int, gamma float64) *StepLR {
	return &StepLR{
		optimizer: optimizer,
		stepSize:  stepSize,
		gamma:     gamma,
		initialLR: optimizer.LearningRate(),
	}
}

func (s *StepLR) Step(step int) {
	if s.stepSize <= 0 {
		return
	}
	s.optimizer.SetLearningRate(s.initialLR * math.Pow(s.gamma, float64(step/s.stepSize)))
}

func (s *StepLR) GetLR() float64 {
	return s.optimizer.LearningRate()
}

// ReduceLROnPlateau reduces the learning rate when the monitored loss has
// stopped improving for patience evaluations.
type ReduceLROnPlateau struct {
	optimizer Optimizer
	factor    float64
	patience  int
	threshold float64
	minLR     float64

	bestLoss    float64
	numBadEvals int
}

func NewReduceLROnPlateau(optimizer Optimizer, factor float64, patience int, threshold, minLR float64) *ReduceLROnPlateau {
	return &ReduceLROnPlateau{
		optimizer: optimizer,
		factor:    factor,
		patience:  patience,
		threshold: threshold,
		minLR:     minLR,
		bestLoss:  math.Inf(1),
	}
}

// Observe records one evaluation of the monitored loss.
func (s *ReduceLROnPlateau) Observe(currentLoss float64) {
	if currentLoss < s.bestLoss-s.threshold {
		s.bestLoss = currentLoss
		s.numBadEvals = 0
		return
	}
	s.numBadEvals++
	if s.numBadEvals >= s.patience {
		s.optimizer.SetLearningRate(math.Max(s.optimizer.LearningRate()*s.factor, s.minLR))
		s.numBadEvals = 0
	}
}

func (s *ReduceLROnPlateau) GetLR() float64 {
	return s.optimizer.LearningRate()
}
