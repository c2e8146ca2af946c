package optim

import "math"

// StepLR multiplies the learning rate of every group by Gamma once every StepSize epochs.
// Call Step once at the end of every epoch.
type StepLR struct {
	Optimizer Optimizer
	StepSize  int
	Gamma     float64
	LastEpoch int
	baseLR    []float64
}

func NewStepLR(opt Optimizer, stepSize int, gamma float64) *StepLR {
	if stepSize <= 0 {
		stepSize = 1
	}
	return &StepLR{
		Optimizer: opt,
		StepSize:  stepSize,
		Gamma:     gamma,
		baseLR:    groupLRs(opt.ParamGroups()),
	}
}

// Step advances one epoch, and updates the learning rate of every group
func (s *StepLR) Step() {
	s.LastEpoch++
	s.apply()
}

// SetEpoch puts the scheduler at the given epoch, as when resuming from a checkpoint
func (s *StepLR) SetEpoch(epoch int) {
	s.LastEpoch = epoch
	s.apply()
}

// LR is the learning rate of group i at the current epoch
func (s *StepLR) LR(i int) float64 {
	return s.baseLR[i] * math.Pow(s.Gamma, float64(s.LastEpoch/s.StepSize))
}

func (s *StepLR) apply() {
	for i, g := range s.Optimizer.ParamGroups() {
		g.LR = s.LR(i)
	}
}
