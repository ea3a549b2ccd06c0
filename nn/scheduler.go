package nn

import (
	"fmt"
	"math"
)

// LRScheduler interface defines learning rate scheduling strategies
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch
	GetLR(epoch int) float32

	// Name returns the scheduler name
	Name() string
}

// ============================================================================
// Step Decay Scheduler - halve the rate every decayStep epochs from decayStart
// ============================================================================

// StepDecayScheduler is stateless: the rate of any epoch is a closed form
// of the epoch, so resumed runs see the same schedule.
type StepDecayScheduler struct {
	baseLR     float32
	decayStart int
	decayStep  int
	gamma      float32
}

func NewStepDecayScheduler(baseLR float32, decayStart, decayStep int) *StepDecayScheduler {
	return &StepDecayScheduler{
		baseLR:     baseLR,
		decayStart: decayStart,
		decayStep:  decayStep,
		gamma:      0.5,
	}
}

// GetLR returns baseLR * 0.5^k where k counts multiples of decayStep in
// [decayStart, epoch].
func (s *StepDecayScheduler) GetLR(epoch int) float32 {
	if s.decayStep <= 0 || epoch < s.decayStart {
		return s.baseLR
	}
	k := floorDiv(epoch, s.decayStep) - floorDiv(s.decayStart-1, s.decayStep)
	if k <= 0 {
		return s.baseLR
	}
	return s.baseLR * float32(math.Pow(float64(s.gamma), float64(k)))
}

func (s *StepDecayScheduler) Name() string {
	return fmt.Sprintf("StepDecay(start=%d,step=%d)", s.decayStart, s.decayStep)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
