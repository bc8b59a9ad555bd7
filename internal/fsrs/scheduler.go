package fsrs

import "fmt"

// implicitGrowthDamping scales the stability-growth increment for passive
// exposures. Reading a word in context nudges the memory model; it does not
// stand in for active recall.
const implicitGrowthDamping = 0.25

// MemoryState captures the FSRS memory variables for one item after a review.
type MemoryState struct {
	State          CardState `json:"state"`
	Stability      float64   `json:"stability"`
	Difficulty     float64   `json:"difficulty"`
	Retrievability float64   `json:"retrievability"` // R at the moment of the review.
	Reviews        int       `json:"reviews"`
}

// SchedulerConfig configures a Scheduler.
// Zero values produce sensible defaults; see field comments.
type SchedulerConfig struct {
	Weights          [17]float64 `json:"weights"`           // zero → DefaultWeights
	DesiredRetention float64     `json:"desired_retention"` // zero → 0.9
	MaximumInterval  int         `json:"maximum_interval"`  // zero → 36500
}

// Scheduler computes memory-state transitions using FSRS v4.5.
// It is a pure value: Step depends only on its arguments and the fixed
// weight table.
type Scheduler struct {
	algo             algo
	desiredRetention float64
	maximumInterval  int
}

// NewScheduler creates a Scheduler from the given config.
// Zero-value fields are filled with defaults; invalid values return an error.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	weights := cfg.Weights
	if weights == [17]float64{} {
		weights = DefaultWeights
	}
	if err := ValidateWeights(weights); err != nil {
		return nil, err
	}

	dr := cfg.DesiredRetention
	if dr == 0 {
		dr = 0.9
	}
	if dr <= 0 || dr >= 1 {
		return nil, fmt.Errorf("%w: %f", ErrInvalidRetention, dr)
	}

	maxIvl := cfg.MaximumInterval
	if maxIvl == 0 {
		maxIvl = 36500
	}
	if maxIvl < 1 {
		return nil, fmt.Errorf("fsrs: maximum interval %d must be positive", maxIvl)
	}

	return &Scheduler{
		algo:             algo{w: weights},
		desiredRetention: dr,
		maximumInterval:  maxIvl,
	}, nil
}

// DesiredRetention returns the retention target intervals are solved for.
func (s *Scheduler) DesiredRetention() float64 {
	return s.desiredRetention
}

// Step applies one review to the previous memory state and returns the new
// state. prev == nil signals a first-ever review; stability and difficulty
// are then initialized from the per-grade base weights. The caller is
// responsible for rejecting invalid grades before they reach Step.
func (s *Scheduler) Step(prev *MemoryState, elapsedDays float64, g Grade, exposure Exposure) MemoryState {
	if prev == nil || prev.Reviews == 0 {
		return MemoryState{
			State:          firstState(g),
			Stability:      s.algo.initStability(g),
			Difficulty:     s.algo.initDifficulty(g, true),
			Retrievability: 1.0,
			Reviews:        1,
		}
	}

	r := s.algo.retrievability(elapsedDays, prev.Stability)
	stability := s.algo.nextStability(prev.Difficulty, prev.Stability, r, g)
	if exposure == Implicit && g != Again && stability > prev.Stability {
		stability = prev.Stability + implicitGrowthDamping*(stability-prev.Stability)
	}

	return MemoryState{
		State:          nextState(prev.State, g),
		Stability:      stability,
		Difficulty:     s.algo.nextDifficulty(prev.Difficulty, g),
		Retrievability: r,
		Reviews:        prev.Reviews + 1,
	}
}

// Interval returns the number of days until retrievability decays from 1.0
// to the configured desired retention at the given stability.
func (s *Scheduler) Interval(stability float64) int {
	return s.algo.nextInterval(stability, s.desiredRetention, s.maximumInterval)
}

// Retrievability returns the probability of recall after elapsedDays at the
// given stability. Zero stability yields zero.
func (s *Scheduler) Retrievability(elapsedDays, stability float64) float64 {
	if stability <= 0 {
		return 0
	}
	return s.algo.retrievability(elapsedDays, stability)
}

func firstState(g Grade) CardState {
	if g == Easy {
		return StateReview
	}
	return StateLearning
}

func nextState(prev CardState, g Grade) CardState {
	switch prev {
	case StateLearning, StateRelearning:
		if g >= Good {
			return StateReview
		}
		return prev
	case StateReview:
		if g == Again {
			return StateRelearning
		}
		return StateReview
	default:
		return firstState(g)
	}
}
