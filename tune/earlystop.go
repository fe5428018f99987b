package tune

import "fmt"

// State is the early-stopping phase. Warmup ignores non-improvements so the
// network is not abandoned before it has had time to move; Stopped is
// terminal and observed cooperatively at the epoch boundary.
type State int

const (
	Warmup State = iota
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Warmup:
		return "warmup"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Direction of improvement for the tracked metric.
const (
	DirectionMax = "max"
	DirectionMin = "min"
)

// EarlyStopper tracks the best value of a single tuning metric and flips to
// Stopped after Patience consecutive non-improving evaluations at or past
// MinEpoch. Best tracking runs during warmup too, so an early peak is still
// retained.
type EarlyStopper struct {
	Patience  int
	MinEpoch  int
	Direction string // DirectionMax or DirectionMin

	state     State
	best      float64
	bestEpoch int
	hasBest   bool
	badCount  int
}

// Update records one evaluation and reports whether it improved on the best
// so far. The first evaluation always counts as an improvement.
func (s *EarlyStopper) Update(epoch int, value float64) bool {
	if s.state == Stopped {
		return false
	}
	improved := !s.hasBest || s.betterThan(value, s.best)
	if improved {
		s.best = value
		s.bestEpoch = epoch
		s.hasBest = true
		s.badCount = 0
	}
	if epoch < s.MinEpoch {
		s.state = Warmup
		return improved
	}
	s.state = Active
	if !improved {
		s.badCount++
		if s.badCount >= s.Patience {
			s.state = Stopped
		}
	}
	return improved
}

func (s *EarlyStopper) betterThan(a, b float64) bool {
	if s.Direction == DirectionMin {
		return a < b
	}
	return a > b
}

// State returns the current phase.
func (s *EarlyStopper) State() State { return s.state }

// ShouldStop reports whether training should end at the next epoch boundary.
func (s *EarlyStopper) ShouldStop() bool { return s.state == Stopped }

// Best returns the best value seen and the epoch it occurred at. The third
// return value is false before the first evaluation.
func (s *EarlyStopper) Best() (float64, int, bool) { return s.best, s.bestEpoch, s.hasBest }
