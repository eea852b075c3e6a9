package guidance

import (
	"github.com/teslashibe/go-wayfind/internal/geo"
)

// Step is one route segment: a target coordinate and the instruction for it
type Step struct {
	Target      geo.Coordinate `json:"target"`
	Instruction string         `json:"instruction"`
}

// Evaluation is the outcome of evaluating one fix against the route
type Evaluation struct {
	Index     int     // Step index the fix was evaluated against
	Step      Step    // Step at Index (zero if HasTarget is false)
	Distance  float64 // Meters from the fix to Step.Target
	HasTarget bool    // False when the route was already exhausted
	Advanced  bool    // Current index moved forward by one
	Arrived   bool    // Route exhausted after this fix
}

// StepTracker walks an ordered list of steps as fixes come in.
// It is not safe for concurrent use; Engine serializes access.
type StepTracker struct {
	steps   []Step
	current int
	advance float64
}

// NewStepTracker creates a tracker over a private copy of steps
func NewStepTracker(steps []Step, advanceThreshold float64) *StepTracker {
	owned := make([]Step, len(steps))
	copy(owned, steps)

	return &StepTracker{
		steps:   owned,
		advance: advanceThreshold,
	}
}

// Current returns the step being navigated to, or false once arrived
func (t *StepTracker) Current() (Step, bool) {
	if t.current >= len(t.steps) {
		return Step{}, false
	}
	return t.steps[t.current], true
}

// Index returns the current step index (== Len() when arrived)
func (t *StepTracker) Index() int {
	return t.current
}

// Len returns the number of steps in the route
func (t *StepTracker) Len() int {
	return len(t.steps)
}

// Arrived reports whether every step has been consumed
func (t *StepTracker) Arrived() bool {
	return t.current >= len(t.steps)
}

// Evaluate measures the fix against the current target and advances at
// most one step when inside the advance threshold.
func (t *StepTracker) Evaluate(fix geo.Fix) Evaluation {
	target, ok := t.Current()
	if !ok {
		return Evaluation{Index: t.current, Arrived: true}
	}

	eval := Evaluation{
		Index:     t.current,
		Step:      target,
		Distance:  geo.DistanceMeters(fix.Coordinate, target.Target),
		HasTarget: true,
	}

	if eval.Distance < t.advance {
		t.current++
		eval.Advanced = true
	}
	eval.Arrived = t.current >= len(t.steps)

	return eval
}
