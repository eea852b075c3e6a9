// Package guidance turns a stream of position fixes into step progress and
// spoken turn-by-turn announcements.
package guidance

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-wayfind/internal/geo"
)

// State is the lifecycle state of an Engine
type State int

const (
	StateIdle State = iota
	StateActive
	StateArrived
	StateCancelled
)

// String returns the lowercase state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateArrived:
		return "arrived"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateIdle, StateActive, StateArrived, StateCancelled} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("guidance: unknown state %q", text)
}

// Terminal reports whether the state accepts no more fixes
func (s State) Terminal() bool {
	return s == StateArrived || s == StateCancelled
}

// Snapshot is a point-in-time view of an engine
type Snapshot struct {
	State      State      `json:"state"`
	Mode       Mode       `json:"mode"`
	StepIndex  int        `json:"step_index"`
	StepCount  int        `json:"step_count"`
	Warned     int        `json:"warned"`
	Events     uint64     `json:"events"`
	Current    *Step      `json:"current,omitempty"`
	Thresholds Thresholds `json:"thresholds"`
}

// Engine is one navigation session. All methods are safe for concurrent
// use; fixes are evaluated one at a time.
type Engine struct {
	thresholds Thresholds
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	state   State
	mode    Mode
	tracker *StepTracker
	policy  *AnnouncementPolicy
	seq     uint64
}

// NewEngine creates an idle engine
func NewEngine(thresholds Thresholds, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		thresholds: thresholds,
		logger:     logger,
		now:        time.Now,
		tracker:    NewStepTracker(nil, thresholds.Advance),
		policy:     NewAnnouncementPolicy(DirectionOnly, 0, thresholds),
	}
}

// Start begins navigation over steps. An empty route emits
// EmptyStepsWarning followed by Arrived. Calls on an engine that is not
// idle are ignored.
func (e *Engine) Start(steps []Step, mode Mode) ([]Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		reason := ErrSessionActive
		if e.state.Terminal() {
			reason = ErrSessionTerminal
		}
		e.logger.Debug("start ignored", "state", e.state, "reason", reason)
		return nil, nil
	}

	for i, step := range steps {
		if err := step.Target.Validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	e.mode = mode
	e.tracker = NewStepTracker(steps, e.thresholds.Advance)
	e.policy = NewAnnouncementPolicy(mode, len(steps), e.thresholds)
	e.state = StateActive

	e.logger.Info("navigation started",
		"steps", len(steps),
		"mode", mode,
	)

	if len(steps) == 0 {
		e.logger.Warn("no navigation steps available, arriving immediately")
		e.state = StateArrived
		return []Event{
			e.emit(KindEmptyStepsWarning),
			e.emit(KindArrived),
		}, nil
	}

	return nil, nil
}

// OnFix evaluates one position fix. Fixes outside the active state are
// ignored; an out-of-range coordinate is returned as an error without
// touching session state.
func (e *Engine) OnFix(fix geo.Fix) ([]Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateActive {
		e.logger.Debug("fix ignored", "state", e.state, "reason", ErrSessionTerminal)
		return nil, nil
	}

	if err := fix.Coordinate.Validate(); err != nil {
		return nil, fmt.Errorf("fix: %w", err)
	}

	eval := e.tracker.Evaluate(fix)

	var events []Event
	if eval.HasTarget {
		if a, ok := e.policy.Decide(eval.Index, eval.Step.Instruction, eval.Distance); ok {
			ev := e.emit(KindAnnouncement)
			ev.Announcement = &a
			events = append(events, ev)

			e.logger.Info("announcement",
				"step", eval.Index,
				"text", a.Text,
				"distance_m", eval.Distance,
			)
		}

		ev := e.emit(KindStepLog)
		ev.StepLog = &StepLog{
			Index:       eval.Index,
			Instruction: eval.Step.Instruction,
			Distance:    eval.Distance,
		}
		events = append(events, ev)

		e.logger.Debug("step evaluated",
			"step", eval.Index+1,
			"instruction", eval.Step.Instruction,
			"distance_m", eval.Distance,
			"advanced", eval.Advanced,
		)
	}

	if eval.Arrived {
		e.state = StateArrived
		events = append(events, e.emit(KindArrived))
		e.logger.Info("navigation complete", "steps", e.tracker.Len())
	}

	return events, nil
}

// Cancel stops the session. Idempotent; has no effect once arrived.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Terminal() {
		return
	}

	e.logger.Info("navigation cancelled",
		"step", e.tracker.Index(),
		"steps", e.tracker.Len(),
	)
	e.state = StateCancelled
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns the current progress of the session
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		State:      e.state,
		Mode:       e.mode,
		StepIndex:  e.tracker.Index(),
		StepCount:  e.tracker.Len(),
		Warned:     e.policy.WarnedCount(),
		Events:     e.seq,
		Thresholds: e.thresholds,
	}
	if step, ok := e.tracker.Current(); ok {
		snap.Current = &step
	}
	return snap
}

// emit must be called with e.mu held
func (e *Engine) emit(kind EventKind) Event {
	e.seq++
	return Event{
		Seq:       e.seq,
		Kind:      kind,
		Timestamp: e.now(),
	}
}
