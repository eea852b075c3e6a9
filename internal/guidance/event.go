package guidance

import "time"

// EventKind identifies a guidance event
type EventKind string

const (
	KindAnnouncement      EventKind = "announcement"
	KindStepLog           EventKind = "step_log"
	KindArrived           EventKind = "arrived"
	KindEmptyStepsWarning EventKind = "empty_steps_warning"
)

// StepLog records one evaluation of a fix against the current step
type StepLog struct {
	Index       int     `json:"index"`
	Instruction string  `json:"instruction"`
	Distance    float64 `json:"distance_m"`
}

// Event is one item of the guidance stream produced by an Engine
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Announcement *Announcement `json:"announcement,omitempty"`
	StepLog      *StepLog      `json:"step_log,omitempty"`
}

// Terminal reports whether no events follow this one
func (e Event) Terminal() bool {
	return e.Kind == KindArrived
}

// Text returns the spoken text for announcement events, "" otherwise
func (e Event) Text() string {
	if e.Announcement == nil {
		return ""
	}
	return e.Announcement.Text
}
