package guidance

import (
	"errors"
	"fmt"
	"strings"
)

// Default distance thresholds in meters
const (
	AdvanceThreshold = 12.0
	WarnMin          = 12.0
	WarnMax          = 70.0
)

// ErrUnknownMode is returned when parsing an unsupported mode name
var ErrUnknownMode = errors.New("guidance: unknown mode")

// Mode selects what gets announced for each step
type Mode int

const (
	// DirectionOnly speaks the instruction once, as soon as the step becomes current
	DirectionOnly Mode = iota
	// DirectionWithDistance speaks "in N meters, <instruction>" inside the warn band
	DirectionWithDistance
)

// String returns the config/wire name of the mode
func (m Mode) String() string {
	switch m {
	case DirectionOnly:
		return "direction"
	case DirectionWithDistance:
		return "direction_with_distance"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses a mode name. The empty string means DirectionOnly.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "direction", "direction_only":
		return DirectionOnly, nil
	case "direction_with_distance", "distance":
		return DirectionWithDistance, nil
	default:
		return DirectionOnly, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Thresholds holds the distance thresholds used by the tracker and policy
type Thresholds struct {
	Advance float64 `json:"advance_m"`  // Step advances when closer than this
	WarnMin float64 `json:"warn_min_m"` // Lower (exclusive) edge of the warn band
	WarnMax float64 `json:"warn_max_m"` // Upper (exclusive) edge of the warn band
}

// DefaultThresholds returns the standard 12/12/70 meter thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		Advance: AdvanceThreshold,
		WarnMin: WarnMin,
		WarnMax: WarnMax,
	}
}

// Validate checks the thresholds are positive and the warn band is not empty
func (t Thresholds) Validate() error {
	if t.Advance <= 0 {
		return fmt.Errorf("advance threshold must be positive, got %f", t.Advance)
	}
	if t.WarnMin < 0 {
		return fmt.Errorf("warn_min must not be negative, got %f", t.WarnMin)
	}
	if t.WarnMax <= t.WarnMin {
		return fmt.Errorf("warn_max (%f) must be greater than warn_min (%f)", t.WarnMax, t.WarnMin)
	}
	return nil
}
