package guidance

import (
	"fmt"
	"math"
)

// Announcement is text to be spoken for a step
type Announcement struct {
	Index    int     `json:"index"`
	Text     string  `json:"text"`
	Distance float64 `json:"distance_m"`
}

// AnnouncementPolicy decides when a step gets announced. Each step index
// fires at most once.
type AnnouncementPolicy struct {
	mode       Mode
	thresholds Thresholds
	warned     []bool
}

// NewAnnouncementPolicy creates a policy for a route of n steps
func NewAnnouncementPolicy(mode Mode, n int, thresholds Thresholds) *AnnouncementPolicy {
	return &AnnouncementPolicy{
		mode:       mode,
		thresholds: thresholds,
		warned:     make([]bool, n),
	}
}

// Mode returns the announcement mode
func (p *AnnouncementPolicy) Mode() Mode {
	return p.mode
}

// Decide returns an announcement for the step if one is due and marks the
// step as warned.
func (p *AnnouncementPolicy) Decide(index int, instruction string, distance float64) (Announcement, bool) {
	if index < 0 || index >= len(p.warned) || p.warned[index] {
		return Announcement{}, false
	}

	var text string
	switch p.mode {
	case DirectionOnly:
		text = instruction
	case DirectionWithDistance:
		// Sparse fixes can jump straight over the band; that step then goes unannounced.
		if distance <= p.thresholds.WarnMin || distance >= p.thresholds.WarnMax {
			return Announcement{}, false
		}
		text = fmt.Sprintf("in %d meters, %s", int(math.Round(distance)), instruction)
	default:
		return Announcement{}, false
	}

	p.warned[index] = true
	return Announcement{Index: index, Text: text, Distance: distance}, true
}

// Warned reports whether the step index has already been announced
func (p *AnnouncementPolicy) Warned(index int) bool {
	if index < 0 || index >= len(p.warned) {
		return false
	}
	return p.warned[index]
}

// WarnedCount returns how many steps have been announced
func (p *AnnouncementPolicy) WarnedCount() int {
	n := 0
	for _, w := range p.warned {
		if w {
			n++
		}
	}
	return n
}
