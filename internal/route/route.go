// Package route loads navigation routes and recorded tracks from YAML files
package route

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-wayfind/internal/geo"
	"github.com/teslashibe/go-wayfind/internal/guidance"
)

// ErrNoSteps is returned by Waypoints for a route without steps
var ErrNoSteps = errors.New("route: no steps")

// Route is a precomputed list of steps plus the announcement mode
type Route struct {
	Name  string        `yaml:"name"`
	Mode  guidance.Mode `yaml:"mode"`
	Start string        `yaml:"start"` // "lat,lon", optional
	Steps []StepSpec    `yaml:"steps"`

	start geo.Coordinate
}

// StepSpec is one step as written in a route file
type StepSpec struct {
	Lat         float64 `yaml:"lat"`
	Lon         float64 `yaml:"lon"`
	Instruction string  `yaml:"instruction"`
}

// Load reads and validates a route file
func Load(path string) (*Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a route from YAML
func Parse(data []byte) (*Route, error) {
	var r Route
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse route: %w", err)
	}

	if r.Start != "" {
		start, err := geo.ParseCoordinate(r.Start)
		if err != nil {
			return nil, fmt.Errorf("route start: %w", err)
		}
		r.start = start
	}

	for i, s := range r.Steps {
		if err := (geo.Coordinate{Lat: s.Lat, Lon: s.Lon}).Validate(); err != nil {
			return nil, fmt.Errorf("route step %d: %w", i, err)
		}
	}

	return &r, nil
}

// GuidanceSteps converts the route into engine steps
func (r *Route) GuidanceSteps() []guidance.Step {
	steps := make([]guidance.Step, len(r.Steps))
	for i, s := range r.Steps {
		steps[i] = guidance.Step{
			Target:      geo.Coordinate{Lat: s.Lat, Lon: s.Lon},
			Instruction: s.Instruction,
		}
	}
	return steps
}

// Waypoints returns the step targets in order
func (r *Route) Waypoints() ([]geo.Coordinate, error) {
	if len(r.Steps) == 0 {
		return nil, ErrNoSteps
	}

	points := make([]geo.Coordinate, len(r.Steps))
	for i, s := range r.Steps {
		points[i] = geo.Coordinate{Lat: s.Lat, Lon: s.Lon}
	}
	return points, nil
}

// StartPoint returns the configured start, or the first step target when
// the file has none
func (r *Route) StartPoint() (geo.Coordinate, bool) {
	if r.Start != "" {
		return r.start, true
	}
	if len(r.Steps) > 0 {
		return geo.Coordinate{Lat: r.Steps[0].Lat, Lon: r.Steps[0].Lon}, true
	}
	return geo.Coordinate{}, false
}

// Track is a recorded sequence of fixes for replay
type Track struct {
	Interval time.Duration `yaml:"interval"`
	Fixes    []geo.Fix     `yaml:"fixes"`
}

// LoadTrack reads a track file
func LoadTrack(path string) (*Track, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read track file: %w", err)
	}

	var t Track
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse track: %w", err)
	}

	for i, f := range t.Fixes {
		if err := f.Coordinate.Validate(); err != nil {
			return nil, fmt.Errorf("track fix %d: %w", i, err)
		}
	}

	return &t, nil
}
