package position

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/teslashibe/go-wayfind/internal/geo"
)

// SimulatorConfig configures the simulated walker
type SimulatorConfig struct {
	SpeedMps float64       // Walking speed in meters per second
	Interval time.Duration // Time between fixes
}

// DefaultSimulatorConfig returns a brisk walking pace at 1 Hz
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		SpeedMps: 1.4,
		Interval: 1 * time.Second,
	}
}

// Simulator walks in a straight line from a start point through each
// waypoint in turn, emitting a fix every interval. It returns io.EOF once
// the last waypoint has been reported.
type Simulator struct {
	cfg       SimulatorConfig
	waypoints []geo.Coordinate

	mu      sync.Mutex
	pos     geo.Coordinate
	next    int
	started bool
	closed  bool
	healthy bool
}

// NewSimulator creates a simulated walker
func NewSimulator(cfg SimulatorConfig, start geo.Coordinate, waypoints []geo.Coordinate) *Simulator {
	owned := make([]geo.Coordinate, len(waypoints))
	copy(owned, waypoints)

	return &Simulator{
		cfg:       cfg,
		waypoints: owned,
		pos:       start,
		healthy:   true,
	}
}

// Next advances the walker by one interval and returns its position
func (s *Simulator) Next(ctx context.Context) (geo.Fix, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return geo.Fix{}, ErrSourceClosed
	}
	first := !s.started
	s.started = true
	s.mu.Unlock()

	if !first && s.cfg.Interval > 0 {
		timer := time.NewTimer(s.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return geo.Fix{}, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if first {
		return s.fix(), nil
	}
	if s.next >= len(s.waypoints) {
		return geo.Fix{}, io.EOF
	}

	s.step(s.cfg.SpeedMps * s.cfg.Interval.Seconds())
	return s.fix(), nil
}

// step moves the walker up to budget meters toward the next waypoint,
// stopping on it so every waypoint gets reported. Must be called with s.mu held.
func (s *Simulator) step(budget float64) {
	if s.next >= len(s.waypoints) {
		return
	}

	target := s.waypoints[s.next]
	remaining := geo.DistanceMeters(s.pos, target)

	if remaining <= budget {
		s.pos = target
		s.next++
		return
	}

	s.pos = geo.Interpolate(s.pos, target, budget/remaining)
}

func (s *Simulator) fix() geo.Fix {
	return geo.Fix{
		Coordinate: s.pos,
		Timestamp:  time.Now(),
	}
}

// Position returns the walker's current position
func (s *Simulator) Position() geo.Coordinate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Close stops the simulator
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Healthy returns true if the source is operational
func (s *Simulator) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy && !s.closed
}

// SetHealthy sets the simulated health state
func (s *Simulator) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// Name returns the source type name
func (s *Simulator) Name() string {
	return "simulate"
}
