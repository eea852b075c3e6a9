// Package session runs navigation sessions: one guidance engine fed by one
// position source, with its events fanned out to subscribers and sinks.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-wayfind/internal/geo"
	"github.com/teslashibe/go-wayfind/internal/guidance"
	"github.com/teslashibe/go-wayfind/internal/position"
)

// Sink consumes the event stream of every session, e.g. a speech engine
type Sink interface {
	Deliver(ctx context.Context, sessionID string, ev guidance.Event) error
	Name() string
}

// Config configures sessions
type Config struct {
	Thresholds       guidance.Thresholds
	RetryDelay       time.Duration // Wait after a position source error
	SubscriberBuffer int           // Per-subscriber channel size
	SinkBuffer       int           // Events queued for sinks before dropping
	SinkTimeout      time.Duration // Deadline for one Sink.Deliver
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Thresholds:       guidance.DefaultThresholds(),
		RetryDelay:       time.Second,
		SubscriberBuffer: 32,
		SinkBuffer:       64,
		SinkTimeout:      5 * time.Second,
	}
}

// Session is one navigation session
type Session struct {
	id      string
	cfg     Config
	engine  *guidance.Engine
	logger  *slog.Logger
	created time.Time

	// Serializes engine calls with publishing so events leave in order
	fixMu sync.Mutex

	subsMu   sync.Mutex
	subs     map[chan guidance.Event]struct{}
	sinkCh   chan guidance.Event
	sinkDone chan struct{}
	closed   bool
	done     chan struct{}

	mu        sync.Mutex
	source    string
	runCancel context.CancelFunc
	stats     Stats
}

// Stats contains per-session counters
type Stats struct {
	Fixes         uint64    `json:"fixes"`
	RejectedFixes uint64    `json:"rejected_fixes"`
	IgnoredFixes  uint64    `json:"ignored_fixes"`
	SourceErrors  uint64    `json:"source_errors"`
	Announcements uint64    `json:"announcements"`
	Dropped       uint64    `json:"dropped_events"`
	Subscribers   int       `json:"subscribers"`
	LastFix       time.Time `json:"last_fix,omitempty"`
}

// Info is a point-in-time view of a session
type Info struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Source    string            `json:"source,omitempty"`
	Guidance  guidance.Snapshot `json:"guidance"`
	Stats     Stats             `json:"stats"`
}

// FixResult is the outcome of one fix
type FixResult struct {
	Events []guidance.Event `json:"events"`
	// Ignored is true when the session was not active
	Ignored bool `json:"ignored"`
}

func newSession(id string, cfg Config, sinks []Sink, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", id)

	s := &Session{
		id:       id,
		cfg:      cfg,
		engine:   guidance.NewEngine(cfg.Thresholds, logger),
		logger:   logger,
		created:  time.Now(),
		subs:     make(map[chan guidance.Event]struct{}),
		done:     make(chan struct{}),
		sinkDone: make(chan struct{}),
	}

	if len(sinks) > 0 {
		s.sinkCh = make(chan guidance.Event, cfg.SinkBuffer)
		go s.drainSinks(sinks)
	} else {
		close(s.sinkDone)
	}

	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// State returns the engine state
func (s *Session) State() guidance.State {
	return s.engine.State()
}

// Done is closed once the session reaches a terminal state
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Drained is closed once sinks have handled every event of an ended session
func (s *Session) Drained() <-chan struct{} {
	return s.sinkDone
}

// Start begins navigation and publishes the resulting events
func (s *Session) Start(steps []guidance.Step, mode guidance.Mode) ([]guidance.Event, error) {
	s.fixMu.Lock()
	defer s.fixMu.Unlock()

	events, err := s.engine.Start(steps, mode)
	if err != nil {
		return nil, err
	}

	s.publish(events)
	return events, nil
}

// HandleFix feeds one fix to the engine and publishes the resulting events
func (s *Session) HandleFix(fix geo.Fix) (FixResult, error) {
	s.fixMu.Lock()
	defer s.fixMu.Unlock()

	events, err := s.engine.OnFix(fix)

	s.mu.Lock()
	switch {
	case err != nil:
		s.stats.RejectedFixes++
	case len(events) == 0:
		// An active engine always emits at least a step log
		s.stats.IgnoredFixes++
	default:
		s.stats.Fixes++
		s.stats.LastFix = time.Now()
	}
	s.mu.Unlock()

	if err != nil {
		return FixResult{}, err
	}

	s.publish(events)
	return FixResult{Events: events, Ignored: len(events) == 0}, nil
}

// Run pulls fixes from src until the session ends, the source is exhausted
// or ctx is cancelled. Source errors are retried after Config.RetryDelay.
func (s *Session) Run(ctx context.Context, src position.Source) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.source = src.Name()
	s.runCancel = cancel
	s.mu.Unlock()

	s.logger.Info("position source attached", "source", src.Name())

	for !s.engine.State().Terminal() {
		fix, err := src.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, position.ErrSourceClosed):
				s.logger.Info("position source finished", "source", src.Name(), "state", s.engine.State())
				return nil
			case ctx.Err() != nil:
				if s.engine.State().Terminal() {
					return nil
				}
				return ctx.Err()
			}

			s.mu.Lock()
			s.stats.SourceErrors++
			s.mu.Unlock()
			s.logger.Warn("position source error", "source", src.Name(), "error", err)

			select {
			case <-ctx.Done():
				continue
			case <-time.After(s.cfg.RetryDelay):
			}
			continue
		}

		if _, err := s.HandleFix(fix); err != nil {
			s.logger.Warn("fix rejected", "error", err)
		}
	}

	return nil
}

// Cancel stops navigation. Subscribers are closed and a running source
// loop returns.
func (s *Session) Cancel() {
	s.fixMu.Lock()
	s.engine.Cancel()
	s.fixMu.Unlock()

	s.mu.Lock()
	cancel := s.runCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if s.engine.State().Terminal() {
		s.closeSubscribers()
	}
}

// Subscribe returns a channel that receives session events. It is closed
// after the terminal event, or immediately if the session already ended.
func (s *Session) Subscribe() chan guidance.Event {
	ch := make(chan guidance.Event, s.cfg.SubscriberBuffer)

	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	if s.closed {
		close(ch)
		return ch
	}
	s.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber
func (s *Session) Unsubscribe(ch chan guidance.Event) {
	s.subsMu.Lock()
	if _, exists := s.subs[ch]; exists {
		delete(s.subs, ch)
		close(ch)
	}
	s.subsMu.Unlock()
}

// publish must be called with fixMu held
func (s *Session) publish(events []guidance.Event) {
	if len(events) == 0 {
		return
	}

	s.subsMu.Lock()
	if s.closed {
		s.subsMu.Unlock()
		return
	}

	var dropped, announcements uint64
	terminal := false
	for _, ev := range events {
		if ev.Kind == guidance.KindAnnouncement {
			announcements++
		}

		for ch := range s.subs {
			if !deliver(ch, ev) {
				dropped++
			}
		}

		if s.sinkCh != nil && !deliver(s.sinkCh, ev) {
			dropped++
		}

		if ev.Terminal() {
			terminal = true
		}
	}
	s.subsMu.Unlock()

	s.mu.Lock()
	s.stats.Dropped += dropped
	s.stats.Announcements += announcements
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Debug("dropped events for slow subscribers", "dropped", dropped)
	}

	if terminal {
		s.closeSubscribers()
	}
}

// deliver sends ev without blocking. Slow subscribers lose events, except
// the terminal one, which displaces the oldest queued event.
func deliver(ch chan guidance.Event, ev guidance.Event) bool {
	select {
	case ch <- ev:
		return true
	default:
	}

	if !ev.Terminal() {
		return false
	}

	select {
	case <-ch:
	default:
	}

	select {
	case ch <- ev:
	default:
	}
	return false
}

func (s *Session) closeSubscribers() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
	if s.sinkCh != nil {
		close(s.sinkCh)
	}
	close(s.done)

	s.logger.Info("session ended", "state", s.engine.State())
}

func (s *Session) drainSinks(sinks []Sink) {
	defer close(s.sinkDone)

	for ev := range s.sinkCh {
		for _, sink := range sinks {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SinkTimeout)
			if err := sink.Deliver(ctx, s.id, ev); err != nil {
				s.logger.Warn("sink delivery failed",
					"sink", sink.Name(),
					"kind", ev.Kind,
					"error", err,
				)
			}
			cancel()
		}
	}
}

// Stats returns session counters
func (s *Session) Stats() Stats {
	s.subsMu.Lock()
	subscribers := len(s.subs)
	s.subsMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Subscribers = subscribers
	return stats
}

// Info returns a point-in-time view of the session
func (s *Session) Info() Info {
	s.mu.Lock()
	source := s.source
	s.mu.Unlock()

	return Info{
		ID:        s.id,
		CreatedAt: s.created,
		Source:    source,
		Guidance:  s.engine.Snapshot(),
		Stats:     s.Stats(),
	}
}
