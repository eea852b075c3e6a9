package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/teslashibe/go-wayfind/internal/guidance"
	"github.com/teslashibe/go-wayfind/internal/position"
)

// ErrSessionNotFound is returned for unknown session IDs
var ErrSessionNotFound = errors.New("session: not found")

// Manager owns all sessions of the daemon
type Manager struct {
	cfg    Config
	sinks  []Sink
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	created  uint64
	removed  uint64
	wg       sync.WaitGroup
}

// ManagerStats contains aggregate session statistics
type ManagerStats struct {
	Sessions      int    `json:"sessions"`
	Active        int    `json:"active"`
	Arrived       int    `json:"arrived"`
	Cancelled     int    `json:"cancelled"`
	Created       uint64 `json:"created"`
	Removed       uint64 `json:"removed"`
	Fixes         uint64 `json:"fixes"`
	RejectedFixes uint64 `json:"rejected_fixes"`
	Announcements uint64 `json:"announcements"`
	SourceErrors  uint64 `json:"source_errors"`
	Dropped       uint64 `json:"dropped_events"`
}

// NewManager creates a session manager. Every session delivers its events
// to sinks.
func NewManager(cfg Config, logger *slog.Logger, sinks ...Sink) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultConfig()
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaults.SubscriberBuffer
	}
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = defaults.SinkBuffer
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaults.SinkTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.Thresholds == (guidance.Thresholds{}) {
		cfg.Thresholds = defaults.Thresholds
	}

	return &Manager{
		cfg:      cfg,
		sinks:    sinks,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new session over steps. Steps with invalid coordinates
// are rejected and no session is kept.
func (m *Manager) Create(steps []guidance.Step, mode guidance.Mode) (*Session, []guidance.Event, error) {
	id := uuid.NewString()
	s := newSession(id, m.cfg, m.sinks, m.logger)

	events, err := s.Start(steps, mode)
	if err != nil {
		s.closeSubscribers()
		return nil, nil, fmt.Errorf("start session: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.created++
	m.mu.Unlock()

	return s, events, nil
}

// Get returns the session with the given ID
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns all sessions, oldest first
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Cancel cancels a session and keeps it for inspection
func (m *Manager) Cancel(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Cancel()
	return nil
}

// Remove cancels a session and forgets it
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		m.removed++
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.Cancel()
	return nil
}

// Prune removes sessions that have arrived or were cancelled
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.sessions {
		if s.State().Terminal() {
			delete(m.sessions, id)
			m.removed++
			n++
		}
	}
	return n
}

// Attach runs src against the session in the background. The source is
// closed when the session stops consuming it.
func (m *Manager) Attach(ctx context.Context, id string, src position.Source) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer src.Close()

		if err := s.Run(ctx, src); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("session run ended", "error", err)
		}
	}()
	return nil
}

// Stats returns aggregate statistics
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	stats := ManagerStats{
		Sessions: len(m.sessions),
		Created:  m.created,
		Removed:  m.removed,
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		switch s.State() {
		case guidance.StateActive:
			stats.Active++
		case guidance.StateArrived:
			stats.Arrived++
		case guidance.StateCancelled:
			stats.Cancelled++
		}

		ss := s.Stats()
		stats.Fixes += ss.Fixes
		stats.RejectedFixes += ss.RejectedFixes
		stats.Announcements += ss.Announcements
		stats.SourceErrors += ss.SourceErrors
		stats.Dropped += ss.Dropped
	}

	return stats
}

// Close cancels every session and waits for attached sources to stop
func (m *Manager) Close() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Cancel()
	}
	m.wg.Wait()

	m.logger.Info("session manager closed", "sessions", len(sessions))
}
