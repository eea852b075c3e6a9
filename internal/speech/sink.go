// Package speech speaks guidance events through a text-to-speech command
package speech

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-wayfind/internal/guidance"
)

// DefaultArrivalMessage is spoken when a session arrives
const DefaultArrivalMessage = "You have arrived at your destination."

// Config holds speech sink configuration
type Config struct {
	Command        string        // TTS command (default: "espeak-ng")
	Args           []string      // Arguments placed before the text
	Timeout        time.Duration // Limit for one utterance (default: 10s)
	ArrivalMessage string        // Spoken on arrival
}

// DefaultConfig returns sensible defaults for Linux
func DefaultConfig() Config {
	return Config{
		Command:        "espeak-ng",
		Timeout:        10 * time.Second,
		ArrivalMessage: DefaultArrivalMessage,
	}
}

// Runner executes the TTS command
type Runner func(ctx context.Context, name string, args ...string) error

// execRunner runs the command and folds its stderr into the error
func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// Sink speaks announcements and arrival. Utterances are serialized so
// they never talk over each other.
type Sink struct {
	cfg    Config
	run    Runner
	logger *slog.Logger

	speakMu sync.Mutex

	// Stats
	spoken    atomic.Uint64
	failures  atomic.Uint64
	lastError atomic.Value // string
}

// NewSink creates a speech sink using the system command
func NewSink(cfg Config, logger *slog.Logger) *Sink {
	return NewSinkWithRunner(cfg, execRunner, logger)
}

// NewSinkWithRunner creates a speech sink using run to execute commands
func NewSinkWithRunner(cfg Config, run Runner, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultConfig()
	if cfg.Command == "" {
		cfg.Command = defaults.Command
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.ArrivalMessage == "" {
		cfg.ArrivalMessage = defaults.ArrivalMessage
	}

	return &Sink{
		cfg:    cfg,
		run:    run,
		logger: logger,
	}
}

// Text returns what the sink says for ev, or "" for silent events
func (s *Sink) Text(ev guidance.Event) string {
	switch ev.Kind {
	case guidance.KindAnnouncement:
		return ev.Text()
	case guidance.KindArrived:
		return s.cfg.ArrivalMessage
	default:
		return ""
	}
}

// Deliver speaks ev if it carries speech
func (s *Sink) Deliver(ctx context.Context, sessionID string, ev guidance.Event) error {
	text := s.Text(ev)
	if text == "" {
		return nil
	}
	return s.Speak(ctx, text)
}

// Speak says text, blocking until the command exits
func (s *Sink) Speak(ctx context.Context, text string) error {
	s.speakMu.Lock()
	defer s.speakMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	args := make([]string, 0, len(s.cfg.Args)+1)
	args = append(args, s.cfg.Args...)
	args = append(args, text)

	start := time.Now()
	if err := s.run(ctx, s.cfg.Command, args...); err != nil {
		s.failures.Add(1)
		s.lastError.Store(err.Error())
		return fmt.Errorf("speak: %w", err)
	}

	s.spoken.Add(1)
	s.lastError.Store("")
	s.logger.Debug("spoke",
		"text", text,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Name returns the sink name
func (s *Sink) Name() string {
	return "speech"
}

// Healthy is false while the last utterance failed
func (s *Sink) Healthy() bool {
	v, _ := s.lastError.Load().(string)
	return v == ""
}

// Stats returns speech statistics
func (s *Sink) Stats() Stats {
	v, _ := s.lastError.Load().(string)
	return Stats{
		Spoken:    s.spoken.Load(),
		Failures:  s.failures.Load(),
		LastError: v,
	}
}

// Stats contains speech sink statistics
type Stats struct {
	Spoken    uint64 `json:"spoken"`
	Failures  uint64 `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}
