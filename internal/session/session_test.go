package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-wayfind/internal/geo"
	"github.com/teslashibe/go-wayfind/internal/guidance"
	"github.com/teslashibe/go-wayfind/internal/position"
)

var origin = geo.Coordinate{Lat: 13.0418, Lon: 80.0456}

func north(meters float64) geo.Fix {
	return geo.Fix{Coordinate: geo.OffsetNorth(origin, meters), Timestamp: time.Now()}
}

func oneStep() []guidance.Step {
	return []guidance.Step{{Target: origin, Instruction: "turn left"}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = 10 * time.Millisecond
	return cfg
}

func collect(t *testing.T, ch chan guidance.Event) []guidance.Event {
	t.Helper()

	var out []guidance.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timeout waiting for subscriber channel to close")
			return out
		}
	}
}

func TestHandleFixPublishesInOrder(t *testing.T) {
	m := NewManager(testConfig(), nil)
	s, _, err := m.Create(oneStep(), guidance.DirectionOnly)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ch := s.Subscribe()

	res, err := s.HandleFix(north(500))
	if err != nil {
		t.Fatalf("HandleFix: %v", err)
	}
	if res.Ignored || len(res.Events) != 2 {
		t.Fatalf("expected announcement and step log, got %+v", res)
	}

	if _, err := s.HandleFix(north(0)); err != nil {
		t.Fatalf("HandleFix: %v", err)
	}

	events := collect(t, ch)
	want := []guidance.EventKind{
		guidance.KindAnnouncement,
		guidance.KindStepLog,
		guidance.KindStepLog,
		guidance.KindArrived,
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.Kind != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], ev.Kind)
		}
		if i > 0 && ev.Seq <= events[i-1].Seq {
			t.Errorf("event %d: sequence %d not increasing", i, ev.Seq)
		}
	}

	select {
	case <-s.Done():
	default:
		t.Error("expected Done to be closed after arrival")
	}
}

func TestFixAfterArrivalIgnored(t *testing.T) {
	m := NewManager(testConfig(), nil)
	s, _, _ := m.Create(oneStep(), guidance.DirectionOnly)

	if _, err := s.HandleFix(north(0)); err != nil {
		t.Fatalf("HandleFix: %v", err)
	}

	res, err := s.HandleFix(north(100))
	if err != nil {
		t.Fatalf("HandleFix after arrival: %v", err)
	}
	if !res.Ignored || len(res.Events) != 0 {
		t.Errorf("expected ignored fix, got %+v", res)
	}

	if s.Stats().IgnoredFixes != 1 {
		t.Errorf("expected 1 ignored fix, got %d", s.Stats().IgnoredFixes)
	}
}

func TestInvalidFixRejected(t *testing.T) {
	m := NewManager(testConfig(), nil)
	s, _, _ := m.Create(oneStep(), guidance.DirectionOnly)

	_, err := s.HandleFix(geo.Fix{Coordinate: geo.Coordinate{Lat: 95, Lon: 0}})
	if !errors.Is(err, geo.ErrInvalidCoordinate) {
		t.Fatalf("expected ErrInvalidCoordinate, got %v", err)
	}

	if s.State() != guidance.StateActive {
		t.Errorf("expected session to stay active, got %s", s.State())
	}
	if s.Stats().RejectedFixes != 1 {
		t.Errorf("expected 1 rejected fix, got %d", s.Stats().RejectedFixes)
	}
}

func TestSlowSubscriberStillGetsArrival(t *testing.T) {
	cfg := testConfig()
	cfg.SubscriberBuffer = 1
	m := NewManager(cfg, nil)
	s, _, _ := m.Create(oneStep(), guidance.DirectionOnly)

	ch := s.Subscribe()

	// Announcement fills the buffer; the step logs are dropped and the
	// arrival replaces the announcement
	s.HandleFix(north(500))
	s.HandleFix(north(0))

	events := collect(t, ch)
	if len(events) != 1 || events[0].Kind != guidance.KindArrived {
		t.Fatalf("expected only the arrival, got %v", events)
	}

	if s.Stats().Dropped < 2 {
		t.Errorf("expected dropped events to be counted, got %d", s.Stats().Dropped)
	}
}

func TestCancelClosesSubscribers(t *testing.T) {
	m := NewManager(testConfig(), nil)
	s, _, _ := m.Create(oneStep(), guidance.DirectionOnly)

	ch := s.Subscribe()
	s.Cancel()
	s.Cancel()

	if events := collect(t, ch); len(events) != 0 {
		t.Errorf("expected no events after cancel, got %v", events)
	}
	if s.State() != guidance.StateCancelled {
		t.Errorf("expected cancelled, got %s", s.State())
	}

	// Late subscribers get a closed channel
	if _, ok := <-s.Subscribe(); ok {
		t.Error("expected closed channel for ended session")
	}
}

func TestUnsubscribe(t *testing.T) {
	m := NewManager(testConfig(), nil)
	s, _, _ := m.Create(oneStep(), guidance.DirectionOnly)

	ch := s.Subscribe()
	if s.Stats().Subscribers != 1 {
		t.Fatalf("expected 1 subscriber, got %d", s.Stats().Subscribers)
	}

	s.Unsubscribe(ch)
	s.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	if s.Stats().Subscribers != 0 {
		t.Errorf("expected 0 subscribers, got %d", s.Stats().Subscribers)
	}
}

func TestRunReplayToArrival(t *testing.T) {
	m := NewManager(testConfig(), nil)
	s, _, _ := m.Create(oneStep(), guidance.DirectionWithDistance)

	src := position.NewReplaySource([]geo.Fix{north(200), north(50), north(30), north(8), north(100)}, 0)

	if err := s.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if s.State() != guidance.StateArrived {
		t.Fatalf("expected arrived, got %s", s.State())
	}

	stats := s.Stats()
	if stats.Fixes != 4 {
		t.Errorf("expected 4 fixes before arrival, got %d", stats.Fixes)
	}
	if stats.Announcements != 1 {
		t.Errorf("expected 1 announcement, got %d", stats.Announcements)
	}
	if src.Remaining() != 1 {
		t.Errorf("expected the fix after arrival to stay unread, got %d remaining", src.Remaining())
	}
	if s.Info().Source != "replay" {
		t.Errorf("expected source replay, got %q", s.Info().Source)
	}
}

func TestRunSourceExhausted(t *testing.T) {
	m := NewManager(testConfig(), nil)
	s, _, _ := m.Create(oneStep(), guidance.DirectionOnly)

	src := position.NewReplaySource([]geo.Fix{north(300)}, 0)
	if err := s.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if s.State() != guidance.StateActive {
		t.Errorf("expected session to stay active, got %s", s.State())
	}
}

// flakySource fails a fixed number of times before returning its fix
type flakySource struct {
	mu       sync.Mutex
	failures int
	fix      geo.Fix
}

func (f *flakySource) Next(ctx context.Context) (geo.Fix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--
		return geo.Fix{}, errors.New("receiver busy")
	}
	return f.fix, nil
}

func (f *flakySource) Close() error  { return nil }
func (f *flakySource) Healthy() bool { return true }
func (f *flakySource) Name() string  { return "flaky" }

func TestRunRetriesSourceErrors(t *testing.T) {
	m := NewManager(testConfig(), nil)
	s, _, _ := m.Create(oneStep(), guidance.DirectionOnly)

	src := &flakySource{failures: 2, fix: north(0)}
	if err := s.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if s.Stats().SourceErrors != 2 {
		t.Errorf("expected 2 source errors, got %d", s.Stats().SourceErrors)
	}
	if s.State() != guidance.StateArrived {
		t.Errorf("expected arrived, got %s", s.State())
	}
}

// blockingSource never yields a fix
type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (geo.Fix, error) {
	<-ctx.Done()
	return geo.Fix{}, ctx.Err()
}

func (blockingSource) Close() error  { return nil }
func (blockingSource) Healthy() bool { return true }
func (blockingSource) Name() string  { return "blocking" }

func TestCancelStopsRun(t *testing.T) {
	m := NewManager(testConfig(), nil)
	s, _, _ := m.Create(oneStep(), guidance.DirectionOnly)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(context.Background(), blockingSource{})
	}()

	// Wait for Run to register its cancel func
	deadline := time.Now().Add(time.Second)
	for s.Info().Source == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	s.Cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected nil after cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
}

func TestRunContextCancelled(t *testing.T) {
	m := NewManager(testConfig(), nil)
	s, _, _ := m.Create(oneStep(), guidance.DirectionOnly)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Run(ctx, blockingSource{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
