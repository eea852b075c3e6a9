package position

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/teslashibe/go-wayfind/internal/geo"
)

func TestReplaySource_Order(t *testing.T) {
	fixes := []geo.Fix{
		{Coordinate: geo.Coordinate{Lat: 13.0, Lon: 80.0}},
		{Coordinate: geo.Coordinate{Lat: 13.1, Lon: 80.1}},
	}
	source := NewReplaySource(fixes, 0)
	ctx := context.Background()

	for i, want := range fixes {
		got, err := source.Next(ctx)
		if err != nil {
			t.Fatalf("Next() %d error = %v", i, err)
		}
		if got.Coordinate != want.Coordinate {
			t.Errorf("fix %d = %v, want %v", i, got.Coordinate, want.Coordinate)
		}
		if got.Timestamp.IsZero() {
			t.Errorf("fix %d has no timestamp", i)
		}
	}

	if _, err := source.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF at end, got %v", err)
	}
	if source.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", source.Remaining())
	}
}

func TestReplaySource_KeepsTimestamps(t *testing.T) {
	ts := time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)
	source := NewReplaySource([]geo.Fix{{Timestamp: ts}}, 0)

	got, err := source.Next(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, ts)
	}
}

func TestReplaySource_Interval(t *testing.T) {
	fixes := make([]geo.Fix, 3)
	source := NewReplaySource(fixes, 20*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for range fixes {
		if _, err := source.Next(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Errorf("expected pacing between fixes, took %v", elapsed)
	}
}

func TestReplaySource_ContextCancel(t *testing.T) {
	source := NewReplaySource(make([]geo.Fix, 2), time.Hour)

	if _, err := source.Next(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := source.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestReplaySource_Close(t *testing.T) {
	source := NewReplaySource(make([]geo.Fix, 2), 0)

	if !source.Healthy() {
		t.Error("expected healthy before close")
	}
	if err := source.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if source.Healthy() {
		t.Error("expected unhealthy after close")
	}
	if _, err := source.Next(context.Background()); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("expected ErrSourceClosed, got %v", err)
	}
	if source.Name() != "replay" {
		t.Errorf("Name() = %q", source.Name())
	}
}

// Verify sources implement the Source interface
var (
	_ Source = (*ReplaySource)(nil)
	_ Source = (*Simulator)(nil)
)
