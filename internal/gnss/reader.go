package gnss

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/teslashibe/go-wayfind/internal/geo"
	"github.com/teslashibe/go-wayfind/internal/position"
)

// ReaderSource reads NMEA from any byte stream: a serial device node, a
// log file, or a pipe.
type ReaderSource struct {
	name    string
	rc      io.ReadCloser
	decoder *Decoder
	logger  *slog.Logger

	mu      sync.Mutex
	closed  bool
	healthy bool
}

// NewReaderSource wraps rc. name is reported by Name().
func NewReaderSource(name string, rc io.ReadCloser, logger *slog.Logger) *ReaderSource {
	if logger == nil {
		logger = slog.Default()
	}

	return &ReaderSource{
		name:    name,
		rc:      rc,
		decoder: NewDecoder(rc),
		logger:  logger,
		healthy: true,
	}
}

// OpenSerial opens a character device (e.g. /dev/ttyACM0) as a source.
// Line settings are left as configured by the OS.
func OpenSerial(path string, logger *slog.Logger) (*ReaderSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open serial device: %w", err)
	}
	return NewReaderSource("serial", f, logger), nil
}

// Next returns the next fix from the stream
func (r *ReaderSource) Next(ctx context.Context) (geo.Fix, error) {
	if err := ctx.Err(); err != nil {
		return geo.Fix{}, err
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return geo.Fix{}, position.ErrSourceClosed
	}

	fix, err := r.decoder.Next()
	if err != nil {
		if !isEOF(err) {
			r.mu.Lock()
			r.healthy = false
			r.mu.Unlock()
			r.logger.Warn("nmea stream error", "source", r.name, "error", err)
		}
		return geo.Fix{}, err
	}

	return fix, nil
}

// Close closes the underlying stream
func (r *ReaderSource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.rc.Close()
}

// Healthy returns false after a read error or Close
func (r *ReaderSource) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthy && !r.closed
}

// Name returns the source type name
func (r *ReaderSource) Name() string {
	return r.name
}

// Stats returns decoder counters
func (r *ReaderSource) Stats() DecoderStats {
	return DecoderStats{
		Sentences: r.decoder.Sentences(),
		Rejected:  r.decoder.Rejected(),
	}
}

// DecoderStats contains NMEA decoder statistics
type DecoderStats struct {
	Sentences uint64 `json:"sentences"`
	Rejected  uint64 `json:"rejected"`
}
