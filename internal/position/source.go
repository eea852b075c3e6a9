// Package position defines position fix sources for navigation sessions
package position

import (
	"context"
	"errors"

	"github.com/teslashibe/go-wayfind/internal/geo"
)

// ErrSourceClosed is returned by Next after Close
var ErrSourceClosed = errors.New("position: source closed")

// Source provides position fixes, one call at a time
type Source interface {
	// Next blocks until the next fix is available. It returns io.EOF when
	// the source is exhausted.
	Next(ctx context.Context) (geo.Fix, error)

	// Close releases source resources
	Close() error

	// Healthy returns true if the source is operational
	Healthy() bool

	// Name returns the source type name
	Name() string
}
