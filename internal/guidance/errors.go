package guidance

import "errors"

var (
	// ErrSessionTerminal marks a call made after arrival or cancellation.
	// The engine logs it and ignores the call; it is never returned.
	ErrSessionTerminal = errors.New("guidance: session already terminal")

	// ErrSessionActive marks a Start call on a session that already started
	ErrSessionActive = errors.New("guidance: session already started")
)
