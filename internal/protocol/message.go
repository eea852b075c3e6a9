// Package protocol defines the WebSocket message types shared by the event
// stream endpoint and the relay client.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/go-wayfind/internal/geo"
	"github.com/teslashibe/go-wayfind/internal/guidance"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Daemon → client messages
	TypeEvent   MessageType = "event"   // Guidance event
	TypeSession MessageType = "session" // Session snapshot on connect
	TypeEnd     MessageType = "end"     // Session reached a terminal state
	TypeError   MessageType = "error"   // Request could not be handled

	// Client → daemon messages
	TypeFix MessageType = "fix" // Position fix for a session

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Session   string          `json:"session,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// NewEventMessage wraps a guidance event for session id
func NewEventMessage(session string, ev guidance.Event) (*Message, error) {
	msg, err := NewMessage(TypeEvent, ev)
	if err != nil {
		return nil, err
	}
	msg.Session = session
	return msg, nil
}

// GetEvent extracts a guidance event from a message
func (m *Message) GetEvent() (*guidance.Event, error) {
	var ev guidance.Event
	if err := m.ParseData(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// FixData is a position fix sent by a client
type FixData struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Timestamp int64   `json:"ts,omitempty"` // Unix milliseconds, 0 = now
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Fix converts the payload into a geo.Fix
func (f FixData) Fix() geo.Fix {
	fix := geo.Fix{
		Coordinate: geo.Coordinate{Lat: f.Lat, Lon: f.Lon},
		Accuracy:   f.Accuracy,
	}
	if f.Timestamp > 0 {
		fix.Timestamp = time.UnixMilli(f.Timestamp)
	} else {
		fix.Timestamp = time.Now()
	}
	return fix
}

// NewFixMessage creates a fix message
func NewFixMessage(session string, fix geo.Fix) (*Message, error) {
	data := FixData{Lat: fix.Lat, Lon: fix.Lon, Accuracy: fix.Accuracy}
	if !fix.Timestamp.IsZero() {
		data.Timestamp = fix.Timestamp.UnixMilli()
	}

	msg, err := NewMessage(TypeFix, data)
	if err != nil {
		return nil, err
	}
	msg.Session = session
	return msg, nil
}

// GetFix extracts fix data from a message
func (m *Message) GetFix() (*FixData, error) {
	var data FixData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// EndData reports why a session stream ended
type EndData struct {
	State guidance.State `json:"state"`
}

// ErrorData describes a failed request
type ErrorData struct {
	Message string `json:"message"`
}

// NewErrorMessage creates an error message
func NewErrorMessage(session string, err error) (*Message, error) {
	msg, mErr := NewMessage(TypeError, ErrorData{Message: err.Error()})
	if mErr != nil {
		return nil, mErr
	}
	msg.Session = session
	return msg, nil
}
