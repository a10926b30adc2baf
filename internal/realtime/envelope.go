// ABOUTME: Typed JSON envelopes exchanged with WebSocket clients.
// ABOUTME: Every message in either direction is one Envelope.

package realtime

import (
	"time"

	"github.com/google/uuid"
)

// EnvelopeType discriminates client and server envelopes.
type EnvelopeType string

const (
	TypeConnect        EnvelopeType = "connect"
	TypeDisconnect     EnvelopeType = "disconnect"
	TypePing           EnvelopeType = "ping"
	TypePong           EnvelopeType = "pong"
	TypeSessionCreate  EnvelopeType = "session_create"
	TypeSessionDestroy EnvelopeType = "session_destroy"
	TypeSessionStatus  EnvelopeType = "session_status"
	TypeToolCall       EnvelopeType = "tool_call"
	TypeToolResponse   EnvelopeType = "tool_response"
	TypeToolList       EnvelopeType = "tool_list"
	TypeError          EnvelopeType = "error"
	TypeStatus         EnvelopeType = "status"
	TypeStream         EnvelopeType = "stream"
)

// Envelope is the wire unit of the realtime protocol. SessionID is set when
// the envelope concerns a specific session; the id lets clients correlate
// responses and stream chunks with their requests.
type Envelope struct {
	ID        string         `json:"id"`
	Type      EnvelopeType   `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
}

// NewEnvelope stamps a fresh envelope with a unique id and the current time.
func NewEnvelope(t EnvelopeType, sessionID string, data map[string]any) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
	}
}

// errorEnvelope builds a TypeError envelope. requestID, when non-empty, ties
// the failure back to the envelope that caused it.
func errorEnvelope(sessionID, requestID, message string) *Envelope {
	data := map[string]any{"error": message}
	if requestID != "" {
		data["request_id"] = requestID
	}
	return NewEnvelope(TypeError, sessionID, data)
}
