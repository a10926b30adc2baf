// ABOUTME: Session model: per-client conversational state independent of any socket.
// ABOUTME: Owned by the Store and mutated only through its API.

package session

import (
	"time"
)

// State is the lifecycle phase of a session.
type State string

const (
	StateActive     State = "active"
	StateIdle       State = "idle"
	StateExpired    State = "expired"
	StateTerminated State = "terminated"
)

// HistoryEntry is one timestamped item in a session's bounded history.
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Session is the per-client state record. History is newest-append and
// trimmed by the Store so it never exceeds the configured bound.
type Session struct {
	ID           string         `json:"session_id"`
	ClientID     string         `json:"client_id"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	State        State          `json:"state"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	History      []HistoryEntry `json:"history,omitempty"`
}

// ExpiredAt reports whether the session has been idle longer than ttl.
func (s *Session) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActivity) > ttl
}

// Touch refreshes the activity timestamp.
func (s *Session) Touch() {
	s.LastActivity = time.Now()
}

// Summary is the wire-facing view: everything except the history payload,
// plus its count.
func (s *Session) Summary() map[string]any {
	return map[string]any{
		"session_id":    s.ID,
		"client_id":     s.ClientID,
		"created_at":    s.CreatedAt.Format(time.RFC3339),
		"last_activity": s.LastActivity.Format(time.RFC3339),
		"state":         string(s.State),
		"metadata":      s.Metadata,
		"context":       s.Context,
		"history_count": len(s.History),
	}
}

// clone returns a copy that callers can mutate without aliasing the stored
// record. Map values and history data are copied one level deep.
func (s *Session) clone() *Session {
	out := *s
	out.Metadata = copyMap(s.Metadata)
	out.Context = copyMap(s.Context)
	if s.History != nil {
		out.History = make([]HistoryEntry, len(s.History))
		copy(out.History, s.History)
	}
	return &out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
