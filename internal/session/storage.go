// ABOUTME: SessionStorage interface decoupling the Store from its persistence medium.
// ABOUTME: Backends: in-process map, Redis (store-enforced TTL), SQLite.

package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session does not exist in the backend.
var ErrNotFound = errors.New("session not found")

// SessionStorage persists session records. The Store depends only on this
// interface; swapping backends must not change any Store method's contract.
//
// Set receives the configured ttl so backends that enforce expiry themselves
// (Redis) can arm it; other backends ignore it and leave expiry to the
// Store's sweep and lazy checks, doing the real removal in CleanupExpired.
type SessionStorage interface {
	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)
	// Set inserts or replaces the session record.
	Set(ctx context.Context, sess *Session, ttl time.Duration) error
	// Delete removes the session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error
	// List returns session ids for one client, or all ids when clientID is
	// empty.
	List(ctx context.Context, clientID string) ([]string, error)
	// CleanupExpired removes sessions idle longer than ttl and returns how
	// many were removed. Backends with store-enforced TTL may report 0.
	CleanupExpired(ctx context.Context, ttl time.Duration) (int, error)
	// Close releases backend resources.
	Close() error
}
