// ABOUTME: Session Store: lifecycle of per-client sessions over a pluggable backend.
// ABOUTME: Enforces per-client quotas, lazy expiry on access, and a background sweep.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sweepTimeout bounds one background cleanup pass against a slow backend.
const sweepTimeout = 30 * time.Second

// Options tunes the Store. All values come from configuration.
type Options struct {
	TTL                  time.Duration
	MaxSessionsPerClient int
	CleanupInterval      time.Duration
	MaxHistory           int
}

// Store manages session lifecycle on top of a SessionStorage backend. The
// create/evict/insert sequence runs under a single critical section so two
// concurrent creates can never push a client past its quota.
type Store struct {
	storage SessionStorage
	opts    Options
	logger  *slog.Logger

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewStore wraps the backend and starts the background sweep. Callers must
// Close the store to stop it; the backend is closed separately by its owner.
func NewStore(storage SessionStorage, opts Options, logger *slog.Logger) *Store {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 1000
	}
	s := &Store{
		storage: storage,
		opts:    opts,
		logger:  logger,
		done:    make(chan struct{}),
	}
	if opts.CleanupInterval > 0 {
		go s.sweep()
	}
	return s
}

// Create makes a new active session for the client. A client already at its
// quota has its oldest session evicted first; eviction logs a warning rather
// than failing the call.
func (s *Store) Create(ctx context.Context, clientID string, metadata map[string]any) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, err := s.liveSessions(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions for %s: %w", clientID, err)
	}

	if s.opts.MaxSessionsPerClient > 0 && len(live) >= s.opts.MaxSessionsPerClient {
		oldest := live[0]
		for _, sess := range live[1:] {
			if sess.CreatedAt.Before(oldest.CreatedAt) {
				oldest = sess
			}
		}
		if err := s.storage.Delete(ctx, oldest.ID); err != nil {
			return nil, fmt.Errorf("evicting session %s: %w", oldest.ID, err)
		}
		s.logger.Warn("session quota reached, evicted oldest session",
			"client_id", clientID,
			"evicted", oldest.ID,
			"max_sessions", s.opts.MaxSessionsPerClient,
		)
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	now := time.Now()
	sess := &Session{
		ID:           uuid.New().String(),
		ClientID:     clientID,
		CreatedAt:    now,
		LastActivity: now,
		State:        StateActive,
		Metadata:     metadata,
		Context:      map[string]any{},
		History:      []HistoryEntry{},
	}
	if err := s.storage.Set(ctx, sess, s.opts.TTL); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	s.logger.Info("session created", "session_id", sess.ID, "client_id", clientID)
	return sess, nil
}

// Get looks a session up with lazy expiry: a record idle past the ttl is
// marked expired, removed, and reported as absent. A live session has its
// activity refreshed by the lookup.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.storage.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if sess.ExpiredAt(time.Now(), s.opts.TTL) {
		sess.State = StateExpired
		if err := s.storage.Delete(ctx, id); err != nil {
			s.logger.Warn("removing expired session failed", "session_id", id, "error", err)
		}
		s.logger.Info("session expired", "session_id", id, "client_id", sess.ClientID)
		return nil, ErrNotFound
	}

	sess.Touch()
	if err := s.storage.Set(ctx, sess, s.opts.TTL); err != nil {
		return nil, fmt.Errorf("refreshing session: %w", err)
	}
	return sess, nil
}

// Update persists mutated metadata/context/history and refreshes activity.
func (s *Store) Update(ctx context.Context, sess *Session) error {
	sess.Touch()
	if err := s.storage.Set(ctx, sess, s.opts.TTL); err != nil {
		return fmt.Errorf("updating session %s: %w", sess.ID, err)
	}
	return nil
}

// AddHistory appends a timestamped entry and trims the history to its bound,
// oldest entries dropped first.
func (s *Store) AddHistory(ctx context.Context, id string, entry HistoryEntry) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	entry.Timestamp = time.Now()
	sess.History = append(sess.History, entry)
	if len(sess.History) > s.opts.MaxHistory {
		sess.History = sess.History[len(sess.History)-s.opts.MaxHistory:]
	}
	return s.Update(ctx, sess)
}

// Destroy marks the session terminated and removes it from the backend.
func (s *Store) Destroy(ctx context.Context, id string) error {
	sess, err := s.storage.Get(ctx, id)
	if err != nil {
		return err
	}

	sess.State = StateTerminated
	if err := s.storage.Delete(ctx, id); err != nil {
		return fmt.Errorf("destroying session %s: %w", id, err)
	}

	s.logger.Info("session destroyed", "session_id", id, "client_id", sess.ClientID)
	return nil
}

// Count returns the number of stored sessions, for status reporting.
func (s *Store) Count(ctx context.Context) (int, error) {
	ids, err := s.storage.List(ctx, "")
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Close stops the background sweep. Safe to call multiple times.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// liveSessions loads the client's sessions, discarding (and deleting) any
// that expired but have not been swept yet, so they don't count toward the
// quota.
func (s *Store) liveSessions(ctx context.Context, clientID string) ([]*Session, error) {
	ids, err := s.storage.List(ctx, clientID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	live := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.storage.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.ExpiredAt(now, s.opts.TTL) {
			_ = s.storage.Delete(ctx, id)
			continue
		}
		live = append(live, sess)
	}
	return live, nil
}

// sweep proactively removes expired sessions every cleanup interval. It is a
// safety net alongside the lazy path; without it the in-process backend
// would grow without bound.
func (s *Store) sweep() {
	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runSweep()
		case <-s.done:
			return
		}
	}
}

func (s *Store) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	removed, err := s.storage.CleanupExpired(ctx, s.opts.TTL)
	if err != nil {
		s.logger.Warn("session sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("session sweep removed expired sessions", "count", removed)
	}
}
