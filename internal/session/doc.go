// Package session manages per-client conversational state with pluggable storage.
//
// # Overview
//
// A session outlives any single socket: WebSocket clients bind to one,
// HTTP callers reference one by id, and tool invocations append to its
// history. The Store owns lifecycle policy (quotas, expiry, history bounds);
// SessionStorage backends own persistence.
//
// # Store
//
// The Store wraps a backend with lifecycle rules:
//
//	store := session.NewStore(storage, session.Options{
//	    TTL:                  time.Hour,
//	    MaxSessionsPerClient: 10,
//	    CleanupInterval:      5 * time.Minute,
//	    MaxHistory:           1000,
//	}, logger)
//
// Key operations:
//
//   - Create(ctx, clientID, metadata): New active session (quota enforced)
//   - Get(ctx, id): Lookup with lazy expiry + activity refresh
//   - Update(ctx, sess): Persist mutated metadata/context/history
//   - AddHistory(ctx, id, entry): Timestamped append, bounded
//   - Destroy(ctx, id): Terminate and remove
//   - Close(): Stop the background sweep
//
// # Storage Backends
//
// SessionStorage is the persistence interface; the backend is chosen once at
// startup from configuration:
//
//   - MemoryStorage: mutex-guarded map; process-local, lost on restart
//   - RedisStorage: shared across instances; Redis enforces the TTL itself
//   - SQLiteStorage: single-file durability for one instance
//
// Callers only ever see the interface. Backends never apply policy: the
// memory and sqlite backends rely on the Store's expiry paths, and the redis
// backend's CleanupExpired is a documented no-op.
//
// # Quota Enforcement
//
// When a client at its MaxSessionsPerClient limit creates another session:
//
//  1. The client's live sessions are listed
//  2. The oldest by creation time is evicted (warning logged)
//  3. The new session is inserted
//
// All three steps run under one critical section, so concurrent creates
// cannot push a client past its quota.
//
// # Expiry
//
// A session idle past the TTL is expired two ways:
//
//   - Lazily: Get on an expired record deletes it and reports ErrNotFound
//   - Sweep: a background pass every CleanupInterval removes stale records
//
// Get never returns an expired session. Any read that survives refreshes
// LastActivity.
package session
