// ABOUTME: SQLite backend for session storage using modernc.org/sqlite.
// ABOUTME: Stores the session document as JSON with indexed columns for lookups.

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStorage persists sessions in a single-file database. Suitable for a
// single gateway instance that needs sessions to survive restarts.
type SQLiteStorage struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStorage opens (or creates) the database at path. Parent
// directories are created if needed; the schema is created if it doesn't
// exist.
func NewSQLiteStorage(path string, logger *slog.Logger) (*SQLiteStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStorage{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("sqlite session storage ready", "path", path)
	return s, nil
}

func (s *SQLiteStorage) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			state TEXT NOT NULL,
			last_activity DATETIME NOT NULL,
			document TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_client_id
			ON sessions(client_id);

		CREATE INDEX IF NOT EXISTS idx_sessions_last_activity
			ON sessions(last_activity);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStorage) Get(ctx context.Context, id string) (*Session, error) {
	var document string
	err := s.db.QueryRowContext(ctx,
		"SELECT document FROM sessions WHERE id = ?", id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(document), &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *SQLiteStorage) Set(ctx context.Context, sess *Session, _ time.Duration) error {
	document, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, client_id, state, last_activity, document)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			last_activity = excluded.last_activity,
			document = excluded.document`,
		sess.ID, sess.ClientID, string(sess.State), sess.LastActivity.UTC(), string(document))
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) List(ctx context.Context, clientID string) ([]string, error) {
	query := "SELECT id FROM sessions"
	args := []any{}
	if clientID != "" {
		query += " WHERE client_id = ?"
		args = append(args, clientID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStorage) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl).UTC()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE last_activity < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up sessions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStorage) Close() error { return s.db.Close() }
