// Package postgres stores the session record as key/value rows.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/orguetta/finely/internal/store"
	"github.com/orguetta/finely/pkg/database"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate creates the session_store table if it does not exist.
func Migrate(ctx context.Context, db database.DBTX, logger *slog.Logger) error {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("open session migrations: %w", err)
	}
	return database.RunMigrations(ctx, db, sub, logger)
}

const (
	loadSQL = `
		SELECT key, value FROM session_store
		WHERE session_key = $1 AND expires_at > NOW()`

	upsertSQL = `
		INSERT INTO session_store (session_key, key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (session_key, key)
		DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()`

	touchSQL = `UPDATE session_store SET expires_at = $2 WHERE session_key = $1`

	clearSQL = `DELETE FROM session_store WHERE session_key = $1`
)

// fieldOrder fixes the write order inside the Save transaction.
var fieldOrder = []string{store.KeyAccess, store.KeyRefresh, store.KeyExpiry}

// SessionStore implements store.Store on the session_store table.
type SessionStore struct {
	db   database.DBTX
	name string
	ttl  time.Duration
	now  func() time.Time
}

// NewSessionStore creates a Postgres-backed store for the named session.
// Rows expire ttl after the last Save.
func NewSessionStore(db database.DBTX, name string, ttl time.Duration) *SessionStore {
	return &SessionStore{db: db, name: name, ttl: ttl, now: time.Now}
}

// Load implements store.Store. Expired rows are ignored.
func (s *SessionStore) Load(ctx context.Context) (rec store.Record, err error) {
	ctx, end := database.TraceQuery(ctx, "session_store.load", loadSQL)
	defer func() { end(err) }()

	rows, err := s.db.Query(ctx, loadSQL, s.name)
	if err != nil {
		return store.Record{}, fmt.Errorf("query session_store: %w", err)
	}
	defer rows.Close()

	fields := make(map[string]string, len(fieldOrder))
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return store.Record{}, fmt.Errorf("scan session_store row: %w", err)
		}
		fields[key] = value
	}
	if err := rows.Err(); err != nil {
		return store.Record{}, fmt.Errorf("iterate session_store rows: %w", err)
	}
	return store.RecordFromFields(fields), nil
}

// Save implements store.Store. All fields are upserted and every row of the
// session gets the new expiry inside one transaction.
func (s *SessionStore) Save(ctx context.Context, rec store.Record) (err error) {
	fields := rec.Fields()
	if len(fields) == 0 {
		return nil
	}

	ctx, end := database.TraceQuery(ctx, "session_store.save", upsertSQL)
	defer func() { end(err) }()

	expiresAt := s.now().Add(s.ttl)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin session save: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, key := range fieldOrder {
		value, ok := fields[key]
		if !ok {
			continue
		}
		if _, err = tx.Exec(ctx, upsertSQL, s.name, key, value, expiresAt); err != nil {
			return fmt.Errorf("upsert session %s: %w", key, err)
		}
	}
	if _, err = tx.Exec(ctx, touchSQL, s.name, expiresAt); err != nil {
		return fmt.Errorf("extend session expiry: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit session save: %w", err)
	}
	return nil
}

// Clear implements store.Store.
func (s *SessionStore) Clear(ctx context.Context) (err error) {
	ctx, end := database.TraceQuery(ctx, "session_store.clear", clearSQL)
	defer func() { end(err) }()

	if _, err = s.db.Exec(ctx, clearSQL, s.name); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Ping implements store.Store.
func (s *SessionStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}
