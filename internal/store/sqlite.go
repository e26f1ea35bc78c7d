// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides state and usage persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS dashboard_states (
			key            TEXT PRIMARY KEY,
			payload        BLOB NOT NULL,
			version        INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			updated_at     TEXT NOT NULL,
			expires_at     TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_states_expires
			ON dashboard_states(expires_at);

		CREATE TABLE IF NOT EXISTS provider_usage_daily (
			provider TEXT NOT NULL,
			day      TEXT NOT NULL,
			calls    INTEGER NOT NULL DEFAULT 0,
			tokens   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (provider, day)
		);

		CREATE TABLE IF NOT EXISTS provider_usage_monthly (
			provider TEXT NOT NULL,
			month    TEXT NOT NULL,
			calls    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (provider, month)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveState upserts one dashboard state record.
func (s *SQLiteStore) SaveState(ctx context.Context, rec *StateRecord) error {
	query := `
		INSERT INTO dashboard_states (key, payload, version, schema_version, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			schema_version = excluded.schema_version,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`

	var expires any
	if !rec.ExpiresAt.IsZero() {
		expires = rec.ExpiresAt.UTC().Format(time.RFC3339)
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.Key,
		rec.Payload,
		int64(rec.Version),
		rec.SchemaVersion,
		rec.UpdatedAt.UTC().Format(time.RFC3339),
		expires,
	)
	if err != nil {
		return fmt.Errorf("saving state %s: %w", rec.Key, err)
	}

	s.logger.Debug("saved dashboard state",
		"key", rec.Key,
		"version", rec.Version,
		"bytes", len(rec.Payload),
	)
	return nil
}

// LoadState returns the record for a key, or ErrNotFound. Expired records
// are treated as absent.
func (s *SQLiteStore) LoadState(ctx context.Context, key string) (*StateRecord, error) {
	query := `
		SELECT key, payload, version, schema_version, updated_at, expires_at
		FROM dashboard_states
		WHERE key = ?
	`

	var rec StateRecord
	var version int64
	var updatedAt string
	var expiresAt sql.NullString

	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&rec.Key,
		&rec.Payload,
		&version,
		&rec.SchemaVersion,
		&updatedAt,
		&expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading state %s: %w", key, err)
	}

	rec.Version = uint64(version)
	rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if expiresAt.Valid {
		rec.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
		if time.Now().After(rec.ExpiresAt) {
			return nil, ErrNotFound
		}
	}

	return &rec, nil
}

// DeleteState removes a record. Deleting an absent key is not an error.
func (s *SQLiteStore) DeleteState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dashboard_states WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting state %s: %w", key, err)
	}
	return nil
}

// PurgeExpiredStates removes every record whose TTL elapsed before now.
func (s *SQLiteStore) PurgeExpiredStates(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM dashboard_states WHERE expires_at IS NOT NULL AND expires_at < ?`,
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("purging expired states: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged expired dashboard states", "count", n)
	}
	return int(n), nil
}

// AddUsage increments the day and month buckets for a provider.
func (s *SQLiteStore) AddUsage(ctx context.Context, provider, day, month string, calls, tokens int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning usage tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO provider_usage_daily (provider, day, calls, tokens)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider, day) DO UPDATE SET
			calls = calls + excluded.calls,
			tokens = tokens + excluded.tokens
	`, provider, day, calls, tokens)
	if err != nil {
		return fmt.Errorf("incrementing daily usage: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO provider_usage_monthly (provider, month, calls)
		VALUES (?, ?, ?)
		ON CONFLICT(provider, month) DO UPDATE SET
			calls = calls + excluded.calls
	`, provider, month, calls)
	if err != nil {
		return fmt.Errorf("incrementing monthly usage: %w", err)
	}

	return tx.Commit()
}

// LoadUsage returns the counters for a provider's day and month buckets.
// Missing buckets read as zero.
func (s *SQLiteStore) LoadUsage(ctx context.Context, provider, day, month string) (*UsageCounters, error) {
	out := &UsageCounters{Provider: provider, Day: day, Month: month}

	err := s.db.QueryRowContext(ctx,
		`SELECT calls, tokens FROM provider_usage_daily WHERE provider = ? AND day = ?`,
		provider, day,
	).Scan(&out.CallsDay, &out.TokensDay)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loading daily usage: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT calls FROM provider_usage_monthly WHERE provider = ? AND month = ?`,
		provider, month,
	).Scan(&out.CallsMonth)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loading monthly usage: %w", err)
	}

	return out, nil
}

// ListUsageProviders returns every provider with recorded usage.
func (s *SQLiteStore) ListUsageProviders(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT provider FROM provider_usage_daily ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("listing usage providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning provider: %w", err)
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating providers: %w", err)
	}
	return providers, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ensure SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)
