package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hyperengineering/ritual/internal/types"
)

// SQLiteStore is the SQLite-backed local database for the engine.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the local database at dbPath.
// It enables WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if err := recoverInFlight(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover in-flight mutations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertCompletion writes a completion, superseding any earlier record for
// the same (user, ritual type, date key).
func (s *SQLiteStore) UpsertCompletion(ctx context.Context, c types.Completion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completions (user_id, ritual_type, date_key, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, ritual_type, date_key)
		DO UPDATE SET payload = excluded.payload, recorded_at = excluded.recorded_at
	`, c.UserID, string(c.RitualType), c.DateKey, nullableJSON(c.Payload), c.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert completion: %w", err)
	}
	return nil
}

// GetCompletion returns the cached completion for (ritual, dateKey), or
// ErrNotFound.
func (s *SQLiteStore) GetCompletion(ctx context.Context, ritual types.RitualType, dateKey string) (*types.Completion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, ritual_type, date_key, payload, recorded_at
		FROM completions
		WHERE ritual_type = ? AND date_key = ?
	`, string(ritual), dateKey)

	c, err := scanCompletion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan completion: %w", err)
	}
	return c, nil
}

// ListCompletions returns cached completions for a ritual with date keys in
// [fromKey, toKey], ascending. Both daily and weekly keys order correctly as
// strings.
func (s *SQLiteStore) ListCompletions(ctx context.Context, ritual types.RitualType, fromKey, toKey string) ([]types.Completion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, ritual_type, date_key, payload, recorded_at
		FROM completions
		WHERE ritual_type = ? AND date_key >= ? AND date_key <= ?
		ORDER BY date_key ASC
	`, string(ritual), fromKey, toKey)
	if err != nil {
		return nil, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()

	var out []types.Completion
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ReplaceCompletions atomically replaces the cached range [fromKey, toKey]
// for a ritual with the canonical server set. The server wins on any
// disagreement with the optimistic cache.
func (s *SQLiteStore) ReplaceCompletions(ctx context.Context, ritual types.RitualType, fromKey, toKey string, canonical []types.Completion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM completions
		WHERE ritual_type = ? AND date_key >= ? AND date_key <= ?
	`, string(ritual), fromKey, toKey)
	if err != nil {
		return fmt.Errorf("clear completion range: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO completions (user_id, ritual_type, date_key, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, ritual_type, date_key)
		DO UPDATE SET payload = excluded.payload, recorded_at = excluded.recorded_at
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range canonical {
		_, err := stmt.ExecContext(ctx, c.UserID, string(c.RitualType), c.DateKey,
			nullableJSON(c.Payload), c.RecordedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert completion %s: %w", c.DateKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SaveStreak replaces the streak cache wholesale.
func (s *SQLiteStore) SaveStreak(ctx context.Context, rec types.StreakRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal streak record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO streak_cache (id, record, updated_at)
		VALUES (1, ?, ?)
	`, string(blob), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save streak cache: %w", err)
	}
	return nil
}

// LoadStreak returns the cached streak record, or ErrNotFound when none has
// been computed yet.
func (s *SQLiteStore) LoadStreak(ctx context.Context) (*types.StreakRecord, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM streak_cache WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load streak cache: %w", err)
	}

	var rec types.StreakRecord
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return nil, fmt.Errorf("parse streak cache: %w", err)
	}
	return &rec, nil
}

// GetMeta retrieves a meta value by key, or ErrNotFound.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get meta: %w", err)
	}
	return value, nil
}

// SetMeta sets a meta value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta: %w", err)
	}
	return nil
}

// scanCompletion scans a row into a Completion, parsing timestamps and the
// opaque payload.
func scanCompletion(scanner interface{ Scan(...any) error }) (*types.Completion, error) {
	var c types.Completion
	var ritual string
	var payload sql.NullString
	var recordedAt string

	if err := scanner.Scan(&c.UserID, &ritual, &c.DateKey, &payload, &recordedAt); err != nil {
		return nil, err
	}

	c.RitualType = types.RitualType(ritual)
	if payload.Valid {
		c.Payload = json.RawMessage(payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, recordedAt); err == nil {
		c.RecordedAt = t
	}

	return &c, nil
}

// nullableJSON converts a json.RawMessage to a sql-friendly value.
func nullableJSON(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
