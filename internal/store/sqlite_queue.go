package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/ritual/internal/types"
)

// recoverInFlight returns mutations left in flight by an interrupted process
// to pending so the next drain redelivers them. Remote upserts are
// idempotent, so redelivery cannot duplicate a completion.
func recoverInFlight(db *sql.DB) error {
	result, err := db.Exec(`
		UPDATE mutation_queue SET status = ? WHERE status = ?
	`, string(types.MutationPending), string(types.MutationInFlight))
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		slog.Info("requeued mutations left in flight",
			"component", "store",
			"count", n,
		)
	}
	return nil
}

// EnqueueMutation inserts a mutation, coalescing with any existing entry for
// the same target key: the payload is replaced, attempts reset, the original
// ID and created_at kept for FIFO ordering, and the generation bumped. An
// entry currently in flight keeps its status; the bumped generation makes the
// eventual acknowledgement stale so the newer payload is delivered on the
// next drain.
func (s *SQLiteStore) EnqueueMutation(ctx context.Context, m types.QueuedMutation) (types.QueuedMutation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.QueuedMutation{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing types.QueuedMutation
	var createdAt, existingStatus string
	row := tx.QueryRowContext(ctx, `
		SELECT id, created_at, status, generation
		FROM mutation_queue
		WHERE ritual_type = ? AND date_key = ?
	`, string(m.TargetKey.RitualType), m.TargetKey.DateKey)
	err = row.Scan(&existing.ID, &createdAt, &existingStatus, &existing.Generation)
	existing.Status = types.MutationStatus(existingStatus)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		m.Operation = types.OperationUpsert
		m.Status = types.MutationPending
		m.Generation = 1
		m.Attempts = 0
		_, err = tx.ExecContext(ctx, `
			INSERT INTO mutation_queue (id, operation, ritual_type, date_key, payload, created_at, attempts, status, generation)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, 1)
		`, m.ID, m.Operation, string(m.TargetKey.RitualType), m.TargetKey.DateKey,
			nullableJSON(m.Payload), m.CreatedAt.UTC().Format(time.RFC3339Nano), string(m.Status))
		if err != nil {
			return types.QueuedMutation{}, fmt.Errorf("insert mutation: %w", err)
		}

	case err != nil:
		return types.QueuedMutation{}, fmt.Errorf("lookup mutation: %w", err)

	default:
		// Coalesce. In-flight entries keep their status; everything else
		// returns to pending with attempts reset.
		_, err = tx.ExecContext(ctx, `
			UPDATE mutation_queue
			SET payload = ?, attempts = 0, generation = generation + 1, next_attempt_at = NULL,
			    status = CASE WHEN status = ? THEN status ELSE ? END
			WHERE id = ?
		`, nullableJSON(m.Payload), string(types.MutationInFlight), string(types.MutationPending), existing.ID)
		if err != nil {
			return types.QueuedMutation{}, fmt.Errorf("coalesce mutation: %w", err)
		}

		m.ID = existing.ID
		m.Generation = existing.Generation + 1
		m.Attempts = 0
		m.Status = existing.Status
		if m.Status != types.MutationInFlight {
			m.Status = types.MutationPending
		}
		if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
			m.CreatedAt = t
		}
	}

	if err := tx.Commit(); err != nil {
		return types.QueuedMutation{}, fmt.Errorf("commit transaction: %w", err)
	}
	return m, nil
}

// DueMutations returns pending and failed entries whose backoff window has
// elapsed, in created_at (FIFO) order. Entries whose persisted payload is no
// longer valid JSON are dropped rather than blocking the queue.
func (s *SQLiteStore) DueMutations(ctx context.Context, now time.Time) ([]types.QueuedMutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, ritual_type, date_key, payload, created_at, attempts, status, generation, next_attempt_at
		FROM mutation_queue
		WHERE status IN (?, ?) AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC
	`, string(types.MutationPending), string(types.MutationFailed), now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query due mutations: %w", err)
	}
	defer rows.Close()

	var due []types.QueuedMutation
	var corrupt []string
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		if len(m.Payload) > 0 && !json.Valid(m.Payload) {
			corrupt = append(corrupt, m.ID)
			continue
		}
		due = append(due, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mutations: %w", err)
	}

	for _, id := range corrupt {
		slog.Warn("dropping mutation with unparsable payload",
			"component", "store",
			"mutation_id", id,
		)
		if err := s.DropMutation(ctx, id); err != nil {
			return nil, err
		}
	}

	return due, nil
}

// MarkInFlight transitions a mutation to in-flight before delivery.
func (s *SQLiteStore) MarkInFlight(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE mutation_queue SET status = ? WHERE id = ?
	`, string(types.MutationInFlight), id)
	if err != nil {
		return fmt.Errorf("mark in flight: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AckMutation removes an acknowledged mutation, but only when the delivered
// generation is still current. If the entry was coalesced while in flight the
// newer payload returns to pending and ErrStaleAck is reported.
func (s *SQLiteStore) AckMutation(ctx context.Context, id string, generation int64) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM mutation_queue WHERE id = ? AND generation = ?
	`, id, generation)
	if err != nil {
		return fmt.Errorf("ack mutation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// A newer generation exists (or the entry vanished). Requeue it.
	result, err = s.db.ExecContext(ctx, `
		UPDATE mutation_queue SET status = ? WHERE id = ?
	`, string(types.MutationPending), id)
	if err != nil {
		return fmt.Errorf("requeue superseded mutation: %w", err)
	}
	affected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return ErrStaleAck
}

// ReleaseMutation returns an in-flight mutation to the queue after a delivery
// failure, recording the attempt count, status, and backoff deadline.
func (s *SQLiteStore) ReleaseMutation(ctx context.Context, id string, status types.MutationStatus, attempts int, nextAttempt time.Time) error {
	var next any
	if !nextAttempt.IsZero() {
		next = nextAttempt.UTC().Format(time.RFC3339Nano)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE mutation_queue SET status = ?, attempts = ?, next_attempt_at = ? WHERE id = ?
	`, string(status), attempts, next, id)
	if err != nil {
		return fmt.Errorf("release mutation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DropMutation removes a mutation outright. Used for validation failures,
// where retrying cannot succeed.
func (s *SQLiteStore) DropMutation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mutation_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("drop mutation: %w", err)
	}
	return nil
}

// QueueSize returns the number of queued mutations in any status.
func (s *SQLiteStore) QueueSize(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_queue`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return count, nil
}

// PendingMutations returns every queued mutation in FIFO order, for badge
// counts and inspection.
func (s *SQLiteStore) PendingMutations(ctx context.Context) ([]types.QueuedMutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, ritual_type, date_key, payload, created_at, attempts, status, generation, next_attempt_at
		FROM mutation_queue
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query mutations: %w", err)
	}
	defer rows.Close()

	out := make([]types.QueuedMutation, 0)
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMutation(scanner interface{ Scan(...any) error }) (*types.QueuedMutation, error) {
	var m types.QueuedMutation
	var ritual, status string
	var payload, nextAttempt sql.NullString
	var createdAt string

	err := scanner.Scan(&m.ID, &m.Operation, &ritual, &m.TargetKey.DateKey,
		&payload, &createdAt, &m.Attempts, &status, &m.Generation, &nextAttempt)
	if err != nil {
		return nil, err
	}

	m.TargetKey.RitualType = types.RitualType(ritual)
	m.Status = types.MutationStatus(status)
	if payload.Valid {
		m.Payload = json.RawMessage(payload.String)
	}
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		m.CreatedAt = t
	} else {
		slog.Warn("mutation_queue: failed to parse created_at", "value", createdAt, "error", perr)
	}
	if nextAttempt.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, nextAttempt.String); perr == nil {
			m.NextAttemptAt = t
		}
	}

	return &m, nil
}
