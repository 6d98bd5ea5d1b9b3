// Package queue implements the durable offline mutation queue: an ordered,
// at-least-once buffer of pending upserts replayed against the remote store.
// Entries coalesce per target key, so the queue holds at most one mutation
// per (ritual type, date key) and per-key ordering reduces to generation
// bookkeeping in the store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/ritual/internal/store"
	"github.com/hyperengineering/ritual/internal/transport"
	"github.com/hyperengineering/ritual/internal/types"
)

// ErrInvalidPayload is returned when an enqueued payload is not valid JSON.
// Retrying cannot succeed, so such writes are rejected at the boundary.
var ErrInvalidPayload = errors.New("invalid mutation payload")

// Store defines the persistence operations the queue requires.
// Implemented by store.SQLiteStore and store.MemoryStore.
type Store interface {
	EnqueueMutation(ctx context.Context, m types.QueuedMutation) (types.QueuedMutation, error)
	DueMutations(ctx context.Context, now time.Time) ([]types.QueuedMutation, error)
	MarkInFlight(ctx context.Context, id string) error
	AckMutation(ctx context.Context, id string, generation int64) error
	ReleaseMutation(ctx context.Context, id string, status types.MutationStatus, attempts int, nextAttempt time.Time) error
	DropMutation(ctx context.Context, id string) error
	QueueSize(ctx context.Context) (int, error)
	PendingMutations(ctx context.Context) ([]types.QueuedMutation, error)
}

// Options configures retry policy and drain parallelism.
type Options struct {
	// MaxAttempts bounds delivery attempts before an entry is marked failed.
	// Failed entries stay queued and are retried on later drains.
	MaxAttempts int
	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential schedule.
	MaxBackoff time.Duration
	// Parallelism bounds concurrent deliveries for independent keys.
	Parallelism int
	// UserID stamps outgoing completions.
	UserID string
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	return o
}

// Queue is the offline mutation queue.
type Queue struct {
	store Store
	opts  Options
}

// New creates a queue over the given store.
func New(s Store, opts Options) *Queue {
	return &Queue{store: s, opts: opts.withDefaults()}
}

// Enqueue records an upsert for the target key, coalescing with any queued
// entry for the same key: the payload is replaced rather than appended, so at
// most one mutation is ever in flight per key. Returns the stable mutation ID.
func (q *Queue) Enqueue(ctx context.Context, key types.TargetKey, payload json.RawMessage) (string, error) {
	if !key.RitualType.Valid() {
		return "", ErrInvalidPayload
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", ErrInvalidPayload
	}

	m := types.QueuedMutation{
		ID:        ulid.Make().String(),
		Operation: types.OperationUpsert,
		TargetKey: key,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	stored, err := q.store.EnqueueMutation(ctx, m)
	if err != nil {
		return "", err
	}

	slog.Debug("mutation enqueued",
		"component", "queue",
		"mutation_id", stored.ID,
		"target_key", key.String(),
		"generation", stored.Generation,
	)
	return stored.ID, nil
}

// Drain replays due mutations against the remote in created-at order.
// Independent keys are pipelined up to the configured parallelism; the
// coalescing invariant means no two concurrent deliveries ever share a key.
//
// Transient failures back off and stay queued; validation failures are
// dropped after logging; an authentication failure stops further deliveries
// and is returned so the caller can surface it.
func (q *Queue) Drain(ctx context.Context, remote transport.Remote) (types.DrainResult, error) {
	due, err := q.store.DueMutations(ctx, time.Now().UTC())
	if err != nil {
		return types.DrainResult{}, err
	}
	if len(due) == 0 {
		return types.DrainResult{}, nil
	}

	var (
		mu      sync.Mutex
		result  types.DrainResult
		authErr error
	)
	sem := make(chan struct{}, q.opts.Parallelism)
	var wg sync.WaitGroup

	for _, m := range due {
		mu.Lock()
		stop := authErr != nil
		mu.Unlock()
		if stop || ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(m types.QueuedMutation) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := q.deliver(ctx, remote, m)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case deliverySucceeded:
				result.Succeeded++
			case deliveryDropped:
				result.Dropped++
			case deliveryFailed:
				result.Failed++
				if err != nil && transport.IsAuth(err) && authErr == nil {
					authErr = err
				}
			}
		}(m)
	}

	wg.Wait()
	return result, authErr
}

type deliveryOutcome int

const (
	deliverySucceeded deliveryOutcome = iota
	deliveryFailed
	deliveryDropped
)

// deliver pushes one mutation and reconciles queue state with the outcome.
func (q *Queue) deliver(ctx context.Context, remote transport.Remote, m types.QueuedMutation) (deliveryOutcome, error) {
	if err := q.store.MarkInFlight(ctx, m.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Dropped or acked concurrently; nothing to deliver.
			return deliveryDropped, nil
		}
		return deliveryFailed, err
	}

	completion := types.Completion{
		UserID:     q.opts.UserID,
		RitualType: m.TargetKey.RitualType,
		DateKey:    m.TargetKey.DateKey,
		Payload:    m.Payload,
		RecordedAt: m.CreatedAt,
	}

	_, err := remote.UpsertLog(ctx, completion)
	if err == nil {
		ackErr := q.store.AckMutation(ctx, m.ID, m.Generation)
		if ackErr != nil && !errors.Is(ackErr, store.ErrStaleAck) {
			return deliveryFailed, ackErr
		}
		// A stale ack means the payload was coalesced mid-flight; the newer
		// generation is pending and will be delivered on the next drain.
		return deliverySucceeded, nil
	}

	switch transport.CategoryOf(err) {
	case transport.CategoryValidation:
		slog.Warn("dropping mutation rejected by server",
			"component", "queue",
			"mutation_id", m.ID,
			"target_key", m.TargetKey.String(),
			"error", err,
		)
		if dropErr := q.store.DropMutation(ctx, m.ID); dropErr != nil {
			return deliveryFailed, dropErr
		}
		return deliveryDropped, nil

	case transport.CategoryAuth:
		// Fatal for this mutation: parked as failed, surfaced, no backoff.
		if relErr := q.store.ReleaseMutation(ctx, m.ID, types.MutationFailed, m.Attempts+1, time.Time{}); relErr != nil {
			return deliveryFailed, relErr
		}
		return deliveryFailed, err

	default:
		attempts := m.Attempts + 1
		status := types.MutationPending
		if attempts >= q.opts.MaxAttempts {
			status = types.MutationFailed
			slog.Warn("mutation exhausted attempts, parked as failed",
				"component", "queue",
				"mutation_id", m.ID,
				"attempts", attempts,
			)
		}
		next := time.Now().UTC().Add(q.nextDelay(attempts))
		if relErr := q.store.ReleaseMutation(ctx, m.ID, status, attempts, next); relErr != nil {
			return deliveryFailed, relErr
		}
		return deliveryFailed, err
	}
}

// nextDelay computes the capped exponential delay for the given attempt count.
func (q *Queue) nextDelay(attempts int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = q.opts.InitialBackoff
	policy.MaxInterval = q.opts.MaxBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.Reset()

	delay := policy.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = policy.NextBackOff()
	}
	if delay == backoff.Stop || delay > q.opts.MaxBackoff {
		delay = q.opts.MaxBackoff
	}
	return delay
}

// Size returns the number of queued mutations, for UI badge counts.
func (q *Queue) Size(ctx context.Context) (int, error) {
	return q.store.QueueSize(ctx)
}

// PeekPending returns all queued mutations in FIFO order without touching
// their state.
func (q *Queue) PeekPending(ctx context.Context) ([]types.QueuedMutation, error) {
	return q.store.PendingMutations(ctx)
}
