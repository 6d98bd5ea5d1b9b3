package store

import (
	"context"
	"time"

	"github.com/hyperengineering/ritual/internal/types"
)

// Store is the contract for the engine's local persistence: the read-through
// completion cache, the durable mutation queue, the streak cache, and misc
// flags. Implemented by SQLiteStore and, as a degraded fallback, MemoryStore.
type Store interface {
	// Completion cache. Keys follow the widened schema: YYYY-MM-DD for daily
	// rituals, YYYY-Www for weekly ones.
	UpsertCompletion(ctx context.Context, c types.Completion) error
	GetCompletion(ctx context.Context, ritual types.RitualType, dateKey string) (*types.Completion, error)
	ListCompletions(ctx context.Context, ritual types.RitualType, fromKey, toKey string) ([]types.Completion, error)
	ReplaceCompletions(ctx context.Context, ritual types.RitualType, fromKey, toKey string, canonical []types.Completion) error

	// Mutation queue. EnqueueMutation coalesces with any existing entry for
	// the same target key; AckMutation removes an entry only when the
	// acknowledged generation is still current, otherwise the entry returns
	// to pending so the newer payload is delivered on a later drain.
	EnqueueMutation(ctx context.Context, m types.QueuedMutation) (types.QueuedMutation, error)
	DueMutations(ctx context.Context, now time.Time) ([]types.QueuedMutation, error)
	MarkInFlight(ctx context.Context, id string) error
	AckMutation(ctx context.Context, id string, generation int64) error
	ReleaseMutation(ctx context.Context, id string, status types.MutationStatus, attempts int, nextAttempt time.Time) error
	DropMutation(ctx context.Context, id string) error
	QueueSize(ctx context.Context) (int, error)
	PendingMutations(ctx context.Context) ([]types.QueuedMutation, error)

	// Derived-state caches.
	SaveStreak(ctx context.Context, rec types.StreakRecord) error
	LoadStreak(ctx context.Context) (*types.StreakRecord, error)

	// Misc flags (prompt shown, last sync marker).
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	Close() error
}

// Meta keys used by the engine.
const (
	MetaPromptShown = "prompt_shown"
	MetaLastSyncAt  = "last_sync_at"
)
