package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/ritual/internal/store"
	"github.com/hyperengineering/ritual/internal/transport"
	"github.com/hyperengineering/ritual/internal/types"
)

// fakeRemote records upserts and fails on demand.
type fakeRemote struct {
	mu       sync.Mutex
	upserts  []types.Completion
	failWith map[string]error // keyed by TargetKey string; nil entry = succeed
	failAll  error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{failWith: map[string]error{}}
}

func (f *fakeRemote) Ping(ctx context.Context) error { return nil }

func (f *fakeRemote) GetLog(ctx context.Context, ritual types.RitualType, dateKey string) (*types.Completion, error) {
	return nil, nil
}

func (f *fakeRemote) ListRange(ctx context.Context, ritual types.RitualType, fromKey, toKey string) ([]types.Completion, error) {
	return nil, nil
}

func (f *fakeRemote) UpsertLog(ctx context.Context, c types.Completion) (*types.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := types.TargetKey{RitualType: c.RitualType, DateKey: c.DateKey}.String()
	if f.failAll != nil {
		return nil, f.failAll
	}
	if err, ok := f.failWith[key]; ok && err != nil {
		return nil, err
	}
	f.upserts = append(f.upserts, c)
	return &c, nil
}

func (f *fakeRemote) delivered() []types.Completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Completion, len(f.upserts))
	copy(out, f.upserts)
	return out
}

func transportErr(category transport.Category, status int) error {
	return &transport.Error{Category: category, Op: "upsert log", Status: status}
}

func newTestQueue(t *testing.T) (*Queue, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	q := New(st, Options{UserID: "user-1"})
	return q, st
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, types.TargetKey{RitualType: "nap", DateKey: "2025-08-26"}, nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = q.Enqueue(ctx, types.TargetKey{RitualType: types.RitualMorning, DateKey: "2025-08-26"}, json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestEnqueueCoalescesPerKey(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	key := types.TargetKey{RitualType: types.RitualMorning, DateKey: "2025-08-26"}

	id1, err := q.Enqueue(ctx, key, json.RawMessage(`{"mood":"ok"}`))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, key, json.RawMessage(`{"mood":"great"}`))
	require.NoError(t, err)

	// Coalescing keeps the original entry's identity.
	assert.Equal(t, id1, id2)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	pending, err := q.PeekPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"mood":"great"}`, string(pending[0].Payload))
}

func TestDrainDeliversInOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	q.opts.Parallelism = 1
	ctx := context.Background()
	remote := newFakeRemote()

	days := []string{"2025-08-24", "2025-08-25", "2025-08-26"}
	for _, day := range days {
		_, err := q.Enqueue(ctx, types.TargetKey{RitualType: types.RitualMorning, DateKey: day}, nil)
		require.NoError(t, err)
	}

	result, err := q.Drain(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Succeeded)

	got := remote.delivered()
	require.Len(t, got, 3)
	for i, day := range days {
		assert.Equal(t, day, got[i].DateKey)
	}

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestDrainIsIdempotentWhenQueueEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	remote := newFakeRemote()

	_, err := q.Enqueue(ctx, types.TargetKey{RitualType: types.RitualEvening, DateKey: "2025-08-26"}, nil)
	require.NoError(t, err)

	first, err := q.Drain(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Succeeded)

	second, err := q.Drain(ctx, remote)
	require.NoError(t, err)
	assert.Zero(t, second.Applied())
	assert.Len(t, remote.delivered(), 1)
}

func TestDrainTransientFailureBacksOffAndRetains(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	remote := newFakeRemote()
	key := types.TargetKey{RitualType: types.RitualMorning, DateKey: "2025-08-26"}
	remote.failWith[key.String()] = transportErr(transport.CategoryTransient, http.StatusBadGateway)

	_, err := q.Enqueue(ctx, key, nil)
	require.NoError(t, err)

	result, err := q.Drain(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	pending, err := st.PendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, types.MutationPending, pending[0].Status)
	assert.True(t, pending[0].NextAttemptAt.After(time.Now().UTC()))

	// Not yet due, so an immediate drain delivers nothing.
	again, err := q.Drain(ctx, remote)
	require.NoError(t, err)
	assert.Zero(t, again.Applied())
}

func TestDrainParksEntryAfterMaxAttempts(t *testing.T) {
	q, st := newTestQueue(t)
	q.opts.MaxAttempts = 2
	ctx := context.Background()
	remote := newFakeRemote()
	key := types.TargetKey{RitualType: types.RitualWeeklyStart, DateKey: "2025-W35"}
	remote.failWith[key.String()] = transportErr(transport.CategoryTransient, http.StatusServiceUnavailable)

	_, err := q.Enqueue(ctx, key, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		// Force the entry due again regardless of backoff.
		pending, perr := st.PendingMutations(ctx)
		require.NoError(t, perr)
		require.Len(t, pending, 1)
		require.NoError(t, st.ReleaseMutation(ctx, pending[0].ID, pending[0].Status, pending[0].Attempts, time.Time{}))

		_, err = q.Drain(ctx, remote)
		require.NoError(t, err)
	}

	pending, err := st.PendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, types.MutationFailed, pending[0].Status)

	// A failed entry is still retried once the remote recovers.
	remote.failWith[key.String()] = nil
	require.NoError(t, st.ReleaseMutation(ctx, pending[0].ID, pending[0].Status, pending[0].Attempts, time.Time{}))
	result, err := q.Drain(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
}

func TestDrainDropsValidationFailures(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	remote := newFakeRemote()
	key := types.TargetKey{RitualType: types.RitualEvening, DateKey: "2025-08-26"}
	remote.failWith[key.String()] = transportErr(transport.CategoryValidation, http.StatusUnprocessableEntity)

	_, err := q.Enqueue(ctx, key, json.RawMessage(`{"mood":"?"}`))
	require.NoError(t, err)

	result, err := q.Drain(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dropped)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestDrainSurfacesAuthFailureAndStops(t *testing.T) {
	q, st := newTestQueue(t)
	q.opts.Parallelism = 1
	ctx := context.Background()
	remote := newFakeRemote()
	remote.failAll = transportErr(transport.CategoryAuth, http.StatusUnauthorized)

	for _, day := range []string{"2025-08-25", "2025-08-26"} {
		_, err := q.Enqueue(ctx, types.TargetKey{RitualType: types.RitualMorning, DateKey: day}, nil)
		require.NoError(t, err)
	}

	result, err := q.Drain(ctx, remote)
	require.Error(t, err)
	assert.True(t, transport.IsAuth(err))
	assert.GreaterOrEqual(t, result.Failed, 1)

	// Nothing is dropped on auth failure; entries are parked, not discarded.
	size, err := st.QueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestDrainCoalescedMidFlightRedelivers(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	key := types.TargetKey{RitualType: types.RitualMorning, DateKey: "2025-08-26"}

	_, err := q.Enqueue(ctx, key, json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	// Remote that sneaks in a coalescing write while the first delivery is in
	// flight, simulating the user editing during a sync.
	raced := false
	remote := &racingRemote{inner: newFakeRemote(), onFirst: func(ctx context.Context) {
		if raced {
			return
		}
		raced = true
		_, eerr := q.Enqueue(ctx, key, json.RawMessage(`{"v":2}`))
		require.NoError(t, eerr)
	}}

	first, err := q.Drain(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Succeeded)

	// The stale ack left the v2 payload queued; a second drain delivers it.
	pending, err := st.PendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"v":2}`, string(pending[0].Payload))

	second, err := q.Drain(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Succeeded)

	got := remote.inner.delivered()
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"v":1}`, string(got[0].Payload))
	assert.JSONEq(t, `{"v":2}`, string(got[1].Payload))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

// racingRemote runs a hook before the first upsert to simulate concurrent
// local writes.
type racingRemote struct {
	inner   *fakeRemote
	onFirst func(ctx context.Context)
	once    sync.Once
}

func (r *racingRemote) Ping(ctx context.Context) error { return r.inner.Ping(ctx) }

func (r *racingRemote) GetLog(ctx context.Context, ritual types.RitualType, dateKey string) (*types.Completion, error) {
	return r.inner.GetLog(ctx, ritual, dateKey)
}

func (r *racingRemote) ListRange(ctx context.Context, ritual types.RitualType, fromKey, toKey string) ([]types.Completion, error) {
	return r.inner.ListRange(ctx, ritual, fromKey, toKey)
}

func (r *racingRemote) UpsertLog(ctx context.Context, c types.Completion) (*types.Completion, error) {
	r.once.Do(func() { r.onFirst(ctx) })
	return r.inner.UpsertLog(ctx, c)
}

func TestNextDelayCapsAtMax(t *testing.T) {
	q := New(store.NewMemoryStore(), Options{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	})

	assert.Equal(t, 500*time.Millisecond, q.nextDelay(1))
	assert.Equal(t, time.Second, q.nextDelay(2))
	assert.Equal(t, 2*time.Second, q.nextDelay(3))
	assert.Equal(t, 30*time.Second, q.nextDelay(12))
}
