package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/ritual/internal/events"
	"github.com/hyperengineering/ritual/internal/store"
	"github.com/hyperengineering/ritual/internal/streak"
	"github.com/hyperengineering/ritual/internal/transport"
	"github.com/hyperengineering/ritual/internal/types"
)

// mockDrainer returns a scripted result and counts invocations.
type mockDrainer struct {
	mu     sync.Mutex
	result types.DrainResult
	err    error
	calls  int
}

func (d *mockDrainer) Drain(context.Context, transport.Remote) (types.DrainResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.result, d.err
}

func (d *mockDrainer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// mockRemote serves canonical completions per ritual type.
type mockRemote struct {
	mu        sync.Mutex
	canonical map[types.RitualType][]types.Completion
}

func (r *mockRemote) Ping(context.Context) error { return nil }

func (r *mockRemote) GetLog(_ context.Context, ritual types.RitualType, dateKey string) (*types.Completion, error) {
	return nil, nil
}

func (r *mockRemote) ListRange(_ context.Context, ritual types.RitualType, fromKey, toKey string) ([]types.Completion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canonical[ritual], nil
}

func (r *mockRemote) UpsertLog(_ context.Context, c types.Completion) (*types.Completion, error) {
	return &c, nil
}

type fixedNetwork struct{ status types.NetworkStatus }

func (n fixedNetwork) Status() types.NetworkStatus { return n.status }

func dailyCompletions(ritual types.RitualType, days ...string) []types.Completion {
	out := make([]types.Completion, 0, len(days))
	for _, day := range days {
		out = append(out, types.Completion{
			UserID:     "user-1",
			RitualType: ritual,
			DateKey:    day,
			RecordedAt: time.Now().UTC(),
		})
	}
	return out
}

func newCoordinator(t *testing.T, st Store, d Drainer, r transport.Remote, n Network, bus *events.Bus) *Coordinator {
	t.Helper()
	return New(st, d, r, n, streak.NewEngine(0, nil), bus, Options{Interval: time.Hour})
}

func TestSyncReplacesCacheAndRecomputesStreak(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	// Optimistic local write the server does not know about; server wins.
	today := types.DayKey(time.Now())
	require.NoError(t, st.UpsertCompletion(ctx, types.Completion{
		UserID: "user-1", RitualType: types.RitualMorning, DateKey: today, RecordedAt: time.Now(),
	}))

	canonicalDays := []string{
		types.DayKeyAdd(today, -2),
		types.DayKeyAdd(today, -1),
		today,
	}
	remote := &mockRemote{canonical: map[types.RitualType][]types.Completion{
		types.RitualMorning: dailyCompletions(types.RitualMorning, canonicalDays...),
	}}

	c := newCoordinator(t, st, &mockDrainer{}, remote, nil, nil)
	require.NoError(t, c.Sync(ctx))

	cached, err := st.ListCompletions(ctx, types.RitualMorning, types.DayKeyAdd(today, -30), today)
	require.NoError(t, err)
	assert.Len(t, cached, 3)

	rec, err := st.LoadStreak(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.CurrentStreak)
	assert.Equal(t, today, rec.LastCompletionDate)

	last, err := st.GetMeta(ctx, store.MetaLastSyncAt)
	require.NoError(t, err)
	_, perr := time.Parse(time.RFC3339, last)
	assert.NoError(t, perr)
}

func TestStreakFollowsAnchorRitualOnly(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	today := types.DayKey(time.Now())

	// Evening-only day: nothing to anchor a streak on.
	remote := &mockRemote{canonical: map[types.RitualType][]types.Completion{
		types.RitualEvening: dailyCompletions(types.RitualEvening, today),
	}}

	c := newCoordinator(t, st, &mockDrainer{}, remote, nil, nil)
	require.NoError(t, c.Sync(ctx))

	rec, err := st.LoadStreak(ctx)
	require.NoError(t, err)
	assert.Zero(t, rec.CurrentStreak, "evening-only day must not extend the streak")

	remote.mu.Lock()
	remote.canonical[types.RitualMorning] = dailyCompletions(types.RitualMorning, today)
	remote.mu.Unlock()
	require.NoError(t, c.Sync(ctx))

	rec, err = st.LoadStreak(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CurrentStreak)
	assert.Equal(t, today, rec.LastCompletionDate)
}

func TestSyncSkippedWhileOffline(t *testing.T) {
	st := store.NewMemoryStore()
	d := &mockDrainer{}
	c := newCoordinator(t, st, d, &mockRemote{}, fixedNetwork{types.NetworkStatus{IsOnline: false}}, nil)

	require.NoError(t, c.Sync(context.Background()))
	assert.Zero(t, d.count(), "offline cycles must not touch the remote")
}

func TestDrainErrorSurfacedAndPublished(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub, cancel := bus.Subscribe()
	defer cancel()

	authErr := &transport.Error{Category: transport.CategoryAuth, Op: "upsert log", Status: 401}
	c := newCoordinator(t, store.NewMemoryStore(), &mockDrainer{err: authErr}, &mockRemote{}, nil, bus)

	err := c.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsAuth(err))

	sawStart, sawError := false, false
	for i := 0; i < 2; i++ {
		select {
		case evt := <-sub:
			switch evt.Type {
			case events.SyncStart:
				sawStart = true
			case events.SyncError:
				sawError = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for sync events")
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawError)
}

func TestRecoveryEventTriggersCycle(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	st := store.NewMemoryStore()
	d := &mockDrainer{}
	c := newCoordinator(t, st, d, &mockRemote{}, nil, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// Startup cycle.
	require.Eventually(t, func() bool { return d.count() >= 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.Event{Type: events.NetworkStatus, Payload: types.NetworkStatus{IsOnline: true, WasOffline: true}})
	require.Eventually(t, func() bool { return d.count() >= 2 }, time.Second, 5*time.Millisecond)

	// Plain online status without the recovery flag stays quiet.
	bus.Publish(events.Event{Type: events.NetworkStatus, Payload: types.NetworkStatus{IsOnline: true}})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, d.count())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestSyncNowRunsCycleInLoop(t *testing.T) {
	st := store.NewMemoryStore()
	d := &mockDrainer{}
	c := newCoordinator(t, st, d, &mockRemote{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return d.count() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.SyncNow(ctx))
	assert.GreaterOrEqual(t, d.count(), 2)
}
