// Package tracker is the embeddable client for the ritual engine: a local
// SQLite-backed completion store with offline queueing and background sync
// against a remote log service. All reads are served locally; writes are
// applied optimistically and replayed to the remote when connectivity allows.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/ritual/internal/events"
	"github.com/hyperengineering/ritual/internal/netmon"
	"github.com/hyperengineering/ritual/internal/notify"
	"github.com/hyperengineering/ritual/internal/queue"
	"github.com/hyperengineering/ritual/internal/schedule"
	"github.com/hyperengineering/ritual/internal/store"
	"github.com/hyperengineering/ritual/internal/streak"
	"github.com/hyperengineering/ritual/internal/syncer"
	"github.com/hyperengineering/ritual/internal/transport"
	"github.com/hyperengineering/ritual/internal/types"
)

// ErrClosed is returned by operations on a shut-down client.
var ErrClosed = errors.New("tracker client is closed")

// ErrOffline is returned when a remote operation is requested but no remote
// is configured.
var ErrOffline = errors.New("no remote configured")

// Config configures a tracker client.
type Config struct {
	// LocalPath is the SQLite database path. Required unless InMemory is set.
	LocalPath string
	// InMemory skips SQLite entirely. Intended for tests.
	InMemory bool

	// RemoteURL is the base URL of the remote log service. Empty means fully
	// offline operation.
	RemoteURL string
	APIKey    string
	UserID    string

	// AutoSync starts the background sync and network loops in Initialize.
	AutoSync     bool
	SyncInterval time.Duration

	// EveningCutoffHour is the local hour after which evening rituals open.
	// Zero selects schedule.DefaultEveningCutoffHour.
	EveningCutoffHour int

	LookbackDays int
	Milestones   []int

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client is the ritual tracker facade.
type Client struct {
	config   Config
	store    store.Store
	bus      *events.Bus
	gates    *schedule.Engine
	streaks  *streak.Engine
	queue    *queue.Queue
	remote   transport.Remote
	monitor  *netmon.Monitor
	syncer   *syncer.Coordinator
	notifier *notify.Scheduler

	mu       sync.RWMutex
	closed   bool
	degraded bool
	cancel   context.CancelFunc
	loops    sync.WaitGroup
}

// New creates a tracker client. A failure to open the local database does not
// fail construction: the client falls back to a volatile in-memory store and
// reports Degraded() so the caller can surface the condition.
func New(config Config) (*Client, error) {
	if config.LocalPath == "" && !config.InMemory {
		return nil, errors.New("LocalPath is required")
	}
	if config.UserID == "" {
		config.UserID = "local"
	}
	if config.SyncInterval == 0 {
		config.SyncInterval = 30 * time.Second
	}
	if config.EveningCutoffHour == 0 {
		config.EveningCutoffHour = schedule.DefaultEveningCutoffHour
	}

	var (
		st       store.Store
		degraded bool
	)
	if config.InMemory {
		st = store.NewMemoryStore()
	} else {
		sqlStore, err := store.NewSQLiteStore(config.LocalPath)
		if err != nil {
			slog.Warn("local store unavailable, running degraded in memory",
				"component", "tracker",
				"path", config.LocalPath,
				"error", err,
			)
			st = store.NewMemoryStore()
			degraded = true
		} else {
			st = sqlStore
		}
	}

	bus := events.NewBus()
	streaks := streak.NewEngine(config.LookbackDays, config.Milestones)

	c := &Client{
		config:   config,
		store:    st,
		bus:      bus,
		gates:    schedule.NewEngine(schedule.NewClassifier(config.EveningCutoffHour)),
		streaks:  streaks,
		notifier: notify.NewScheduler(bus),
		degraded: degraded,
	}

	c.queue = queue.New(st, queue.Options{
		MaxAttempts:    config.MaxAttempts,
		InitialBackoff: config.InitialBackoff,
		MaxBackoff:     config.MaxBackoff,
		UserID:         config.UserID,
	})

	if config.RemoteURL != "" {
		c.remote = transport.NewClient(config.RemoteURL, config.APIKey)
		c.monitor = netmon.New(c.remote, bus, netmon.Options{})
		c.syncer = syncer.New(st, c.queue, c.remote, c.monitor, streaks, bus, syncer.Options{
			Interval:     config.SyncInterval,
			LookbackDays: config.LookbackDays,
		})
	}

	return c, nil
}

// Initialize arms today's reminders and, when AutoSync is set and a remote is
// configured, starts the network and sync loops.
func (c *Client) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	now := time.Now()
	c.notifier.ScheduleWindows(c.gates.Windows(now), now)

	if c.config.AutoSync && c.syncer != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.loops.Add(2)
		go func() {
			defer c.loops.Done()
			c.monitor.Run(ctx)
		}()
		go func() {
			defer c.loops.Done()
			c.syncer.Run(ctx)
		}()
	}

	return nil
}

// Shutdown stops background loops, attempts one final drain, and closes the
// local store. Safe to call more than once.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.loops.Wait()
	c.notifier.Stop()

	if c.syncer != nil {
		if err := c.syncer.Sync(ctx); err != nil {
			slog.Warn("final sync failed", "component", "tracker", "error", err)
		}
	}

	c.bus.Close()
	return c.store.Close()
}

// Complete records a ritual completion for the current period: the local
// cache is updated immediately and the write is queued for delivery. The
// payload is free-form JSON (mood, notes) and may be nil.
func (c *Client) Complete(ctx context.Context, ritual types.RitualType, payload json.RawMessage) (types.Completion, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return types.Completion{}, ErrClosed
	}
	if !ritual.Valid() {
		return types.Completion{}, fmt.Errorf("unknown ritual type %q", ritual)
	}

	now := time.Now()
	completion := types.Completion{
		UserID:     c.config.UserID,
		RitualType: ritual,
		DateKey:    types.KeyFor(ritual, now),
		Payload:    payload,
		RecordedAt: now.UTC(),
	}

	if err := c.store.UpsertCompletion(ctx, completion); err != nil {
		return types.Completion{}, fmt.Errorf("record completion: %w", err)
	}

	key := types.TargetKey{RitualType: ritual, DateKey: completion.DateKey}
	if _, err := c.queue.Enqueue(ctx, key, payload); err != nil {
		return types.Completion{}, fmt.Errorf("queue completion: %w", err)
	}

	// Completing a ritual withdraws its pending reminder.
	c.notifier.Cancel(ritual)

	// The streak cache reflects every local completion immediately, not on
	// the next sync. The completion itself is already durable, so a cache
	// failure is logged rather than surfaced.
	if fresh, err := c.computeStreak(ctx, now); err != nil {
		slog.Warn("streak recompute failed", "component", "tracker", "error", err)
	} else if err := c.store.SaveStreak(ctx, fresh); err != nil {
		slog.Warn("streak cache update failed", "component", "tracker", "error", err)
	}

	return completion, nil
}

// Status returns the gate tuple for every ritual at the given instant,
// computed from the local completion cache.
func (c *Client) Status(ctx context.Context, now time.Time) (map[types.RitualType]types.Gate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	done := schedule.KeySet{}
	for _, ritual := range types.AllRituals {
		key := types.KeyFor(ritual, now)
		_, err := c.store.GetCompletion(ctx, ritual, key)
		switch {
		case err == nil:
			done.Add(ritual, key)
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, fmt.Errorf("load completion %s/%s: %w", ritual, key, err)
		}
	}

	return c.gates.Availability(now, done), nil
}

// Streak returns the cached streak record, computing one from the local
// cache when none exists yet.
func (c *Client) Streak(ctx context.Context) (types.StreakRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return types.StreakRecord{}, ErrClosed
	}

	rec, err := c.store.LoadStreak(ctx)
	if err == nil {
		return *rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return types.StreakRecord{}, fmt.Errorf("load streak: %w", err)
	}

	fresh, err := c.computeStreak(ctx, time.Now())
	if err != nil {
		return types.StreakRecord{}, err
	}
	if err := c.store.SaveStreak(ctx, fresh); err != nil {
		return types.StreakRecord{}, fmt.Errorf("cache streak: %w", err)
	}
	return fresh, nil
}

// computeStreak rebuilds the streak record from the cached anchor (morning)
// completions. Other rituals never extend the streak.
func (c *Client) computeStreak(ctx context.Context, now time.Time) (types.StreakRecord, error) {
	toKey := types.DayKey(now)
	fromKey := types.DayKeyAdd(toKey, -c.streaks.LookbackDays())

	completions, err := c.store.ListCompletions(ctx, types.RitualMorning, fromKey, toKey)
	if err != nil {
		return types.StreakRecord{}, fmt.Errorf("list morning completions: %w", err)
	}
	dateKeys := make([]string, 0, len(completions))
	for _, comp := range completions {
		dateKeys = append(dateKeys, comp.DateKey)
	}

	var history []types.BreakEntry
	prior, err := c.store.LoadStreak(ctx)
	switch {
	case err == nil:
		history = prior.BreakHistory
	case errors.Is(err, store.ErrNotFound):
		// First computation; no prior history.
	default:
		return types.StreakRecord{}, fmt.Errorf("load streak cache: %w", err)
	}

	return c.streaks.Compute(dateKeys, now, history), nil
}

// Pending returns queued mutations awaiting delivery, oldest first.
func (c *Client) Pending(ctx context.Context) ([]types.QueuedMutation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.queue.PeekPending(ctx)
}

// QueueSize returns the number of queued mutations, for UI badges.
func (c *Client) QueueSize(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	return c.queue.Size(ctx)
}

// SyncNow runs one full sync cycle immediately.
func (c *Client) SyncNow(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	if c.syncer == nil {
		return ErrOffline
	}
	return c.syncer.Sync(ctx)
}

// Network returns the current connectivity snapshot. With no remote
// configured the client reports offline.
func (c *Client) Network() types.NetworkStatus {
	if c.monitor == nil {
		return types.NetworkStatus{IsOnline: false}
	}
	return c.monitor.Status()
}

// Subscribe returns a channel of engine events (sync lifecycle, network
// transitions, reminders) and a cancel function.
func (c *Client) Subscribe() (<-chan events.Event, func()) {
	return c.bus.Subscribe()
}

// Degraded reports whether the client lost its durable store and is running
// on the in-memory fallback, where queued work does not survive a restart.
func (c *Client) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}
