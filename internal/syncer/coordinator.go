// Package syncer coordinates the sync cycle: drain the offline mutation
// queue, refresh the local completion cache from the canonical remote state,
// and recompute the cached streak. Cycles run on an interval, on network
// recovery, and on explicit request.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/ritual/internal/events"
	"github.com/hyperengineering/ritual/internal/store"
	"github.com/hyperengineering/ritual/internal/streak"
	"github.com/hyperengineering/ritual/internal/transport"
	"github.com/hyperengineering/ritual/internal/types"
)

// Drainer replays queued mutations against the remote. Implemented by
// queue.Queue.
type Drainer interface {
	Drain(ctx context.Context, remote transport.Remote) (types.DrainResult, error)
}

// Store is the slice of persistence the coordinator needs.
type Store interface {
	ListCompletions(ctx context.Context, ritual types.RitualType, fromKey, toKey string) ([]types.Completion, error)
	ReplaceCompletions(ctx context.Context, ritual types.RitualType, fromKey, toKey string, canonical []types.Completion) error
	LoadStreak(ctx context.Context) (*types.StreakRecord, error)
	SaveStreak(ctx context.Context, rec types.StreakRecord) error
	SetMeta(ctx context.Context, key, value string) error
}

// Network reports connectivity. Implemented by netmon.Monitor; a nil network
// means always-online.
type Network interface {
	Status() types.NetworkStatus
}

const defaultInterval = 30 * time.Second

// Options configures the coordinator.
type Options struct {
	// Interval is the periodic sync cadence.
	Interval time.Duration
	// LookbackDays bounds the canonical refresh window and streak input.
	LookbackDays int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.LookbackDays <= 0 {
		o.LookbackDays = streak.DefaultLookbackDays
	}
	return o
}

// Coordinator runs the sync loop.
type Coordinator struct {
	store   Store
	drainer Drainer
	remote  transport.Remote
	network Network
	streaks *streak.Engine
	bus     *events.Bus
	opts    Options

	kick chan chan error
}

// New creates a coordinator. The streak engine must not be nil; network and
// bus may be.
func New(s Store, d Drainer, remote transport.Remote, network Network, streaks *streak.Engine, bus *events.Bus, opts Options) *Coordinator {
	return &Coordinator{
		store:   s,
		drainer: d,
		remote:  remote,
		network: network,
		streaks: streaks,
		bus:     bus,
		opts:    opts.withDefaults(),
		kick:    make(chan chan error, 1),
	}
}

// Run executes sync cycles until the context is cancelled. A cycle runs
// immediately on start, then on each tick, on every network-recovery event,
// and on every SyncNow call.
func (c *Coordinator) Run(ctx context.Context) {
	slog.Info("sync coordinator started",
		"component", "syncer",
		"interval", c.opts.Interval,
	)

	var recovery <-chan events.Event
	if c.bus != nil {
		sub, cancel := c.bus.Subscribe()
		defer cancel()
		recovery = sub
	}

	c.runCycle(ctx, "startup")

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync coordinator stopped", "component", "syncer")
			return
		case <-ticker.C:
			c.runCycle(ctx, "interval")
		case evt, ok := <-recovery:
			if !ok {
				recovery = nil
				continue
			}
			if evt.Type != events.NetworkStatus {
				continue
			}
			if status, ok := evt.Payload.(types.NetworkStatus); ok && status.IsOnline && status.WasOffline {
				c.runCycle(ctx, "recovery")
			}
		case reply := <-c.kick:
			reply <- c.runCycle(ctx, "manual")
		}
	}
}

// SyncNow requests an immediate cycle from the running loop and waits for its
// outcome. Callers not running the loop can use Sync directly.
func (c *Coordinator) SyncNow(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case c.kick <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync runs one synchronous cycle outside the loop.
func (c *Coordinator) Sync(ctx context.Context) error {
	return c.runCycle(ctx, "direct")
}

// runCycle drains the queue, refreshes the canonical cache, and recomputes
// the streak. Offline cycles are skipped silently; the recovery event will
// trigger the catch-up.
func (c *Coordinator) runCycle(ctx context.Context, trigger string) error {
	if c.network != nil && !c.network.Status().IsOnline {
		slog.Debug("sync skipped while offline", "component", "syncer", "trigger", trigger)
		return nil
	}

	started := time.Now()
	c.publish(events.SyncStart, trigger)

	result, err := c.drainer.Drain(ctx, c.remote)
	if err != nil {
		c.publish(events.SyncError, err)
		slog.Error("queue drain failed",
			"component", "syncer",
			"trigger", trigger,
			"error", err,
		)
		return fmt.Errorf("drain queue: %w", err)
	}

	if err := c.refresh(ctx); err != nil {
		c.publish(events.SyncError, err)
		slog.Error("canonical refresh failed",
			"component", "syncer",
			"trigger", trigger,
			"error", err,
		)
		return err
	}

	if err := c.store.SetMeta(ctx, store.MetaLastSyncAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("recording sync marker failed", "component", "syncer", "error", err)
	}

	c.publish(events.SyncComplete, result)
	slog.Info("sync cycle complete",
		"component", "syncer",
		"trigger", trigger,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"dropped", result.Dropped,
		"duration", time.Since(started),
	)
	return nil
}

// refresh replaces the cached completions with the server's canonical state
// for the lookback window and recomputes the streak from it. The server
// response wins over any optimistic local write.
func (c *Coordinator) refresh(ctx context.Context) error {
	now := time.Now()
	from := now.AddDate(0, 0, -c.opts.LookbackDays)

	for _, ritual := range types.AllRituals {
		fromKey := types.KeyFor(ritual, from)
		toKey := types.KeyFor(ritual, now)

		canonical, err := c.remote.ListRange(ctx, ritual, fromKey, toKey)
		if err != nil {
			return fmt.Errorf("list %s range: %w", ritual, err)
		}
		if err := c.store.ReplaceCompletions(ctx, ritual, fromKey, toKey, canonical); err != nil {
			return fmt.Errorf("replace %s completions: %w", ritual, err)
		}
	}

	return c.recomputeStreak(ctx, now)
}

// recomputeStreak rebuilds the streak record from the cached anchor (morning)
// completions. Other rituals never extend the streak.
func (c *Coordinator) recomputeStreak(ctx context.Context, now time.Time) error {
	fromKey := types.DayKeyAdd(types.DayKey(now), -c.opts.LookbackDays)
	toKey := types.DayKey(now)

	completions, err := c.store.ListCompletions(ctx, types.RitualMorning, fromKey, toKey)
	if err != nil {
		return fmt.Errorf("list cached morning completions: %w", err)
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
		return fmt.Errorf("load streak cache: %w", err)
	}

	record := c.streaks.Compute(dateKeys, now, history)
	if err := c.store.SaveStreak(ctx, record); err != nil {
		return fmt.Errorf("save streak cache: %w", err)
	}
	return nil
}

func (c *Coordinator) publish(t events.Type, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{Type: t, Payload: payload})
}
