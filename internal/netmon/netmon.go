// Package netmon watches remote reachability with a periodic probe and
// reports the offline-to-online transition so sync can be triggered
// immediately on recovery instead of waiting for the next interval.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/ritual/internal/events"
	"github.com/hyperengineering/ritual/internal/types"
)

// Pinger probes the remote. Implemented by transport.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	defaultProbeInterval  = 15 * time.Second
	defaultProbeTimeout   = 5 * time.Second
	defaultRecoveryWindow = 5 * time.Second
)

// Options configures the monitor's probe cadence.
type Options struct {
	// ProbeInterval is the time between reachability probes.
	ProbeInterval time.Duration
	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration
	// RecoveryWindow is how long Status reports WasOffline after an
	// offline-to-online transition before the flag decays.
	RecoveryWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = defaultProbeInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = defaultProbeTimeout
	}
	if o.RecoveryWindow <= 0 {
		o.RecoveryWindow = defaultRecoveryWindow
	}
	return o
}

// Monitor tracks connectivity by probing the remote on an interval.
// Transitions publish a network status event on the bus.
type Monitor struct {
	pinger Pinger
	bus    *events.Bus
	opts   Options

	mu          sync.Mutex
	online      bool
	everProbed  bool
	recoveredAt time.Time
}

// New creates a monitor. The monitor assumes online until the first probe
// says otherwise, so a fresh start never delays an initial sync.
func New(p Pinger, bus *events.Bus, opts Options) *Monitor {
	return &Monitor{
		pinger: p,
		bus:    bus,
		opts:   opts.withDefaults(),
		online: true,
	}
}

// Run probes until the context is cancelled. An immediate probe runs before
// the first tick.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("network monitor started",
		"component", "netmon",
		"probe_interval", m.opts.ProbeInterval,
	)

	m.probe(ctx)

	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("network monitor stopped", "component", "netmon")
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// probe runs one reachability check and records any transition.
func (m *Monitor) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	err := m.pinger.Ping(pctx)
	cancel()

	now := time.Now()
	online := err == nil

	m.mu.Lock()
	wasOnline := m.online
	first := !m.everProbed
	m.everProbed = true
	m.online = online
	recovered := online && !wasOnline
	if recovered {
		m.recoveredAt = now
	}
	m.mu.Unlock()

	if first && online {
		return
	}

	switch {
	case recovered:
		slog.Info("network recovered", "component", "netmon")
		m.publish(types.NetworkStatus{IsOnline: true, WasOffline: true})
	case !online && (wasOnline || first):
		slog.Warn("network unreachable", "component", "netmon", "error", err)
		m.publish(types.NetworkStatus{IsOnline: false})
	}
}

func (m *Monitor) publish(status types.NetworkStatus) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Type: events.NetworkStatus, Payload: status})
}

// Status returns the current connectivity snapshot. WasOffline is set for
// one recovery window after an offline-to-online transition, then decays.
func (m *Monitor) Status() types.NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasOffline := !m.recoveredAt.IsZero() && time.Since(m.recoveredAt) < m.opts.RecoveryWindow
	if !wasOffline {
		m.recoveredAt = time.Time{}
	}
	return types.NetworkStatus{IsOnline: m.online, WasOffline: wasOffline}
}

// ForceProbe runs a probe outside the ticker cadence, for manual sync paths
// that want a fresh verdict before deciding to drain.
func (m *Monitor) ForceProbe(ctx context.Context) types.NetworkStatus {
	m.probe(ctx)
	return m.Status()
}
