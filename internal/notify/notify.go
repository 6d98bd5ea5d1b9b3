// Package notify schedules local ritual reminders. Each reminder is armed as
// a one-shot timer for a gate's opening instant and publishes a
// notification event on the bus when it fires. Re-arming an existing ritual's
// reminder cancels the previous timer first, so completing a ritual early
// silently withdraws its pending reminder.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/ritual/internal/events"
	"github.com/hyperengineering/ritual/internal/types"
)

// Reminder is the payload published when a scheduled reminder fires.
type Reminder struct {
	RitualType types.RitualType `json:"ritual_type"`
	DateKey    string           `json:"date_key"`
	FiresAt    time.Time        `json:"fires_at"`
}

// Scheduler arms and cancels one pending reminder per ritual type.
type Scheduler struct {
	bus *events.Bus

	mu     sync.Mutex
	timers map[types.RitualType]*time.Timer
	closed bool
}

// NewScheduler creates a scheduler publishing to the given bus.
func NewScheduler(bus *events.Bus) *Scheduler {
	return &Scheduler{
		bus:    bus,
		timers: make(map[types.RitualType]*time.Timer),
	}
}

// Schedule arms a reminder for the ritual at the given instant, replacing any
// pending reminder for the same ritual. Instants in the past fire
// immediately.
func (s *Scheduler) Schedule(ritual types.RitualType, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if existing, ok := s.timers[ritual]; ok {
		existing.Stop()
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.timers[ritual] = time.AfterFunc(delay, func() {
		s.fire(ritual, at)
	})

	slog.Debug("reminder armed",
		"component", "notify",
		"ritual", ritual,
		"fires_at", at,
	)
}

// ScheduleWindows arms reminders for every gate window that opens in the
// future. Windows already open are not re-announced.
func (s *Scheduler) ScheduleWindows(windows []types.GateWindow, now time.Time) {
	for _, w := range windows {
		if w.OpensAt.After(now) {
			s.Schedule(w.RitualType, w.OpensAt)
		}
	}
}

// Cancel withdraws the pending reminder for the ritual, if any.
func (s *Scheduler) Cancel(ritual types.RitualType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[ritual]; ok {
		existing.Stop()
		delete(s.timers, ritual)
	}
}

// Stop cancels all pending reminders. The scheduler cannot be reused.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for ritual, timer := range s.timers {
		timer.Stop()
		delete(s.timers, ritual)
	}
}

func (s *Scheduler) fire(ritual types.RitualType, at time.Time) {
	s.mu.Lock()
	delete(s.timers, ritual)
	closed := s.closed
	s.mu.Unlock()
	if closed || s.bus == nil {
		return
	}

	s.bus.Publish(events.Event{
		Type: events.NotificationDue,
		Payload: Reminder{
			RitualType: ritual,
			DateKey:    types.KeyFor(ritual, at),
			FiresAt:    at,
		},
	})
}
