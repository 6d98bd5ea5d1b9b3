package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// RitualType identifies a recurring tracked action.
type RitualType string

const (
	RitualMorning      RitualType = "morning"
	RitualEvening      RitualType = "evening"
	RitualWeeklyStart  RitualType = "weekly-start"
	RitualWeeklyReview RitualType = "weekly-review"
)

// AllRituals lists every known ritual type in display order.
var AllRituals = []RitualType{
	RitualMorning,
	RitualEvening,
	RitualWeeklyStart,
	RitualWeeklyReview,
}

// Weekly reports whether the ritual is tracked per ISO week rather than per day.
func (r RitualType) Weekly() bool {
	return r == RitualWeeklyStart || r == RitualWeeklyReview
}

// Valid reports whether the ritual type is one of the known kinds.
func (r RitualType) Valid() bool {
	switch r {
	case RitualMorning, RitualEvening, RitualWeeklyStart, RitualWeeklyReview:
		return true
	}
	return false
}

// DayKeyLayout is the canonical format for daily date keys.
const DayKeyLayout = "2006-01-02"

// DayKey returns the daily date key (YYYY-MM-DD) for the local calendar day of t.
func DayKey(t time.Time) string {
	return t.Format(DayKeyLayout)
}

// WeekKey returns the ISO week key (YYYY-Www) for the local calendar day of t.
func WeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// KeyFor returns the date key for a ritual at time t. Weekly rituals use the
// ISO week key; daily rituals use the calendar day key.
func KeyFor(r RitualType, t time.Time) string {
	if r.Weekly() {
		return WeekKey(t)
	}
	return DayKey(t)
}

// ParseDayKey parses a daily date key back into a midnight local time.
func ParseDayKey(key string) (time.Time, error) {
	t, err := time.ParseInLocation(DayKeyLayout, key, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date key %q: %w", key, err)
	}
	return t, nil
}

// DayKeyAdd returns the day key offset by the given number of days.
// Returns an empty string for malformed keys.
func DayKeyAdd(key string, days int) string {
	t, err := ParseDayKey(key)
	if err != nil {
		return ""
	}
	return DayKey(t.AddDate(0, 0, days))
}

// Completion is a single recorded ritual completion. The remote store owns the
// canonical record; the client holds a read-through cache keyed identically.
// At most one completion exists per (user, ritual type, date key): a later
// write for the same key supersedes.
type Completion struct {
	UserID     string          `json:"user_id,omitempty"`
	RitualType RitualType      `json:"ritual_type"`
	DateKey    string          `json:"date_key"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// TargetKey identifies the logical record a mutation applies to.
type TargetKey struct {
	RitualType RitualType `json:"ritual_type"`
	DateKey    string     `json:"date_key"`
}

func (k TargetKey) String() string {
	return string(k.RitualType) + "/" + k.DateKey
}

// MutationStatus is the lifecycle state of a queued mutation.
type MutationStatus string

const (
	MutationPending  MutationStatus = "pending"
	MutationInFlight MutationStatus = "in_flight"
	MutationFailed   MutationStatus = "failed"
)

// OperationUpsert is the only mutation operation. Upsert-by-key is what makes
// at-least-once delivery safe: re-delivery of an applied mutation is a no-op.
const OperationUpsert = "upsert"

// QueuedMutation is a pending write awaiting delivery to the remote store.
// The ID is client-generated and stable across retries. Generation increases
// each time the payload is coalesced, so an acknowledgement for an older
// generation does not discard a newer payload.
type QueuedMutation struct {
	ID            string          `json:"id"`
	Operation     string          `json:"operation"`
	TargetKey     TargetKey       `json:"target_key"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Attempts      int             `json:"attempts"`
	Status        MutationStatus  `json:"status"`
	Generation    int64           `json:"generation"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitempty"`
}

// DrainResult summarises one pass over the mutation queue.
type DrainResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
}

// Applied reports whether the drain delivered at least one mutation.
func (r DrainResult) Applied() bool { return r.Succeeded > 0 }

// BreakEntry records one streak break and, once the user resumes, the day the
// streak restarted.
type BreakEntry struct {
	BrokenAt  string `json:"broken_at"`
	ResumedAt string `json:"resumed_at,omitempty"`
}

// ReturnSpeed classifies how quickly a user resumed after a streak break.
type ReturnSpeed string

const (
	ReturnLightning ReturnSpeed = "lightning"
	ReturnFast      ReturnSpeed = "fast"
	ReturnSteady    ReturnSpeed = "steady"
)

// StreakRecord is the derived streak state for the anchor ritual. It is never
// mutated in place: every recomputation replaces the record wholesale.
type StreakRecord struct {
	CurrentStreak      int          `json:"current_streak"`
	LongestStreak      int          `json:"longest_streak"`
	LastCompletionDate string       `json:"last_completion_date,omitempty"`
	IsAtRisk           bool         `json:"is_at_risk"`
	BreakHistory       []BreakEntry `json:"break_history"`
	NextMilestone      int          `json:"next_milestone"`
	MilestoneProgress  int          `json:"milestone_progress"`
	SpeedOfReturn      ReturnSpeed  `json:"speed_of_return,omitempty"`
	ComputedAt         time.Time    `json:"computed_at"`
}

// MarshalJSON ensures a nil BreakHistory marshals as [] not null.
func (s StreakRecord) MarshalJSON() ([]byte, error) {
	if s.BreakHistory == nil {
		s.BreakHistory = []BreakEntry{}
	}
	type Alias StreakRecord
	return json.Marshal(Alias(s))
}

// DayType classifies a calendar day for gating purposes. Monday is
// distinguished from other weekdays for week-start gating.
type DayType string

const (
	DayWeekday DayType = "weekday"
	DayMonday  DayType = "monday"
	DayWeekend DayType = "weekend"
)

// Gate is the availability projection for one ritual kind.
type Gate struct {
	IsComplete  bool `json:"is_complete"`
	IsAvailable bool `json:"is_available"`
	IsRequired  bool `json:"is_required"`
}

// GateWindow describes when a ritual opens and closes. Derived and ephemeral;
// never persisted.
type GateWindow struct {
	RitualType RitualType `json:"ritual_type"`
	OpensAt    time.Time  `json:"opens_at"`
	ClosesAt   *time.Time `json:"closes_at,omitempty"`
	RequiredOn []DayType  `json:"required_on"`
}

// NetworkStatus is the connectivity signal exposed to consumers. WasOffline is
// a one-shot recovery pulse, not a durable state.
type NetworkStatus struct {
	IsOnline   bool `json:"is_online"`
	WasOffline bool `json:"was_offline"`
}
