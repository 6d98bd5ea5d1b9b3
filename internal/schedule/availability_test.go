package schedule

import (
	"testing"
	"time"

	"github.com/hyperengineering/ritual/internal/types"
)

func newEngine() *Engine {
	return NewEngine(NewClassifier(DefaultEveningCutoffHour))
}

// TestGatingTable covers the fixed gating scenarios.
func TestGatingTable(t *testing.T) {
	tests := []struct {
		name   string
		at     time.Time
		done   func(KeySet)
		ritual types.RitualType
		want   types.Gate
	}{
		{
			name:   "tuesday 09:00 morning open",
			at:     time.Date(2025, 8, 26, 9, 0, 0, 0, time.Local),
			ritual: types.RitualMorning,
			want:   types.Gate{IsAvailable: true, IsRequired: true},
		},
		{
			name:   "tuesday 09:00 evening gated",
			at:     time.Date(2025, 8, 26, 9, 0, 0, 0, time.Local),
			ritual: types.RitualEvening,
			want:   types.Gate{},
		},
		{
			name:   "tuesday 18:00 evening open",
			at:     time.Date(2025, 8, 26, 18, 0, 0, 0, time.Local),
			ritual: types.RitualEvening,
			want:   types.Gate{IsAvailable: true, IsRequired: true},
		},
		{
			name:   "saturday morning closed",
			at:     time.Date(2025, 8, 30, 10, 0, 0, 0, time.Local),
			ritual: types.RitualMorning,
			want:   types.Gate{},
		},
		{
			name:   "saturday weekly review open",
			at:     time.Date(2025, 8, 30, 10, 0, 0, 0, time.Local),
			ritual: types.RitualWeeklyReview,
			want:   types.Gate{IsAvailable: true, IsRequired: true},
		},
		{
			name:   "wednesday 10:00 weekly start open",
			at:     time.Date(2025, 8, 27, 10, 0, 0, 0, time.Local),
			ritual: types.RitualWeeklyStart,
			want:   types.Gate{IsAvailable: true, IsRequired: true},
		},
		{
			name:   "thursday 10:00 weekly start window closed",
			at:     time.Date(2025, 8, 28, 10, 0, 0, 0, time.Local),
			ritual: types.RitualWeeklyStart,
			want:   types.Gate{},
		},
		{
			name: "weekly start done this week closes early",
			at:   time.Date(2025, 8, 26, 10, 0, 0, 0, time.Local),
			done: func(s KeySet) {
				s.Add(types.RitualWeeklyStart, "2025-W35")
			},
			ritual: types.RitualWeeklyStart,
			want:   types.Gate{IsComplete: true},
		},
		{
			name: "morning done today stays available but not required",
			at:   time.Date(2025, 8, 26, 11, 0, 0, 0, time.Local),
			done: func(s KeySet) {
				s.Add(types.RitualMorning, "2025-08-26")
			},
			ritual: types.RitualMorning,
			want:   types.Gate{IsComplete: true, IsAvailable: true},
		},
		{
			name: "evening done today stays available but not required",
			at:   time.Date(2025, 8, 26, 19, 0, 0, 0, time.Local),
			done: func(s KeySet) {
				s.Add(types.RitualEvening, "2025-08-26")
			},
			ritual: types.RitualEvening,
			want:   types.Gate{IsComplete: true, IsAvailable: true},
		},
		{
			name: "weekly review done stays available on weekend",
			at:   time.Date(2025, 8, 31, 9, 0, 0, 0, time.Local),
			done: func(s KeySet) {
				s.Add(types.RitualWeeklyReview, "2025-W35")
			},
			ritual: types.RitualWeeklyReview,
			want:   types.Gate{IsComplete: true, IsAvailable: true},
		},
		{
			name:   "monday morning open",
			at:     time.Date(2025, 8, 25, 8, 0, 0, 0, time.Local),
			ritual: types.RitualMorning,
			want:   types.Gate{IsAvailable: true, IsRequired: true},
		},
		{
			name:   "sunday weekly start closed",
			at:     time.Date(2025, 8, 31, 10, 0, 0, 0, time.Local),
			ritual: types.RitualWeeklyStart,
			want:   types.Gate{},
		},
	}

	eng := newEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := KeySet{}
			if tt.done != nil {
				tt.done(done)
			}
			got := eng.Gate(tt.ritual, tt.at, done)
			if got != tt.want {
				t.Errorf("Gate(%s) = %+v, want %+v", tt.ritual, got, tt.want)
			}
		})
	}
}

func TestAvailabilityCoversAllRituals(t *testing.T) {
	eng := newEngine()
	gates := eng.Availability(time.Date(2025, 8, 26, 9, 0, 0, 0, time.Local), KeySet{})
	if len(gates) != len(types.AllRituals) {
		t.Fatalf("expected %d gates, got %d", len(types.AllRituals), len(gates))
	}
	for _, r := range types.AllRituals {
		if _, ok := gates[r]; !ok {
			t.Errorf("missing gate for %s", r)
		}
	}
}

func TestAvailabilityNilCompletionSet(t *testing.T) {
	eng := newEngine()
	gates := eng.Availability(time.Date(2025, 8, 26, 9, 0, 0, 0, time.Local), nil)
	if gates[types.RitualMorning].IsComplete {
		t.Error("nil completion set should mean nothing is complete")
	}
}

func TestWindows(t *testing.T) {
	eng := newEngine()
	now := time.Date(2025, 8, 28, 15, 0, 0, 0, time.Local) // Thursday
	windows := eng.Windows(now)

	byRitual := map[types.RitualType]types.GateWindow{}
	for _, w := range windows {
		byRitual[w.RitualType] = w
	}

	evening := byRitual[types.RitualEvening]
	if evening.OpensAt.Hour() != DefaultEveningCutoffHour {
		t.Errorf("evening window opens at %d:00, want %d:00", evening.OpensAt.Hour(), DefaultEveningCutoffHour)
	}

	weeklyStart := byRitual[types.RitualWeeklyStart]
	if weeklyStart.OpensAt.Weekday() != time.Monday {
		t.Errorf("weekly start opens on %s, want Monday", weeklyStart.OpensAt.Weekday())
	}
	if weeklyStart.ClosesAt == nil || weeklyStart.ClosesAt.Weekday() != time.Thursday {
		t.Error("weekly start window should close at end of Wednesday")
	}

	review := byRitual[types.RitualWeeklyReview]
	if review.OpensAt.Weekday() != time.Saturday {
		t.Errorf("weekly review opens on %s, want Saturday", review.OpensAt.Weekday())
	}
}
