package schedule

import (
	"time"

	"github.com/hyperengineering/ritual/internal/types"
)

// CompletionSet answers completion lookups keyed by (ritual type, date key).
// Weekly rituals are keyed by ISO week rather than calendar day.
type CompletionSet interface {
	Has(ritual types.RitualType, dateKey string) bool
}

// KeySet is an in-memory CompletionSet backed by a map.
type KeySet map[types.TargetKey]struct{}

// Add marks a (ritual, dateKey) pair as completed.
func (s KeySet) Add(ritual types.RitualType, dateKey string) {
	s[types.TargetKey{RitualType: ritual, DateKey: dateKey}] = struct{}{}
}

// Has reports whether the pair is completed.
func (s KeySet) Has(ritual types.RitualType, dateKey string) bool {
	_, ok := s[types.TargetKey{RitualType: ritual, DateKey: dateKey}]
	return ok
}

// Engine computes per-ritual availability. It behaves as a Moore machine whose
// state is (dayType, pastCutoff, completionSet) — recomputed on every query,
// never persisted.
type Engine struct {
	classifier Classifier
}

// NewEngine returns an availability engine using the given classifier.
func NewEngine(classifier Classifier) *Engine {
	return &Engine{classifier: classifier}
}

// Availability returns the gate tuple for every ritual kind at the given
// instant. Fixed policy:
//
//   - morning: weekday/monday only, never on weekends
//   - evening: weekday/monday, and only past the evening cutoff
//   - weekly-start: Monday through Wednesday, until completed this ISO week
//   - weekly-review: weekend only
//
// A daily ritual already completed today stays available (re-doable) but is
// no longer required.
func (e *Engine) Availability(now time.Time, done CompletionSet) map[types.RitualType]types.Gate {
	cls := e.classifier.Classify(now)

	gates := make(map[types.RitualType]types.Gate, len(types.AllRituals))
	for _, r := range types.AllRituals {
		gates[r] = e.gate(r, cls, now, done)
	}
	return gates
}

// Gate returns the availability tuple for a single ritual kind.
func (e *Engine) Gate(ritual types.RitualType, now time.Time, done CompletionSet) types.Gate {
	return e.gate(ritual, e.classifier.Classify(now), now, done)
}

func (e *Engine) gate(ritual types.RitualType, cls Classification, now time.Time, done CompletionSet) types.Gate {
	complete := done != nil && done.Has(ritual, types.KeyFor(ritual, now))
	onWeekday := cls.DayType == types.DayWeekday || cls.DayType == types.DayMonday

	var available, required bool
	switch ritual {
	case types.RitualMorning:
		available = onWeekday
		required = onWeekday && !complete

	case types.RitualEvening:
		open := onWeekday && cls.PastEveningCutoff
		available = open
		required = open && !complete

	case types.RitualWeeklyStart:
		// "Can still complete": Monday through Wednesday and not yet done
		// this ISO week. Required exactly when available.
		inWindow := false
		switch now.Weekday() {
		case time.Monday, time.Tuesday, time.Wednesday:
			inWindow = true
		}
		available = inWindow && !complete
		required = available

	case types.RitualWeeklyReview:
		open := cls.DayType == types.DayWeekend
		available = open
		required = open && !complete
	}

	return types.Gate{
		IsComplete:  complete,
		IsAvailable: available,
		IsRequired:  required,
	}
}

// Windows returns the derived gate windows for the period containing now.
func (e *Engine) Windows(now time.Time) []types.GateWindow {
	day := startOfDay(now)
	week := startOfISOWeek(now)

	cutoffHour := e.classifier.cutoff - 1
	if e.classifier.cutoff == 0 {
		cutoffHour = DefaultEveningCutoffHour
	}
	cutoff := day.Add(time.Duration(cutoffHour) * time.Hour)

	weeklyStartCloses := week.AddDate(0, 0, 3) // end of Wednesday
	saturday := week.AddDate(0, 0, 5)
	weekendCloses := week.AddDate(0, 0, 7)

	return []types.GateWindow{
		{
			RitualType: types.RitualMorning,
			OpensAt:    day,
			RequiredOn: []types.DayType{types.DayMonday, types.DayWeekday},
		},
		{
			RitualType: types.RitualEvening,
			OpensAt:    cutoff,
			RequiredOn: []types.DayType{types.DayMonday, types.DayWeekday},
		},
		{
			RitualType: types.RitualWeeklyStart,
			OpensAt:    week,
			ClosesAt:   &weeklyStartCloses,
			RequiredOn: []types.DayType{types.DayMonday, types.DayWeekday},
		},
		{
			RitualType: types.RitualWeeklyReview,
			OpensAt:    saturday,
			ClosesAt:   &weekendCloses,
			RequiredOn: []types.DayType{types.DayWeekend},
		},
	}
}
