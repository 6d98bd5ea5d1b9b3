// Package schedule derives ritual gating from wall-clock time and a day-type
// calendar. Everything here is a pure projection: no I/O, no stored state.
package schedule

import (
	"time"

	"github.com/hyperengineering/ritual/internal/types"
)

// DefaultEveningCutoffHour is the local-time boundary after which evening
// rituals open.
const DefaultEveningCutoffHour = 17

// Classification is the day-type output for a single instant.
type Classification struct {
	DayType           types.DayType
	PastEveningCutoff bool
}

// Classifier maps an instant to its day type and evening-cutoff flag.
// The zero value uses the default cutoff hour.
type Classifier struct {
	cutoff int // configured hour + 1; zero means unset
}

// NewClassifier returns a Classifier with the given evening cutoff hour.
// Midnight (0) is a valid cutoff; hours outside [0,23] fall back to the
// default.
func NewClassifier(cutoffHour int) Classifier {
	if cutoffHour < 0 || cutoffHour > 23 {
		cutoffHour = DefaultEveningCutoffHour
	}
	return Classifier{cutoff: cutoffHour + 1}
}

// Classify is total over any instant and never fails.
func (c Classifier) Classify(now time.Time) Classification {
	cutoff := c.cutoff - 1
	if c.cutoff == 0 {
		cutoff = DefaultEveningCutoffHour
	}

	var day types.DayType
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		day = types.DayWeekend
	case time.Monday:
		day = types.DayMonday
	default:
		day = types.DayWeekday
	}

	return Classification{
		DayType:           day,
		PastEveningCutoff: now.Hour() >= cutoff,
	}
}

// startOfDay returns midnight of the calendar day containing t.
func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// startOfISOWeek returns midnight of the Monday beginning t's ISO week.
func startOfISOWeek(t time.Time) time.Time {
	day := startOfDay(t)
	offset := int(day.Weekday()) - int(time.Monday)
	if offset < 0 {
		offset += 7 // Sunday
	}
	return day.AddDate(0, 0, -offset)
}
