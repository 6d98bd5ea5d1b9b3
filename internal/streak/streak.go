// Package streak derives streak and recovery state from a sparse completion
// history for the anchor (morning) ritual. Computation is deterministic over
// the de-duplicated set of completion date keys; records are always replaced
// wholesale, never mutated in place.
package streak

import (
	"math"
	"sort"
	"time"

	"github.com/hyperengineering/ritual/internal/types"
)

// DefaultLookbackDays bounds the backward walk when counting the current streak.
const DefaultLookbackDays = 365

// DefaultMilestones is the fixed ascending milestone sequence.
var DefaultMilestones = []int{7, 14, 30, 60, 100, 365}

// Engine computes streak records. Safe for concurrent use; it holds no
// mutable state.
type Engine struct {
	lookbackDays int
	milestones   []int
}

// NewEngine returns a streak engine. Zero or negative lookback and an empty
// milestone list fall back to the defaults.
func NewEngine(lookbackDays int, milestones []int) *Engine {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	if len(milestones) == 0 {
		milestones = DefaultMilestones
	}
	return &Engine{lookbackDays: lookbackDays, milestones: milestones}
}

// LookbackDays returns the configured backward-walk bound.
func (e *Engine) LookbackDays() int { return e.lookbackDays }

// Compute derives a fresh StreakRecord from the completion date keys and the
// prior break history. Malformed date keys are skipped rather than failing;
// the engine is total over its inputs.
//
// The current streak walks backward from today. A missing completion for
// today itself is grace, not a break: the walk continues to yesterday, so the
// streak counts consecutive days ending at the most recent completed day at
// or before today.
func (e *Engine) Compute(dateKeys []string, now time.Time, history []types.BreakEntry) types.StreakRecord {
	completed := make(map[string]struct{}, len(dateKeys))
	valid := make([]string, 0, len(dateKeys))
	for _, key := range dateKeys {
		if _, err := types.ParseDayKey(key); err != nil {
			continue
		}
		if _, seen := completed[key]; seen {
			continue
		}
		completed[key] = struct{}{}
		valid = append(valid, key)
	}
	sort.Strings(valid)

	today := types.DayKey(now)
	yesterday := types.DayKey(now.AddDate(0, 0, -1))

	current := e.currentStreak(completed, now)
	longest := longestRun(valid)
	if current > longest {
		longest = current
	}

	var last string
	if len(valid) > 0 {
		last = valid[len(valid)-1]
	}

	_, todayDone := completed[today]
	_, yesterdayDone := completed[yesterday]

	record := types.StreakRecord{
		CurrentStreak:      current,
		LongestStreak:      longest,
		LastCompletionDate: last,
		IsAtRisk:           !todayDone && yesterdayDone,
		BreakHistory:       cloneHistory(history),
		ComputedAt:         now,
	}

	record.NextMilestone, record.MilestoneProgress = e.milestone(current)
	e.reconcileBreaks(&record, completed, now)
	return record
}

// currentStreak walks backward from today, with the i==0 grace rule.
func (e *Engine) currentStreak(completed map[string]struct{}, now time.Time) int {
	streak := 0
	for i := 0; i < e.lookbackDays; i++ {
		check := types.DayKey(now.AddDate(0, 0, -i))
		if _, ok := completed[check]; ok {
			streak++
			continue
		}
		if i > 0 {
			break
		}
	}
	return streak
}

// longestRun scans the ascending key list once, extending a run on each
// one-day delta and resetting otherwise.
func longestRun(ascending []string) int {
	if len(ascending) == 0 {
		return 0
	}
	longest, run := 1, 1
	for i := 1; i < len(ascending); i++ {
		if types.DayKeyAdd(ascending[i-1], 1) == ascending[i] {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

// milestone returns the nearest upcoming milestone and rounded progress.
// Past the final milestone, progress pins at 100.
func (e *Engine) milestone(current int) (int, int) {
	target := e.milestones[len(e.milestones)-1]
	for _, m := range e.milestones {
		if m > current {
			target = m
			break
		}
	}
	progress := int(math.Round(float64(current) / float64(target) * 100))
	if progress > 100 {
		progress = 100
	}
	return target, progress
}

// reconcileBreaks records a new break when the streak has collapsed, resolves
// the open break entry once the user resumes, and classifies the speed of
// return. Recording is idempotent per distinct break.
func (e *Engine) reconcileBreaks(record *types.StreakRecord, completed map[string]struct{}, now time.Time) {
	if record.CurrentStreak == 0 {
		if record.LastCompletionDate == "" {
			return // no prior history, nothing broke
		}
		brokenAt := types.DayKeyAdd(record.LastCompletionDate, 1)
		record.BreakHistory = RecordBreak(record.BreakHistory, brokenAt)
		return
	}

	if len(record.BreakHistory) == 0 {
		return
	}
	latest := &record.BreakHistory[len(record.BreakHistory)-1]
	if latest.ResumedAt == "" {
		// First day of the current run: the run ends today or, under grace,
		// yesterday.
		end := now
		if _, ok := completed[types.DayKey(now)]; !ok {
			end = now.AddDate(0, 0, -1)
		}
		latest.ResumedAt = types.DayKey(end.AddDate(0, 0, -(record.CurrentStreak - 1)))
	}
	record.SpeedOfReturn = classify(latest.BrokenAt, latest.ResumedAt)
}

// RecordBreak appends a break entry for brokenAt unless one is already
// recorded, making repeated calls for the same break a no-op.
func RecordBreak(history []types.BreakEntry, brokenAt string) []types.BreakEntry {
	if brokenAt == "" {
		return history
	}
	for _, b := range history {
		if b.BrokenAt == brokenAt {
			return history
		}
	}
	return append(history, types.BreakEntry{BrokenAt: brokenAt})
}

// ClassifyReturn buckets a resumption gap in days. The buckets are ordered and
// mutually exclusive: 1 day is lightning, 2-3 days fast, anything longer steady.
func ClassifyReturn(gapDays int) types.ReturnSpeed {
	switch {
	case gapDays <= 1:
		return types.ReturnLightning
	case gapDays <= 3:
		return types.ReturnFast
	default:
		return types.ReturnSteady
	}
}

func classify(brokenAt, resumedAt string) types.ReturnSpeed {
	broken, err := types.ParseDayKey(brokenAt)
	if err != nil {
		return ""
	}
	resumed, err := types.ParseDayKey(resumedAt)
	if err != nil {
		return ""
	}
	gap := daysBetween(broken, resumed)
	if gap < 0 {
		return ""
	}
	return ClassifyReturn(gap)
}

// daysBetween counts calendar days from a to b, immune to DST-length days.
func daysBetween(a, b time.Time) int {
	au := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bu := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bu.Sub(au) / (24 * time.Hour))
}

func cloneHistory(history []types.BreakEntry) []types.BreakEntry {
	if history == nil {
		return nil
	}
	out := make([]types.BreakEntry, len(history))
	copy(out, history)
	return out
}
