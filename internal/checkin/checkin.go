package checkin

import (
	"time"

	"centumAPI/internal/apperr"
	"centumAPI/internal/challenge"
)

const (
	// DefaultCutoffHour is the local hour before which a check-in still
	// counts toward the previous calendar day, so a user awake past
	// midnight can finish "yesterday".
	DefaultCutoffHour = 8

	// DefaultTargetDays is the length of a challenge.
	DefaultTargetDays = 100
)

// Rules holds the day-boundary and completion policy for check-ins.
// Both values are policy constants, configurable at construction.
type Rules struct {
	CutoffHour int
	TargetDays int
}

func DefaultRules() Rules {
	return Rules{CutoffHour: DefaultCutoffHour, TargetDays: DefaultTargetDays}
}

// EffectiveDay returns the calendar day a check-in performed at now is
// attributed to, truncated to midnight in now's location.
func (r Rules) EffectiveDay(now time.Time) time.Time {
	if now.Hour() < r.CutoffHour {
		now = now.AddDate(0, 0, -1)
	}
	return dayOf(now)
}

// StreakExpired reports whether at least one full calendar day was missed
// between the last check-in and the effective day. The comparison is in
// calendar days, not hours: a DST transition makes the wall-clock gap
// between consecutive local midnights 23 or 25 hours.
func StreakExpired(last, effectiveDay time.Time) bool {
	next := dayOf(last).AddDate(0, 0, 1)
	return dayOf(effectiveDay).After(next)
}

// StreakActive reports whether a challenge's streak is still alive at now,
// i.e. the last check-in is within one day of the current effective day.
func (r Rules) StreakActive(last *time.Time, now time.Time) bool {
	return last != nil && !StreakExpired(*last, r.EffectiveDay(now))
}

// Apply validates a check-in at now against c and mutates c to the next
// state. It returns apperr.ErrChallengeCompleted or
// apperr.ErrAlreadyCheckedIn without touching c when the check-in is
// rejected. Callers must serialize Apply per challenge.
func (r Rules) Apply(c *challenge.Challenge, now time.Time) error {
	if c.Completed(r.TargetDays) {
		return apperr.ErrChallengeCompleted
	}

	day := r.EffectiveDay(now)
	if c.LastCheckInDate != nil && sameDay(*c.LastCheckInDate, day) {
		return apperr.ErrAlreadyCheckedIn
	}

	if c.LastCheckInDate != nil && StreakExpired(*c.LastCheckInDate, day) {
		c.StreakCount = 0
	}

	c.LastCheckInDate = &day
	c.CompletedToday = true
	c.StreakCount++
	c.DaysCompleted++

	if c.DaysCompleted >= r.TargetDays {
		c.Archived = true
	}

	c.LastModified = now
	return nil
}

// RecomputeToday refreshes the derived completed-today flag against now and
// reports whether it changed. Run on every challenge loaded from the remote
// store or cache, since the stored flag goes stale at the day boundary.
func (r Rules) RecomputeToday(c *challenge.Challenge, now time.Time) bool {
	today := c.LastCheckInDate != nil && sameDay(*c.LastCheckInDate, r.EffectiveDay(now))
	if c.CompletedToday == today {
		return false
	}
	c.CompletedToday = today
	return true
}

// ResetIfMissed zeroes an expired streak on an active challenge. It returns
// true when c changed and needs persisting. Invoked opportunistically during
// refresh so displayed streaks stay honest without user interaction.
func (r Rules) ResetIfMissed(c *challenge.Challenge, now time.Time) bool {
	if c.Archived || c.LastCheckInDate == nil || c.StreakCount == 0 {
		return false
	}
	if !StreakExpired(*c.LastCheckInDate, r.EffectiveDay(now)) {
		return false
	}
	c.StreakCount = 0
	c.CompletedToday = false
	c.LastModified = now
	return true
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
