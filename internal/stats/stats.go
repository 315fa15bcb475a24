// Package stats is the read-only rollup over the challenge list. It is a
// pure downstream consumer: it recomputes on every change notification and
// never writes back to the challenge service.
package stats

import (
	"context"
	"sync"
	"time"

	"centumAPI/internal/bus"
	"centumAPI/internal/challenge"
	"centumAPI/internal/checkin"
)

type UserMetrics struct {
	TotalChallenges      int        `json:"total_challenges"`
	ActiveChallenges     int        `json:"active_challenges"`
	CompletedChallenges  int        `json:"completed_challenges"`
	CurrentStreak        int        `json:"current_streak"`
	LongestStreak        int        `json:"longest_streak"`
	CompletionPercentage float64    `json:"overall_completion_percentage"`
	LastCheckInDate      *time.Time `json:"last_check_in_date,omitempty"`
}

// Compute derives the user-level rollup from a challenge list. Deterministic
// in (list, now, rules); feeding synthetic lists makes it independently
// testable.
func Compute(list []*challenge.Challenge, now time.Time, rules checkin.Rules) UserMetrics {
	m := UserMetrics{TotalChallenges: len(list)}

	var totalDays int
	for _, c := range list {
		totalDays += c.DaysCompleted

		if c.Archived {
			if c.Completed(rules.TargetDays) {
				m.CompletedChallenges++
			}
		} else {
			m.ActiveChallenges++
			// Only unexpired streaks on active challenges count as current.
			if rules.StreakActive(c.LastCheckInDate, now) && c.StreakCount > m.CurrentStreak {
				m.CurrentStreak = c.StreakCount
			}
		}

		if c.StreakCount > m.LongestStreak {
			m.LongestStreak = c.StreakCount
		}
		if c.LastCheckInDate != nil &&
			(m.LastCheckInDate == nil || c.LastCheckInDate.After(*m.LastCheckInDate)) {
			d := *c.LastCheckInDate
			m.LastCheckInDate = &d
		}
	}

	if len(list) > 0 {
		pct := float64(totalDays) / float64(len(list)*rules.TargetDays)
		if pct < 0 {
			pct = 0
		}
		if pct > 1 {
			pct = 1
		}
		m.CompletionPercentage = pct
	}

	return m
}

// ListReader is the slice of the challenge service the aggregator needs.
type ListReader interface {
	SessionUserIDs() []string
	All(userID string) []*challenge.Challenge
}

// Aggregator keeps per-user metrics current by listening to the change bus.
type Aggregator struct {
	reader ListReader
	rules  checkin.Rules
	now    func() time.Time

	mu      sync.RWMutex
	metrics map[string]UserMetrics
}

func NewAggregator(reader ListReader, rules checkin.Rules) *Aggregator {
	return &Aggregator{
		reader:  reader,
		rules:   rules,
		now:     time.Now,
		metrics: make(map[string]UserMetrics),
	}
}

// Start recomputes on every bus signal until ctx is cancelled. Signals carry
// no payload; the aggregator re-reads through the service accessors, so a
// repeated signal is harmless.
func (a *Aggregator) Start(ctx context.Context, changes *bus.Bus) {
	ch, cancel := changes.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				a.RecomputeAll()
			}
		}
	}()
}

// RecomputeAll refreshes the rollup for every live session.
func (a *Aggregator) RecomputeAll() {
	now := a.now()
	fresh := make(map[string]UserMetrics)
	for _, userID := range a.reader.SessionUserIDs() {
		fresh[userID] = Compute(a.reader.All(userID), now, a.rules)
	}

	a.mu.Lock()
	a.metrics = fresh
	a.mu.Unlock()
}

// Metrics returns the rollup for userID, computing it on the spot when no
// notification has arrived for that user yet.
func (a *Aggregator) Metrics(userID string) UserMetrics {
	a.mu.RLock()
	m, ok := a.metrics[userID]
	a.mu.RUnlock()
	if ok {
		return m
	}
	return Compute(a.reader.All(userID), a.now(), a.rules)
}
