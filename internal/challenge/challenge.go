package challenge

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SyncState tracks whether a locally applied mutation has reached the
// remote store yet.
type SyncState string

const (
	SyncSynced  SyncState = "synced"
	SyncPending SyncState = "pending"
	SyncFailed  SyncState = "failed"
)

type Challenge struct {
	ID              uuid.UUID  `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Title           string     `json:"title"`
	StartDate       time.Time  `json:"start_date"`
	LastCheckInDate *time.Time `json:"last_check_in_date,omitempty"`
	StreakCount     int        `json:"streak_count"`
	DaysCompleted   int        `json:"days_completed"`
	CompletedToday  bool       `json:"is_completed_today"`
	Archived        bool       `json:"is_archived"`
	LastModified    time.Time  `json:"last_modified"`
	SyncState       SyncState  `json:"sync_state"`
}

// Completed reports whether the challenge has reached its target day count.
func (c *Challenge) Completed(targetDays int) bool {
	return c.DaysCompleted >= targetDays
}

// Clone returns a deep copy so callers never hold aliases into the
// service's canonical list.
func (c *Challenge) Clone() *Challenge {
	cp := *c
	if c.LastCheckInDate != nil {
		d := *c.LastCheckInDate
		cp.LastCheckInDate = &d
	}
	return &cp
}

// SortChallenges orders the list for display: non-archived before archived,
// most recently modified first within each group. The first element of the
// active group is what single-challenge UI surfaces treat as "the" challenge.
func SortChallenges(list []*Challenge) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Archived != list[j].Archived {
			return !list[i].Archived
		}
		return list[i].LastModified.After(list[j].LastModified)
	})
}

// ToDoc converts the challenge into the generic document shape the remote
// store adapter works with.
func (c *Challenge) ToDoc() (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal challenge %s: %w", c.ID, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("to doc: %w", err)
	}
	return doc, nil
}

// FromDoc is the inverse of ToDoc.
func FromDoc(doc map[string]any) (*Challenge, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("from doc: %w", err)
	}
	c := &Challenge{}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("decode challenge doc: %w", err)
	}
	return c, nil
}
