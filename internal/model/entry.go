package model

import (
	"time"

	"github.com/google/uuid"
)

// SourceKind says which mechanism produced a time entry.
type SourceKind string

const (
	SourceAutomatic SourceKind = "automatic" // active-context detection
	SourceManual    SourceKind = "manual"    // user-started timer
	SourceImported  SourceKind = "imported"  // activity-log import
	SourceEdited    SourceKind = "edited"    // result of a user merge/split/edit
	SourceMerged    SourceKind = "merged"    // kept for entries imported from older data
)

// ReviewState moves forward only (unreviewed -> reviewed -> exported -> booked),
// except that a user edit reopens the entry to unreviewed.
type ReviewState string

const (
	ReviewUnreviewed ReviewState = "unreviewed"
	ReviewReviewed   ReviewState = "reviewed"
	ReviewExported   ReviewState = "exported"
	ReviewBooked     ReviewState = "booked"
)

// TimeEntry is one recorded activity span.
type TimeEntry struct {
	ID              string
	Start           time.Time
	End             *time.Time // nil while in progress
	DurationSeconds int64      // persisted for query efficiency, refreshed by auto-save
	InProgress      bool
	Source          SourceKind
	Ticket          string // empty = unassigned
	Label           string
	LinkedItem      string            // external work-item reference (URL or key)
	Context         map[string]string // originating signal payload (branch, window title, ...)
	Review          ReviewState
	AutoApproved    bool
	PatternID       int64 // learned pattern that approved this entry, 0 if none
	CreatedAt       time.Time
}

// NewEntryID returns a fresh unique entry ID.
func NewEntryID() string {
	return uuid.NewString()
}

// Duration returns the entry duration, using now for open entries.
func (e TimeEntry) Duration(now time.Time) time.Duration {
	end := now
	if e.End != nil {
		end = *e.End
	}
	if end.Before(e.Start) {
		return 0
	}
	return end.Sub(e.Start)
}

// TicketOverride maps a (scope, signal) pair to a ticket. Higher priority wins;
// among equal priorities the most recently defined override wins.
type TicketOverride struct {
	ID        int64
	Scope     string
	Signal    string
	Ticket    string
	Priority  int
	CreatedAt time.Time
}

// LearnedPattern is a user-confirmed mapping from a recurring signal to a work
// item. Created and reinforced only during review; never deleted automatically,
// only flagged stale when the linked item disappears upstream.
type LearnedPattern struct {
	ID            int64
	SignalType    string // "branch", "window", "page"
	Signal        string
	Ticket        string
	LinkedItem    string
	Confirmations int
	Active        bool
	Stale         bool
	CreatedAt     time.Time
	LastConfirmed time.Time
}
