// Package sqlite owns the canonical sequence of time entries plus the
// user-defined ticket overrides and learned patterns.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"timeclerk/internal/model"
)

var (
	ErrDuplicateInProgress = errors.New("an entry is already in progress")
	ErrEntryNotFound       = errors.New("entry not found")
	ErrInsufficientEntries = errors.New("merge requires at least two entries")
	ErrInvalidSplitTime    = errors.New("split time outside entry bounds")
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id               TEXT PRIMARY KEY,
		start_at         DATETIME NOT NULL,
		end_at           DATETIME,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		in_progress      INTEGER NOT NULL DEFAULT 0,
		source           TEXT NOT NULL,
		ticket           TEXT DEFAULT '',
		label            TEXT DEFAULT '',
		linked_item      TEXT DEFAULT '',
		context          TEXT DEFAULT '',
		review_state     TEXT NOT NULL DEFAULT 'unreviewed',
		auto_approved    INTEGER NOT NULL DEFAULT 0,
		pattern_id       INTEGER NOT NULL DEFAULT 0,
		last_autosave    DATETIME,
		created_at       DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_entries_start ON entries(start_at);
	CREATE INDEX IF NOT EXISTS idx_entries_ticket ON entries(ticket);
	CREATE INDEX IF NOT EXISTS idx_entries_in_progress ON entries(in_progress);
	CREATE INDEX IF NOT EXISTS idx_entries_review ON entries(review_state);

	CREATE TABLE IF NOT EXISTS overrides (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		scope      TEXT NOT NULL,
		signal     TEXT NOT NULL,
		ticket     TEXT NOT NULL,
		priority   INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_overrides_scope_signal ON overrides(scope, signal);

	CREATE TABLE IF NOT EXISTS patterns (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		signal_type    TEXT NOT NULL,
		signal         TEXT NOT NULL,
		ticket         TEXT DEFAULT '',
		linked_item    TEXT DEFAULT '',
		confirmations  INTEGER NOT NULL DEFAULT 1,
		active         INTEGER NOT NULL DEFAULT 1,
		stale          INTEGER NOT NULL DEFAULT 0,
		created_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_confirmed DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(signal_type, signal)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateParams carries the context a new in-progress entry starts with.
type CreateParams struct {
	Start        time.Time
	Source       model.SourceKind
	Ticket       string
	Label        string
	LinkedItem   string
	Context      map[string]string
	AutoApproved bool
	PatternID    int64
}

// Create inserts a new in-progress entry. It fails with ErrDuplicateInProgress
// if any entry is still open; callers must finalize first.
func (s *Store) Create(p CreateParams) (model.TimeEntry, error) {
	var open int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM entries WHERE in_progress = 1`).Scan(&open); err != nil {
		return model.TimeEntry{}, err
	}
	if open > 0 {
		return model.TimeEntry{}, ErrDuplicateInProgress
	}

	review := model.ReviewUnreviewed
	if p.AutoApproved {
		review = model.ReviewReviewed
	}

	e := model.TimeEntry{
		ID:           model.NewEntryID(),
		Start:        p.Start,
		InProgress:   true,
		Source:       p.Source,
		Ticket:       p.Ticket,
		Label:        p.Label,
		LinkedItem:   p.LinkedItem,
		Context:      p.Context,
		Review:       review,
		AutoApproved: p.AutoApproved,
		PatternID:    p.PatternID,
	}

	ctx, err := marshalContext(p.Context)
	if err != nil {
		return model.TimeEntry{}, err
	}
	_, err = s.db.Exec(
		`INSERT INTO entries (id, start_at, in_progress, source, ticket, label, linked_item, context, review_state, auto_approved, pattern_id)
		 VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Start, string(e.Source), e.Ticket, e.Label, e.LinkedItem, ctx, string(e.Review), boolInt(e.AutoApproved), e.PatternID,
	)
	if err != nil {
		return model.TimeEntry{}, err
	}
	return e, nil
}

// Get loads one entry by id.
func (s *Store) Get(id string) (model.TimeEntry, error) {
	row := s.db.QueryRow(selectEntry+` WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TimeEntry{}, ErrEntryNotFound
	}
	return e, err
}

// Finalize sets the end time and duration and clears the in-progress flag.
// Finalizing an already finalized entry is a no-op.
func (s *Store) Finalize(id string, end time.Time) error {
	e, err := s.Get(id)
	if err != nil {
		return err
	}
	if !e.InProgress {
		return nil
	}
	if end.Before(e.Start) {
		end = e.Start
	}
	_, err = s.db.Exec(
		`UPDATE entries SET end_at = ?, duration_seconds = ?, in_progress = 0 WHERE id = ?`,
		end, int64(end.Sub(e.Start).Seconds()), id,
	)
	return err
}

// AutoSave refreshes the persisted duration of an in-progress entry without
// finalizing it, and records the save time for crash recovery.
func (s *Store) AutoSave(id string, now time.Time) error {
	e, err := s.Get(id)
	if err != nil {
		return err
	}
	if !e.InProgress {
		return nil
	}
	_, err = s.db.Exec(
		`UPDATE entries SET duration_seconds = ?, last_autosave = ? WHERE id = ? AND in_progress = 1`,
		int64(now.Sub(e.Start).Seconds()), now, id,
	)
	return err
}

// SplitAtDayBoundary truncates an entry spanning a calendar-day boundary at
// midnight and creates a successor carrying forward all context fields. The
// successor stays in progress if the original was. Returns the successor id,
// or "" when no boundary was crossed.
func (s *Store) SplitAtDayBoundary(id string, now time.Time) (string, error) {
	e, err := s.Get(id)
	if err != nil {
		return "", err
	}

	end := now
	if e.End != nil {
		end = *e.End
	}
	midnight := model.NextMidnight(e.Start)
	if !end.After(midnight) {
		return "", nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`UPDATE entries SET end_at = ?, duration_seconds = ?, in_progress = 0 WHERE id = ?`,
		midnight, int64(midnight.Sub(e.Start).Seconds()), e.ID,
	)
	if err != nil {
		return "", err
	}

	successor := model.NewEntryID()
	ctx, err := marshalContext(e.Context)
	if err != nil {
		return "", err
	}
	var succEnd interface{}
	var succDuration int64
	if e.End != nil {
		succEnd = *e.End
		succDuration = int64(e.End.Sub(midnight).Seconds())
	}
	_, err = tx.Exec(
		`INSERT INTO entries (id, start_at, end_at, duration_seconds, in_progress, source, ticket, label, linked_item, context, review_state, auto_approved, pattern_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		successor, midnight, succEnd, succDuration, boolInt(e.InProgress),
		string(e.Source), e.Ticket, e.Label, e.LinkedItem, ctx,
		string(e.Review), boolInt(e.AutoApproved), e.PatternID,
	)
	if err != nil {
		return "", err
	}
	return successor, tx.Commit()
}

// Merge replaces two or more entries with a single edited entry spanning the
// earliest start to the latest end. Duration is the raw sum of the originals'
// durations (deliberately not interval-merged), labels are concatenated, and
// review state resets to unreviewed.
func (s *Store) Merge(ids []string) (model.TimeEntry, error) {
	if len(ids) < 2 {
		return model.TimeEntry{}, ErrInsufficientEntries
	}

	entries := make([]model.TimeEntry, 0, len(ids))
	for _, id := range ids {
		e, err := s.Get(id)
		if err != nil {
			return model.TimeEntry{}, fmt.Errorf("merge %s: %w", id, err)
		}
		if e.InProgress {
			return model.TimeEntry{}, fmt.Errorf("merge %s: entry is still in progress", id)
		}
		entries = append(entries, e)
	}

	merged := entries[0]
	var labels []string
	var totalSeconds int64
	for _, e := range entries {
		if e.Start.Before(merged.Start) {
			merged.Start = e.Start
		}
		if e.End != nil && (merged.End == nil || e.End.After(*merged.End)) {
			end := *e.End
			merged.End = &end
		}
		if e.Label != "" {
			labels = append(labels, e.Label)
		}
		if merged.Ticket == "" {
			merged.Ticket = e.Ticket
		}
		if merged.LinkedItem == "" {
			merged.LinkedItem = e.LinkedItem
		}
		totalSeconds += e.DurationSeconds
	}
	merged.ID = model.NewEntryID()
	merged.DurationSeconds = totalSeconds
	merged.Label = strings.Join(labels, "; ")
	merged.Source = model.SourceEdited
	merged.Review = model.ReviewUnreviewed
	merged.AutoApproved = false
	merged.PatternID = 0

	tx, err := s.db.Begin()
	if err != nil {
		return model.TimeEntry{}, err
	}
	defer tx.Rollback()

	ctx, err := marshalContext(merged.Context)
	if err != nil {
		return model.TimeEntry{}, err
	}
	_, err = tx.Exec(
		`INSERT INTO entries (id, start_at, end_at, duration_seconds, in_progress, source, ticket, label, linked_item, context, review_state, auto_approved, pattern_id)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, 0, 0)`,
		merged.ID, merged.Start, *merged.End, merged.DurationSeconds,
		string(merged.Source), merged.Ticket, merged.Label, merged.LinkedItem, ctx,
		string(merged.Review),
	)
	if err != nil {
		return model.TimeEntry{}, err
	}
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM entries WHERE id = ?`, id); err != nil {
			return model.TimeEntry{}, err
		}
	}
	return merged, tx.Commit()
}

// Split cuts a finalized entry in two at the given instant. Both halves share
// all context fields and reopen to unreviewed; like any edit, the halves also
// lose their auto-approval and pattern reference.
func (s *Store) Split(id string, at time.Time) (model.TimeEntry, model.TimeEntry, error) {
	e, err := s.Get(id)
	if err != nil {
		return model.TimeEntry{}, model.TimeEntry{}, err
	}
	if e.End == nil || !at.After(e.Start) || !at.Before(*e.End) {
		return model.TimeEntry{}, model.TimeEntry{}, ErrInvalidSplitTime
	}

	tx, err := s.db.Begin()
	if err != nil {
		return model.TimeEntry{}, model.TimeEntry{}, err
	}
	defer tx.Rollback()

	first := e
	first.End = &at
	first.DurationSeconds = int64(at.Sub(e.Start).Seconds())
	first.Review = model.ReviewUnreviewed
	first.AutoApproved = false
	first.PatternID = 0

	second := e
	second.ID = model.NewEntryID()
	second.Start = at
	second.DurationSeconds = int64(e.End.Sub(at).Seconds())
	second.Review = model.ReviewUnreviewed
	second.AutoApproved = false
	second.PatternID = 0

	_, err = tx.Exec(
		`UPDATE entries SET end_at = ?, duration_seconds = ?, review_state = ?, auto_approved = 0, pattern_id = 0 WHERE id = ?`,
		at, first.DurationSeconds, string(first.Review), first.ID,
	)
	if err != nil {
		return model.TimeEntry{}, model.TimeEntry{}, err
	}

	ctx, err := marshalContext(e.Context)
	if err != nil {
		return model.TimeEntry{}, model.TimeEntry{}, err
	}
	_, err = tx.Exec(
		`INSERT INTO entries (id, start_at, end_at, duration_seconds, in_progress, source, ticket, label, linked_item, context, review_state, auto_approved, pattern_id)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)`,
		second.ID, second.Start, *second.End, second.DurationSeconds,
		string(second.Source), second.Ticket, second.Label, second.LinkedItem, ctx,
		string(second.Review), boolInt(second.AutoApproved), second.PatternID,
	)
	if err != nil {
		return model.TimeEntry{}, model.TimeEntry{}, err
	}
	return first, second, tx.Commit()
}

// RecoverInProgress finalizes entries left open by an unclean shutdown at
// their last auto-save time (or start time when none was recorded) and
// returns how many were recovered. Must run before any new tracking begins.
func (s *Store) RecoverInProgress() (int, error) {
	rows, err := s.db.Query(`SELECT id, start_at, last_autosave FROM entries WHERE in_progress = 1`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type stale struct {
		id  string
		end time.Time
	}
	var found []stale
	for rows.Next() {
		var id string
		var start time.Time
		var lastSave sql.NullTime
		if err := rows.Scan(&id, &start, &lastSave); err != nil {
			return 0, err
		}
		end := start
		if lastSave.Valid {
			end = lastSave.Time
		}
		found = append(found, stale{id: id, end: end})
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	recovered := 0
	for _, f := range found {
		if err := s.Finalize(f.id, f.end); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// PurgeExpired deletes booked entries older than the retention window and
// returns the number removed.
func (s *Store) PurgeExpired(retentionDays int, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -retentionDays)
	res, err := s.db.Exec(
		`DELETE FROM entries WHERE review_state = ? AND start_at < ? AND in_progress = 0`,
		string(model.ReviewBooked), cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// EntriesInRange returns entries starting in [from, to) ordered by start time.
func (s *Store) EntriesInRange(from, to time.Time) ([]model.TimeEntry, error) {
	rows, err := s.db.Query(selectEntry+` WHERE start_at >= ? AND start_at < ? ORDER BY start_at, id`, from, to)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// EntriesForTicket returns one ticket's entries in [from, to) ordered by start.
func (s *Store) EntriesForTicket(ticket string, from, to time.Time) ([]model.TimeEntry, error) {
	rows, err := s.db.Query(selectEntry+` WHERE ticket = ? AND start_at >= ? AND start_at < ? ORDER BY start_at, id`, ticket, from, to)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// InProgress returns the currently open entry, if any.
func (s *Store) InProgress() (model.TimeEntry, bool, error) {
	row := s.db.QueryRow(selectEntry + ` WHERE in_progress = 1 LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TimeEntry{}, false, nil
	}
	if err != nil {
		return model.TimeEntry{}, false, err
	}
	return e, true, nil
}

const selectEntry = `SELECT id, start_at, end_at, duration_seconds, in_progress, source, ticket, label, linked_item, context, review_state, auto_approved, pattern_id, created_at FROM entries`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (model.TimeEntry, error) {
	var e model.TimeEntry
	var end sql.NullTime
	var inProgress, autoApproved int
	var source, review, ctx string
	err := row.Scan(
		&e.ID, &e.Start, &end, &e.DurationSeconds, &inProgress, &source,
		&e.Ticket, &e.Label, &e.LinkedItem, &ctx, &review, &autoApproved,
		&e.PatternID, &e.CreatedAt,
	)
	if err != nil {
		return model.TimeEntry{}, err
	}
	if end.Valid {
		t := end.Time
		e.End = &t
	}
	e.InProgress = inProgress == 1
	e.AutoApproved = autoApproved == 1
	e.Source = model.SourceKind(source)
	e.Review = model.ReviewState(review)
	if ctx != "" {
		if err := json.Unmarshal([]byte(ctx), &e.Context); err != nil {
			return model.TimeEntry{}, fmt.Errorf("corrupt context payload for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]model.TimeEntry, error) {
	defer rows.Close()
	var out []model.TimeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalContext(ctx map[string]string) (string, error) {
	if len(ctx) == 0 {
		return "", nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
