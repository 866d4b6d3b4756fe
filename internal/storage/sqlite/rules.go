package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"timeclerk/internal/model"
)

// --- Review workflow ---

// MarkReviewed moves unreviewed entries to reviewed. Entries already past
// unreviewed are left alone (the state only moves forward).
func (s *Store) MarkReviewed(ids []string) error {
	return s.advanceReview(ids, model.ReviewUnreviewed, model.ReviewReviewed)
}

// MarkExported moves reviewed entries to exported.
func (s *Store) MarkExported(ids []string) error {
	return s.advanceReview(ids, model.ReviewReviewed, model.ReviewExported)
}

// MarkBooked moves exported entries to their terminal booked state.
func (s *Store) MarkBooked(ids []string) error {
	return s.advanceReview(ids, model.ReviewExported, model.ReviewBooked)
}

// Reopen resets an entry to unreviewed after a user edit.
func (s *Store) Reopen(id string) error {
	res, err := s.db.Exec(
		`UPDATE entries SET review_state = ?, auto_approved = 0, pattern_id = 0 WHERE id = ?`,
		string(model.ReviewUnreviewed), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *Store) advanceReview(ids []string, from, to model.ReviewState) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE entries SET review_state = ? WHERE id = ? AND review_state = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(string(to), id, string(from)); err != nil {
			return fmt.Errorf("advance %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// --- Ticket overrides ---

func (s *Store) AddOverride(o model.TicketOverride) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO overrides (scope, signal, ticket, priority) VALUES (?, ?, ?, ?)`,
		o.Scope, o.Signal, o.Ticket, o.Priority,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) DeleteOverride(id int64) error {
	_, err := s.db.Exec(`DELETE FROM overrides WHERE id = ?`, id)
	return err
}

func (s *Store) ListOverrides() ([]model.TicketOverride, error) {
	rows, err := s.db.Query(
		`SELECT id, scope, signal, ticket, priority, created_at FROM overrides ORDER BY priority DESC, created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TicketOverride
	for rows.Next() {
		var o model.TicketOverride
		if err := rows.Scan(&o.ID, &o.Scope, &o.Signal, &o.Ticket, &o.Priority, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- Learned patterns ---

// ConfirmPattern records an explicit user confirmation that signal belongs to
// ticket. A new pattern starts with one confirmation; an existing one is
// reinforced and reactivated.
func (s *Store) ConfirmPattern(signalType, signal, ticket, linkedItem string, now time.Time) (model.LearnedPattern, error) {
	existing, err := s.getPattern(signalType, signal)
	switch {
	case err == nil:
		_, err = s.db.Exec(
			`UPDATE patterns SET confirmations = confirmations + 1, active = 1, stale = 0,
			        ticket = ?, linked_item = ?, last_confirmed = ?
			 WHERE id = ?`,
			ticket, linkedItem, now, existing.ID,
		)
		if err != nil {
			return model.LearnedPattern{}, err
		}
		return s.getPatternByID(existing.ID)
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.Exec(
			`INSERT INTO patterns (signal_type, signal, ticket, linked_item, last_confirmed) VALUES (?, ?, ?, ?, ?)`,
			signalType, signal, ticket, linkedItem, now,
		)
		if err != nil {
			return model.LearnedPattern{}, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return model.LearnedPattern{}, err
		}
		return s.getPatternByID(id)
	default:
		return model.LearnedPattern{}, err
	}
}

// ListActivePatterns returns patterns eligible for auto-approval.
func (s *Store) ListActivePatterns() ([]model.LearnedPattern, error) {
	return s.listPatterns(`WHERE active = 1`)
}

// ListPatterns returns every learned pattern, stale and inactive included.
func (s *Store) ListPatterns() ([]model.LearnedPattern, error) {
	return s.listPatterns(``)
}

// MarkPatternStale flags a pattern whose linked item was closed or removed
// upstream. Stale patterns are kept for the user to review, never deleted.
func (s *Store) MarkPatternStale(id int64) error {
	_, err := s.db.Exec(`UPDATE patterns SET stale = 1 WHERE id = ?`, id)
	return err
}

// SetPatternActive enables or disables a pattern for auto-approval.
func (s *Store) SetPatternActive(id int64, active bool) error {
	_, err := s.db.Exec(`UPDATE patterns SET active = ? WHERE id = ?`, boolInt(active), id)
	return err
}

const selectPattern = `SELECT id, signal_type, signal, ticket, linked_item, confirmations, active, stale, created_at, last_confirmed FROM patterns`

func (s *Store) getPattern(signalType, signal string) (model.LearnedPattern, error) {
	return scanPattern(s.db.QueryRow(selectPattern+` WHERE signal_type = ? AND signal = ?`, signalType, signal))
}

func (s *Store) getPatternByID(id int64) (model.LearnedPattern, error) {
	return scanPattern(s.db.QueryRow(selectPattern+` WHERE id = ?`, id))
}

func (s *Store) listPatterns(where string) ([]model.LearnedPattern, error) {
	rows, err := s.db.Query(selectPattern + ` ` + where + ` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LearnedPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPattern(row rowScanner) (model.LearnedPattern, error) {
	var p model.LearnedPattern
	var active, stale int
	err := row.Scan(
		&p.ID, &p.SignalType, &p.Signal, &p.Ticket, &p.LinkedItem,
		&p.Confirmations, &active, &stale, &p.CreatedAt, &p.LastConfirmed,
	)
	if err != nil {
		return model.LearnedPattern{}, err
	}
	p.Active = active == 1
	p.Stale = stale == 1
	return p, nil
}
