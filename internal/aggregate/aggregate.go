// Package aggregate groups time entries by ticket and computes de-duplicated
// wall-clock durations versus raw summed durations.
package aggregate

import (
	"sort"
	"time"

	"timeclerk/internal/interval"
	"timeclerk/internal/model"
)

// TicketAggregate is computed at query time and never persisted.
type TicketAggregate struct {
	Ticket    string
	WallClock time.Duration
	Raw       time.Duration
	BySource  map[model.SourceKind]time.Duration
	Entries   []model.TimeEntry
}

// EntrySource lists entries for a time window, ordered by start.
type EntrySource interface {
	EntriesInRange(from, to time.Time) ([]model.TimeEntry, error)
}

// ByTicket aggregates all entries in [from, to) per ticket. Entries without a
// ticket are grouped under the empty key. Overlapping entries from different
// sources count once toward WallClock but fully toward Raw.
func ByTicket(src EntrySource, from, to, now time.Time) ([]TicketAggregate, error) {
	entries, err := src.EntriesInRange(from, to)
	if err != nil {
		return nil, err
	}
	return Group(entries, now), nil
}

// Group computes per-ticket aggregates from an already loaded entry list.
func Group(entries []model.TimeEntry, now time.Time) []TicketAggregate {
	byTicket := make(map[string][]model.TimeEntry)
	for _, e := range entries {
		byTicket[e.Ticket] = append(byTicket[e.Ticket], e)
	}

	out := make([]TicketAggregate, 0, len(byTicket))
	for ticket, group := range byTicket {
		agg := TicketAggregate{
			Ticket:   ticket,
			Entries:  group,
			BySource: make(map[model.SourceKind]time.Duration),
		}
		spans := make([]interval.Span, 0, len(group))
		for _, e := range group {
			d := e.Duration(now)
			agg.Raw += d
			agg.BySource[e.Source] += d
			span := interval.Span{Start: e.Start}
			if e.End != nil {
				span.End = *e.End
			}
			spans = append(spans, span)
		}
		agg.WallClock = interval.Total(interval.Merge(spans, now))
		out = append(out, agg)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// ForTicket aggregates a single ticket's entries in [from, to).
func ForTicket(entries []model.TimeEntry, ticket string, now time.Time) TicketAggregate {
	var scoped []model.TimeEntry
	for _, e := range entries {
		if e.Ticket == ticket {
			scoped = append(scoped, e)
		}
	}
	groups := Group(scoped, now)
	if len(groups) == 0 {
		return TicketAggregate{Ticket: ticket, BySource: map[model.SourceKind]time.Duration{}}
	}
	return groups[0]
}
