// Package interval collapses overlapping time spans into disjoint wall-clock
// spans. This is the only place "wall-clock" time is computed when several
// sources report overlapping activity for the same ticket.
package interval

import (
	"sort"
	"time"
)

// Span is a half-open [Start, End) slice of time.
type Span struct {
	Start time.Time
	End   time.Time
}

// Duration returns the span length, never negative.
func (s Span) Duration() time.Duration {
	if s.End.Before(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Merge sorts spans by start and folds overlapping or adjacent spans together.
// Open spans (zero End) are closed at now before merging. The result is a
// disjoint, ascending list whose total duration is at most the input total,
// equal exactly when no spans overlapped.
func Merge(spans []Span, now time.Time) []Span {
	if len(spans) == 0 {
		return nil
	}

	closed := make([]Span, 0, len(spans))
	for _, s := range spans {
		if s.End.IsZero() {
			s.End = now
		}
		if s.End.Before(s.Start) {
			continue
		}
		closed = append(closed, s)
	}
	if len(closed) == 0 {
		return nil
	}

	sort.Slice(closed, func(i, j int) bool {
		return closed[i].Start.Before(closed[j].Start)
	})

	merged := []Span{closed[0]}
	for _, next := range closed[1:] {
		last := &merged[len(merged)-1]
		if !next.Start.After(last.End) {
			if next.End.After(last.End) {
				last.End = next.End
			}
			continue
		}
		merged = append(merged, next)
	}
	return merged
}

// Total sums the durations of the given spans.
func Total(spans []Span) time.Duration {
	var total time.Duration
	for _, s := range spans {
		total += s.Duration()
	}
	return total
}
