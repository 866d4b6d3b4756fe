// Package export renders reviewed entries into booking reports and advances
// their review state.
package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"timeclerk/internal/interval"
	"timeclerk/internal/model"
)

var ErrNothingToExport = errors.New("no reviewed entries in range")

// Store is the subset of entry storage the exporter needs.
type Store interface {
	EntriesInRange(from, to time.Time) ([]model.TimeEntry, error)
	MarkExported(ids []string) error
	MarkBooked(ids []string) error
}

type Exporter struct {
	store     Store
	outputDir string
}

func New(store Store, outputDir string) *Exporter {
	return &Exporter{store: store, outputDir: outputDir}
}

// Result describes one completed export.
type Result struct {
	Path     string
	Entries  int
	Tickets  int
	Exported []string
}

// ExportDay writes a booking report for the given day and marks the included
// entries as exported. Only reviewed entries cross the boundary; entries that
// are unreviewed, still in progress, or already exported are left alone.
func (e *Exporter) ExportDay(day time.Time, now time.Time) (Result, error) {
	from, to := model.DayRange(day)
	entries, err := e.store.EntriesInRange(from, to)
	if err != nil {
		return Result{}, fmt.Errorf("loading entries for export: %w", err)
	}

	var exportable []model.TimeEntry
	for _, entry := range entries {
		if entry.Review != model.ReviewReviewed || entry.InProgress {
			continue
		}
		exportable = append(exportable, entry)
	}
	if len(exportable) == 0 {
		return Result{}, ErrNothingToExport
	}

	content, tickets := BuildReport(day, exportable, now)
	path, err := writeReportFile(content, e.outputDir, day)
	if err != nil {
		return Result{}, fmt.Errorf("writing report: %w", err)
	}

	ids := make([]string, 0, len(exportable))
	for _, entry := range exportable {
		ids = append(ids, entry.ID)
	}
	if err := e.store.MarkExported(ids); err != nil {
		return Result{}, fmt.Errorf("marking entries exported: %w", err)
	}

	return Result{Path: path, Entries: len(exportable), Tickets: tickets, Exported: ids}, nil
}

// ConfirmBooked records that the exported entries were accepted by the
// downstream booking system.
func (e *Exporter) ConfirmBooked(ids []string) error {
	if err := e.store.MarkBooked(ids); err != nil {
		return fmt.Errorf("marking entries booked: %w", err)
	}
	return nil
}

type ticketLine struct {
	ticket  string
	total   time.Duration
	labels  []string
	entries int
}

// BuildReport renders the day's exportable entries as markdown, grouped by
// ticket with overlap-free totals. Returns the content and the ticket count.
func BuildReport(day time.Time, entries []model.TimeEntry, now time.Time) (string, int) {
	byTicket := make(map[string]*ticketLine)
	seenLabel := make(map[string]map[string]bool)
	spans := make(map[string][]interval.Span)

	for _, entry := range entries {
		ticket := entry.Ticket
		if ticket == "" {
			ticket = "(unassigned)"
		}
		line := byTicket[ticket]
		if line == nil {
			line = &ticketLine{ticket: ticket}
			byTicket[ticket] = line
			seenLabel[ticket] = make(map[string]bool)
		}
		line.entries++
		if entry.Label != "" && !seenLabel[ticket][entry.Label] {
			seenLabel[ticket][entry.Label] = true
			line.labels = append(line.labels, entry.Label)
		}
		span := interval.Span{Start: entry.Start}
		if entry.End != nil {
			span.End = *entry.End
		}
		spans[ticket] = append(spans[ticket], span)
	}

	var total time.Duration
	lines := make([]*ticketLine, 0, len(byTicket))
	for ticket, line := range byTicket {
		line.total = interval.Total(interval.Merge(spans[ticket], now))
		total += line.total
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ticket < lines[j].ticket })

	var b strings.Builder
	fmt.Fprintf(&b, "### Time report %s\n\n", day.Format("2006-01-02"))
	for _, line := range lines {
		fmt.Fprintf(&b, "- **%s** %s (%d entries)\n", line.ticket, model.FormatDuration(line.total), line.entries)
		for _, label := range line.labels {
			fmt.Fprintf(&b, "  - %s\n", label)
		}
	}
	fmt.Fprintf(&b, "\nTotal: %s\n", model.FormatDuration(total))
	return b.String(), len(lines)
}

func writeReportFile(content, outputDir string, day time.Time) (string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", err
	}
	filename := fmt.Sprintf("timereport_%s.md", day.Format("20060102"))
	path := filepath.Join(outputDir, filename)
	return path, os.WriteFile(path, []byte(content), 0644)
}
