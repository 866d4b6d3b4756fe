// Package notify posts daily tracking summaries to Slack.
package notify

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/slack-go/slack"

	"timeclerk/internal/aggregate"
	"timeclerk/internal/config"
	"timeclerk/internal/model"
)

// FormatDailySummary renders the per-ticket totals for one day. Totals are
// wall-clock, so overlapping entries on the same ticket are not double
// counted.
func FormatDailySummary(day time.Time, aggs []aggregate.TicketAggregate) string {
	if len(aggs) == 0 {
		return fmt.Sprintf("No tracked time on %s.", day.Format("Mon Jan 2"))
	}

	var total time.Duration
	var b strings.Builder
	fmt.Fprintf(&b, "Time tracked on %s:\n", day.Format("Mon Jan 2"))
	for _, agg := range aggs {
		ticket := agg.Ticket
		if ticket == "" {
			ticket = "(unassigned)"
		}
		fmt.Fprintf(&b, "• %s: %s (%d entries)\n", ticket, model.FormatDuration(agg.WallClock), len(agg.Entries))
		total += agg.WallClock
	}
	fmt.Fprintf(&b, "Total: %s", model.FormatDuration(total))
	return b.String()
}

// StartSummaryScheduler starts a cron-based scheduler that posts yesterday's
// per-ticket totals to the summary channel.
// The schedule is a standard 5-field cron expression (minute hour day-of-month month day-of-week).
func StartSummaryScheduler(cfg config.Config, src aggregate.EntrySource, api *slack.Client) {
	schedule := strings.TrimSpace(cfg.SummarySchedule)
	if schedule == "" {
		log.Println("Daily summary disabled (summary_schedule not set)")
		return
	}
	if !cfg.SummaryConfigured() {
		log.Println("Daily summary disabled: Slack is not fully configured")
		return
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		log.Printf("Invalid summary_schedule '%s': %v, daily summary disabled", schedule, err)
		return
	}

	log.Printf("Daily summary scheduled (cron: %s) to channel %s", schedule, cfg.SummaryChannelID)

	go func() {
		for {
			now := time.Now().In(cfg.Location)
			next := sched.Next(now)
			wait := next.Sub(now)
			log.Printf("Next daily summary at %s (in %s)", next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

			time.Sleep(wait)

			fireAt := time.Now().In(cfg.Location)
			day := model.StartOfDay(fireAt).AddDate(0, 0, -1)
			from, to := model.DayRange(day)
			aggs, aggErr := aggregate.ByTicket(src, from, to, fireAt)
			if aggErr != nil {
				log.Printf("Daily summary aggregation error: %v", aggErr)
				continue
			}

			msg := FormatDailySummary(day, aggs)
			_, _, postErr := api.PostMessage(cfg.SummaryChannelID, slack.MsgOptionText(msg, false))
			if postErr != nil {
				log.Printf("Daily summary post error: %v", postErr)
			}
		}
	}()
}
