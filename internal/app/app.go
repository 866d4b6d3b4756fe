// Package app wires the daemon together: config, storage, the tracking
// coordinator and the background schedulers.
package app

import (
	"context"
	"log"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/slack-go/slack"

	"timeclerk/internal/cache"
	"timeclerk/internal/config"
	"timeclerk/internal/export"
	"timeclerk/internal/httpx"
	"timeclerk/internal/integrations/github"
	"timeclerk/internal/integrations/jira"
	"timeclerk/internal/notify"
	"timeclerk/internal/resolve"
	"timeclerk/internal/storage/sqlite"
	"timeclerk/internal/track"
)

const stalenessCheckInterval = time.Hour

// Main dispatches to the daemon or to a one-shot command.
//
//	timeclerk              run the tracking daemon
//	timeclerk export [day] write a booking report for day (default yesterday)
//	timeclerk book id...   confirm exported entries as booked
func Main() {
	if len(os.Args) > 1 {
		runCommand(os.Args[1], os.Args[2:])
		return
	}
	runDaemon()
}

func runCommand(name string, args []string) {
	cfg := config.LoadConfig()
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	switch name {
	case "export":
		now := time.Now().In(cfg.Location)
		day := now.AddDate(0, 0, -1)
		if len(args) > 0 {
			day, err = time.ParseInLocation("2006-01-02", args[0], cfg.Location)
			if err != nil {
				log.Fatalf("Invalid day %q: %v", args[0], err)
			}
		}
		exp := export.New(store, cfg.ExportOutputDir)
		res, err := exp.ExportDay(day, now)
		if err != nil {
			log.Fatalf("Export failed: %v", err)
		}
		log.Printf("Exported %d entries across %d tickets to %s", res.Entries, res.Tickets, res.Path)
	case "book":
		if len(args) == 0 {
			log.Fatalf("Usage: timeclerk book <entry-id>...")
		}
		exp := export.New(store, cfg.ExportOutputDir)
		if err := exp.ConfirmBooked(args); err != nil {
			log.Fatalf("Booking confirmation failed: %v", err)
		}
		log.Printf("Marked %d entries booked", len(args))
	default:
		log.Fatalf("Unknown command %q", name)
	}
}

func runDaemon() {
	cfg := config.LoadConfig()
	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	log.Printf(
		"Config loaded. DB=%s Exports=%s IdleThreshold=%ds MinSwitch=%ds AutoSave=%ds Retention=%dd Timezone=%s ExternalHTTPTimeout=%s",
		cfg.DBPath,
		cfg.ExportOutputDir,
		cfg.IdleThresholdSeconds,
		cfg.MinSwitchSeconds,
		cfg.AutoSaveIntervalSeconds,
		cfg.RetentionDays,
		cfg.Timezone,
		appliedHTTPTimeout,
	)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	log.Printf("Database opened at %s", cfg.DBPath)
	defer store.Close()

	os.MkdirAll(cfg.ExportOutputDir, 0755)
	log.Printf("Export output dir: %s", cfg.ExportOutputDir)

	resolver, err := resolve.New(cfg.ExcludedSignals)
	if err != nil {
		log.Fatalf("Invalid excluded_signals: %v", err)
	}

	source := track.NewLineSource(os.Stdin)
	coord := track.New(store, resolver, source, source.ActivitySource(), track.Options{
		MinSwitchDuration: time.Duration(cfg.MinSwitchSeconds) * time.Second,
		AutoSaveInterval:  time.Duration(cfg.AutoSaveIntervalSeconds) * time.Second,
		IdleThreshold:     time.Duration(cfg.IdleThresholdSeconds) * time.Second,
	})

	startPurgeScheduler(cfg, store)

	if cfg.SummaryConfigured() {
		api := slack.New(cfg.SlackBotToken)
		notify.StartSummaryScheduler(cfg, store, api)
	} else {
		log.Println("Daily summary disabled (Slack not configured)")
	}

	startStalenessChecker(cfg, store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	if err := coord.Start(); err != nil {
		log.Printf("Tracking not started yet: %v", err)
	}

	log.Println("Starting timeclerk daemon...")
	if err := <-done; err != nil && ctx.Err() == nil {
		log.Fatalf("Coordinator error: %v", err)
	}
	log.Println("Shutting down")
}

// startPurgeScheduler deletes booked entries past the retention window on the
// configured cron schedule.
func startPurgeScheduler(cfg config.Config, store *sqlite.Store) {
	schedule := strings.TrimSpace(cfg.PurgeSchedule)
	if schedule == "" {
		log.Println("Retention purge disabled (purge_schedule not set)")
		return
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		log.Printf("Invalid purge_schedule '%s': %v, retention purge disabled", schedule, err)
		return
	}
	log.Printf("Retention purge scheduled (cron: %s), keeping %d days", schedule, cfg.RetentionDays)

	go func() {
		for {
			now := time.Now().In(cfg.Location)
			next := sched.Next(now)
			time.Sleep(next.Sub(now))

			n, err := store.PurgeExpired(cfg.RetentionDays, time.Now().In(cfg.Location))
			if err != nil {
				log.Printf("Retention purge error: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("Retention purge removed %d booked entries", n)
			}
		}
	}()
}

var jiraKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]*-[0-9]+$`)

// startStalenessChecker periodically marks learned patterns stale when the
// linked work item is resolved or merged upstream. Patterns are never deleted
// automatically; stale ones just stop looking current in review.
func startStalenessChecker(cfg config.Config, store *sqlite.Store) {
	if !cfg.JiraConfigured() && !cfg.GitHubConfigured() {
		log.Println("Pattern staleness checks disabled (no tracker configured)")
		return
	}

	var jiraClient *jira.Client
	var jiraCache *cache.Cache[jira.Issue]
	if cfg.JiraConfigured() {
		jiraClient = jira.NewClient(cfg.JiraBaseURL, cfg.JiraToken)
		jiraCache = cache.New[jira.Issue](time.Duration(cfg.JiraCacheTTLMinutes) * time.Minute)
	}
	var ghClient *github.Client
	var ghCache *cache.Cache[github.PullRequest]
	if cfg.GitHubConfigured() {
		ghClient = github.NewClient(cfg.GitHubToken)
		ghCache = cache.New[github.PullRequest](time.Duration(cfg.GitHubCacheTTLMinutes) * time.Minute)
	}

	log.Printf("Pattern staleness checks every %s", stalenessCheckInterval)

	go func() {
		ticker := time.NewTicker(stalenessCheckInterval)
		defer ticker.Stop()
		for range ticker.C {
			patterns, err := store.ListActivePatterns()
			if err != nil {
				log.Printf("Staleness check: listing patterns failed: %v", err)
				continue
			}
			for _, p := range patterns {
				if p.LinkedItem == "" {
					continue
				}
				stale := false
				switch {
				case jiraClient != nil && jiraKeyPattern.MatchString(p.LinkedItem):
					issue, err := jiraCache.Fetch(p.LinkedItem, func() (jira.Issue, error) {
						return jiraClient.Fetch(p.LinkedItem)
					})
					if err != nil {
						log.Printf("Staleness check: jira fetch %s failed: %v", p.LinkedItem, err)
						continue
					}
					stale = issue.Resolved
				case ghClient != nil && strings.Contains(p.LinkedItem, "#"):
					pr, err := ghCache.Fetch(p.LinkedItem, func() (github.PullRequest, error) {
						return ghClient.Fetch(p.LinkedItem)
					})
					if err != nil {
						log.Printf("Staleness check: github fetch %s failed: %v", p.LinkedItem, err)
						continue
					}
					stale = pr.Merged || pr.State == "closed"
				}
				if stale {
					if err := store.MarkPatternStale(p.ID); err != nil {
						log.Printf("Staleness check: marking pattern %d failed: %v", p.ID, err)
						continue
					}
					log.Printf("Pattern %d (%s %s) marked stale: %s is closed", p.ID, p.SignalType, p.Signal, p.LinkedItem)
				}
			}
		}
	}()
}
