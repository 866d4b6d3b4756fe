package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultExternalHTTPTimeout = 30 * time.Second

type Config struct {
	DBPath          string `yaml:"db_path"`
	ExportOutputDir string `yaml:"export_output_dir"`

	IdleThresholdSeconds    int `yaml:"idle_threshold_seconds"`
	MinSwitchSeconds        int `yaml:"min_switch_seconds"`
	AutoSaveIntervalSeconds int `yaml:"autosave_interval_seconds"`
	RetentionDays           int `yaml:"retention_days"`

	// PurgeSchedule is a standard 5-field cron expression.
	PurgeSchedule string `yaml:"purge_schedule"`

	// ExcludedSignals are regular expressions; matching signals are recorded
	// as deliberately unclassified instead of being resolved to a ticket.
	ExcludedSignals []string `yaml:"excluded_signals"`

	JiraBaseURL         string `yaml:"jira_base_url"`
	JiraToken           string `yaml:"jira_token"`
	JiraCacheTTLMinutes int    `yaml:"jira_cache_ttl_minutes"`

	GitHubToken           string `yaml:"github_token"`
	GitHubCacheTTLMinutes int    `yaml:"github_cache_ttl_minutes"`

	SlackBotToken    string `yaml:"slack_bot_token"`
	SummaryChannelID string `yaml:"summary_channel_id"`
	SummarySchedule  string `yaml:"summary_schedule"`

	ExternalHTTPTimeoutSeconds int `yaml:"external_http_timeout_seconds"`

	Timezone string         `yaml:"timezone"`
	Location *time.Location `yaml:"-"`
}

func LoadConfig() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.ExportOutputDir, "EXPORT_OUTPUT_DIR")
	envOverrideInt(&cfg.IdleThresholdSeconds, "IDLE_THRESHOLD_SECONDS")
	envOverrideInt(&cfg.MinSwitchSeconds, "MIN_SWITCH_SECONDS")
	envOverrideInt(&cfg.AutoSaveIntervalSeconds, "AUTOSAVE_INTERVAL_SECONDS")
	envOverrideInt(&cfg.RetentionDays, "RETENTION_DAYS")
	envOverride(&cfg.PurgeSchedule, "PURGE_SCHEDULE")
	envOverride(&cfg.JiraBaseURL, "JIRA_BASE_URL")
	envOverride(&cfg.JiraToken, "JIRA_TOKEN")
	envOverrideInt(&cfg.JiraCacheTTLMinutes, "JIRA_CACHE_TTL_MINUTES")
	envOverride(&cfg.GitHubToken, "GITHUB_TOKEN")
	envOverrideInt(&cfg.GitHubCacheTTLMinutes, "GITHUB_CACHE_TTL_MINUTES")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SummaryChannelID, "SUMMARY_CHANNEL_ID")
	envOverride(&cfg.SummarySchedule, "SUMMARY_SCHEDULE")
	envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS")
	envOverride(&cfg.Timezone, "TIMEZONE")

	if patterns := os.Getenv("EXCLUDED_SIGNALS"); patterns != "" {
		cfg.ExcludedSignals = nil
		for _, p := range strings.Split(patterns, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.ExcludedSignals = append(cfg.ExcludedSignals, p)
			}
		}
	}

	// Defaults
	if cfg.DBPath == "" {
		cfg.DBPath = "./timeclerk.db"
	}
	if cfg.ExportOutputDir == "" {
		cfg.ExportOutputDir = "./exports"
	}
	if cfg.IdleThresholdSeconds == 0 {
		cfg.IdleThresholdSeconds = 300
	}
	if cfg.MinSwitchSeconds == 0 {
		cfg.MinSwitchSeconds = 30
	}
	if cfg.AutoSaveIntervalSeconds == 0 {
		cfg.AutoSaveIntervalSeconds = 60
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 90
	}
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = "0 3 * * *"
	}
	if cfg.JiraCacheTTLMinutes == 0 {
		cfg.JiraCacheTTLMinutes = 15
	}
	if cfg.GitHubCacheTTLMinutes == 0 {
		cfg.GitHubCacheTTLMinutes = 15
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}

	// Validate
	if cfg.IdleThresholdSeconds < 1 {
		log.Fatalf("invalid idle_threshold_seconds '%d': must be >= 1", cfg.IdleThresholdSeconds)
	}
	if cfg.MinSwitchSeconds < 0 {
		log.Fatalf("invalid min_switch_seconds '%d': must be >= 0", cfg.MinSwitchSeconds)
	}
	if cfg.AutoSaveIntervalSeconds < 1 {
		log.Fatalf("invalid autosave_interval_seconds '%d': must be >= 1", cfg.AutoSaveIntervalSeconds)
	}
	if cfg.RetentionDays < 1 {
		log.Fatalf("invalid retention_days '%d': must be >= 1", cfg.RetentionDays)
	}
	if cfg.ExternalHTTPTimeoutSeconds < 1 {
		log.Fatalf("invalid external_http_timeout_seconds '%d': must be >= 1", cfg.ExternalHTTPTimeoutSeconds)
	}
	if cfg.JiraBaseURL != "" && cfg.JiraToken == "" {
		log.Fatalf("jira_base_url is set but jira_token is missing")
	}
	if cfg.SummarySchedule != "" && cfg.SlackBotToken == "" {
		log.Fatalf("summary_schedule is set but slack_bot_token is missing")
	}

	if strings.EqualFold(cfg.Timezone, "Local") {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Fatalf("invalid timezone '%s': %v", cfg.Timezone, err)
		}
		cfg.Location = loc
	}

	return cfg
}

func (c Config) JiraConfigured() bool {
	return c.JiraBaseURL != "" && c.JiraToken != ""
}

func (c Config) GitHubConfigured() bool {
	return c.GitHubToken != ""
}

func (c Config) SummaryConfigured() bool {
	return c.SlackBotToken != "" && c.SummaryChannelID != "" && c.SummarySchedule != ""
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
