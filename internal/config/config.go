// Package config loads the collector's YAML configuration. Every option has
// a conservative default; a missing file is a startup error, a missing key
// is not.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Ingest struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Token   string `yaml:"token"`
}

type Queue struct {
	MaxSize              int `yaml:"max_size"`
	InsertBatchSize      int `yaml:"insert_batch_size"`
	InsertFlushMS        int `yaml:"insert_flush_ms"`
	InsertRetryAttempts  int `yaml:"insert_retry_attempts"`
	InsertRetryBackoffMS int `yaml:"insert_retry_backoff_ms"`
	ShutdownDrainSeconds int `yaml:"shutdown_drain_seconds"`
}

type Privacy struct {
	RulesPath string `yaml:"rules_path"`
	HashSalt  string `yaml:"hash_salt"`
	// URLMode overrides the rules file's url_policy: "rules", "full", "domain".
	URLMode string `yaml:"url_mode"`
}

type Priority struct {
	DebounceSeconds     float64  `yaml:"debounce_seconds"`
	FocusEventTypes     []string `yaml:"focus_event_types"`
	FocusBlockEventType string   `yaml:"focus_block_event_type"`
	DropP2WhenQueueOver float64  `yaml:"drop_p2_when_queue_over"`
	P0EventTypes        []string `yaml:"p0_event_types"`
	P1EventTypes        []string `yaml:"p1_event_types"`
	P2EventTypes        []string `yaml:"p2_event_types"`
}

type ActivityDetail struct {
	Enabled        bool     `yaml:"enabled"`
	MinDurationSec int      `yaml:"min_duration_sec"`
	StoreHint      bool     `yaml:"store_hint"`
	FullTitleApps  []string `yaml:"full_title_apps"`
	MaxTitleLen    int      `yaml:"max_title_len"`
}

type Metrics struct {
	LogIntervalSec         int  `yaml:"log_interval_sec"`
	ActivityLog            bool `yaml:"activity_log"`
	ActivityTopN           int  `yaml:"activity_top_n"`
	ActivityMinDurationSec int  `yaml:"activity_min_duration_sec"`
}

type Retention struct {
	IntervalMinutes      int `yaml:"interval_minutes"`
	RawEventsDays        int `yaml:"raw_events_days"`
	SessionsDays         int `yaml:"sessions_days"`
	RoutineCandidateDays int `yaml:"routine_candidates_days"`
	HandoffQueueDays     int `yaml:"handoff_queue_days"`
	DailySummariesDays   int `yaml:"daily_summaries_days"`
	PatternSummariesDays int `yaml:"pattern_summaries_days"`
	LLMInputsDays        int `yaml:"llm_inputs_days"`
	BatchSize            int `yaml:"batch_size"`
	MaxDBMB              int `yaml:"max_db_mb"`
	VacuumHours          int `yaml:"vacuum_hours"`
}

type Sessionizer struct {
	GapSeconds      int      `yaml:"gap_seconds"`
	CloseOnP0       *bool    `yaml:"close_on_p0"`
	KeyP1EventTypes []string `yaml:"key_p1_event_types"`
}

type Routine struct {
	NMin        int `yaml:"n_min"`
	NMax        int `yaml:"n_max"`
	MinSupport  int `yaml:"min_support"`
	MaxPatterns int `yaml:"max_patterns"`
	MaxEvidence int `yaml:"max_evidence"`
}

type Handoff struct {
	MaxSizeBytes       int `yaml:"max_size_bytes"`
	RecentSessions     int `yaml:"recent_sessions"`
	RecentRoutines     int `yaml:"recent_routines"`
	MaxResources       int `yaml:"max_resources"`
	MaxEvidence        int `yaml:"max_evidence"`
	RedactionScanLimit int `yaml:"redaction_scan_limit"`
	ExpireHours        int `yaml:"expire_hours"`
}

type Encryption struct {
	Enabled bool   `yaml:"enabled"`
	KeyFile string `yaml:"key_file"`
}

type Config struct {
	DBPath          string         `yaml:"db_path"`
	WALMode         bool           `yaml:"wal_mode"`
	BusyTimeoutMS   int            `yaml:"busy_timeout_ms"`
	ValidationLevel string         `yaml:"validation_level"`
	LogLevel        string         `yaml:"log_level"`
	Ingest          Ingest         `yaml:"ingest"`
	Queue           Queue          `yaml:"queue"`
	Privacy         Privacy        `yaml:"privacy"`
	Priority        Priority       `yaml:"priority"`
	ActivityDetail  ActivityDetail `yaml:"activity_detail"`
	Metrics         Metrics        `yaml:"metrics"`
	Retention       Retention      `yaml:"retention"`
	Sessionizer     Sessionizer    `yaml:"sessionizer"`
	Routine         Routine        `yaml:"routine"`
	Handoff         Handoff        `yaml:"handoff"`
	Encryption      Encryption     `yaml:"encryption"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	closeOnP0 := true
	return Config{
		DBPath:          "collector.db",
		WALMode:         true,
		BusyTimeoutMS:   5000,
		ValidationLevel: "lenient",
		LogLevel:        "info",
		Ingest: Ingest{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Queue: Queue{
			MaxSize:              1000,
			InsertBatchSize:      100,
			InsertFlushMS:        1000,
			InsertRetryAttempts:  3,
			InsertRetryBackoffMS: 50,
			ShutdownDrainSeconds: 2,
		},
		Privacy: Privacy{
			RulesPath: "configs/privacy_rules.yaml",
			HashSalt:  "dev-salt",
			URLMode:   "rules",
		},
		Priority: Priority{
			DebounceSeconds:     2.0,
			FocusEventTypes:     []string{"os.foreground_changed"},
			FocusBlockEventType: "os.app_focus_block",
			DropP2WhenQueueOver: 0.8,
		},
		ActivityDetail: ActivityDetail{
			Enabled:        false,
			MinDurationSec: 5,
			StoreHint:      true,
			MaxTitleLen:    256,
		},
		Metrics: Metrics{
			LogIntervalSec:         60,
			ActivityLog:            true,
			ActivityTopN:           3,
			ActivityMinDurationSec: 5,
		},
		Retention: Retention{
			IntervalMinutes:      60,
			RawEventsDays:        14,
			SessionsDays:         90,
			RoutineCandidateDays: 90,
			HandoffQueueDays:     7,
			DailySummariesDays:   365,
			PatternSummariesDays: 180,
			LLMInputsDays:        30,
			BatchSize:            500,
			MaxDBMB:              512,
			VacuumHours:          24,
		},
		Sessionizer: Sessionizer{
			GapSeconds: 900,
			CloseOnP0:  &closeOnP0,
		},
		Routine: Routine{
			NMin:        2,
			NMax:        5,
			MinSupport:  2,
			MaxPatterns: 100,
			MaxEvidence: 10,
		},
		Handoff: Handoff{
			MaxSizeBytes:       50 * 1024,
			RecentSessions:     3,
			RecentRoutines:     10,
			MaxResources:       10,
			MaxEvidence:        5,
			RedactionScanLimit: 200,
			ExpireHours:        24,
		},
	}
}

// Load reads path, overlays it on the defaults, and validates the result.
// Relative paths inside the file resolve against the file's directory.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	base := filepath.Dir(path)
	cfg.DBPath = resolvePath(base, cfg.DBPath)
	cfg.Privacy.RulesPath = resolvePath(base, cfg.Privacy.RulesPath)
	cfg.Encryption.KeyFile = resolvePath(base, cfg.Encryption.KeyFile)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.ValidationLevel) {
	case "lenient", "strict":
	default:
		return fmt.Errorf("config: validation_level must be lenient or strict, got %q", c.ValidationLevel)
	}
	switch strings.ToLower(c.Privacy.URLMode) {
	case "", "rules", "full", "domain":
	default:
		return fmt.Errorf("config: privacy.url_mode must be rules, full or domain, got %q", c.Privacy.URLMode)
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("config: queue.max_size must be positive, got %d", c.Queue.MaxSize)
	}
	if c.Ingest.Port <= 0 || c.Ingest.Port > 65535 {
		return fmt.Errorf("config: ingest.port out of range: %d", c.Ingest.Port)
	}
	if c.Priority.DebounceSeconds < 0 {
		return fmt.Errorf("config: priority.debounce_seconds must be non-negative")
	}
	if c.Routine.NMin > c.Routine.NMax {
		return fmt.Errorf("config: routine.n_min (%d) exceeds n_max (%d)", c.Routine.NMin, c.Routine.NMax)
	}
	return nil
}

// CloseOnP0Enabled reports the close-on-P0 policy with its default applied.
func (s Sessionizer) CloseOnP0Enabled() bool {
	if s.CloseOnP0 == nil {
		return true
	}
	return *s.CloseOnP0
}

func resolvePath(base, value string) string {
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(base, value)
}
