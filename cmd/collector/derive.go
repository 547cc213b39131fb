package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/handoff"
	"github.com/chronicl/collector/internal/privacy"
	"github.com/chronicl/collector/internal/retention"
	"github.com/chronicl/collector/internal/routine"
	"github.com/chronicl/collector/internal/session"
	"github.com/chronicl/collector/internal/store"
	"github.com/chronicl/collector/internal/summary"
)

// Watermark keys for --use-state runs.
const (
	stateLastSessionizedTS = "last_sessionized_ts"
	stateLastRoutineTS     = "last_routine_ts"
)

// windowFlags are shared by the derivation commands: an explicit
// [--start, --end) range, a --days lookback, or --use-state watermarking.
type windowFlags struct {
	start    string
	end      string
	days     int
	useState bool
	dryRun   bool
}

func (f *windowFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.start, "start", "", "window start (RFC 3339 UTC)")
	cmd.Flags().StringVar(&f.end, "end", "", "window end (RFC 3339 UTC)")
	cmd.Flags().IntVar(&f.days, "days", 1, "look back N days when --start is not given")
	cmd.Flags().BoolVar(&f.useState, "use-state", false, "start from the stored watermark")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "compute but do not write")
}

// resolve returns the [start, end) window. With --use-state the start comes
// from the watermark (falling back to --days) and end is now.
func (f *windowFlags) resolve(st *store.Store, stateKey string, now time.Time) (string, string, error) {
	end := f.end
	if end == "" {
		end = envelope.FormatTS(now)
	} else if _, ok := envelope.ParseTS(end); !ok {
		return "", "", fmt.Errorf("invalid --end: %q", f.end)
	}

	if f.useState && stateKey != "" {
		watermark, err := st.GetState(stateKey)
		if err != nil {
			return "", "", err
		}
		if watermark != "" {
			return watermark, end, nil
		}
	}
	if f.start != "" {
		if _, ok := envelope.ParseTS(f.start); !ok {
			return "", "", fmt.Errorf("invalid --start: %q", f.start)
		}
		return f.start, end, nil
	}
	days := f.days
	if days <= 0 {
		days = 1
	}
	return envelope.FormatTS(now.AddDate(0, 0, -days)), end, nil
}

func (f *windowFlags) commit(st *store.Store, stateKey, end string) error {
	if !f.useState || f.dryRun || stateKey == "" {
		return nil
	}
	return st.SetState(stateKey, end)
}

func newBuildSessionsCmd() *cobra.Command {
	var flags windowFlags
	cmd := &cobra.Command{
		Use:   "build-sessions",
		Short: "Group stored events into sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			now := time.Now().UTC()
			start, end, err := flags.resolve(st, stateLastSessionizedTS, now)
			if err != nil {
				return err
			}
			rows, err := st.EventsBetween(start, end)
			if err != nil {
				return err
			}
			opts := session.DefaultOptions()
			if cfg.Sessionizer.GapSeconds > 0 {
				opts.GapSeconds = cfg.Sessionizer.GapSeconds
			}
			opts.CloseOnP0 = cfg.Sessionizer.CloseOnP0Enabled()
			if len(cfg.Sessionizer.KeyP1EventTypes) > 0 {
				opts.KeyP1EventTypes = cfg.Sessionizer.KeyP1EventTypes
			}
			sessions := session.Split(session.FromRecords(rows), opts)
			records, err := session.BuildRecords(sessions, opts)
			if err != nil {
				return err
			}
			if !flags.dryRun {
				if err := st.UpsertSessions(records); err != nil {
					return err
				}
			}
			if err := flags.commit(st, stateLastSessionizedTS, end); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sessions=%d events=%d window=[%s, %s)\n",
				len(records), len(rows), start, end)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newBuildRoutinesCmd() *cobra.Command {
	var flags windowFlags
	cmd := &cobra.Command{
		Use:   "build-routines",
		Short: "Mine routine candidates from session key events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			now := time.Now().UTC()
			start, end, err := flags.resolve(st, stateLastRoutineTS, now)
			if err != nil {
				return err
			}
			rows, err := st.SessionsBetween(start, end)
			if err != nil {
				return err
			}
			opts := routine.Options{
				NMin:        cfg.Routine.NMin,
				NMax:        cfg.Routine.NMax,
				MinSupport:  cfg.Routine.MinSupport,
				MaxPatterns: cfg.Routine.MaxPatterns,
				MaxEvidence: cfg.Routine.MaxEvidence,
			}
			candidates, err := routine.Mine(routine.FromRows(rows), opts, now)
			if err != nil {
				return err
			}
			if !flags.dryRun {
				if err := st.UpsertRoutineCandidates(candidates); err != nil {
					return err
				}
			}
			if err := flags.commit(st, stateLastRoutineTS, end); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "routines=%d sessions=%d window=[%s, %s)\n",
				len(candidates), len(rows), start, end)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newBuildHandoffCmd() *cobra.Command {
	var (
		dryRun            bool
		skipUnchanged     bool
		keepLatestPending bool
	)
	cmd := &cobra.Command{
		Use:   "build-handoff",
		Short: "Assemble a size-bounded handoff package and enqueue it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			rules, err := privacy.LoadRules(cfg.Privacy.RulesPath)
			if err != nil {
				return err
			}
			builder := handoff.NewBuilder(st, rules, logger, handoff.Options{
				MaxSizeBytes:       cfg.Handoff.MaxSizeBytes,
				RecentSessions:     cfg.Handoff.RecentSessions,
				RecentRoutines:     cfg.Handoff.RecentRoutines,
				MaxResources:       cfg.Handoff.MaxResources,
				MaxEvidence:        cfg.Handoff.MaxEvidence,
				RedactionScanLimit: cfg.Handoff.RedactionScanLimit,
			})
			pkg, err := builder.Build()
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "handoff size=%d (dry run)\n", pkg.Size)
				return nil
			}
			if skipUnchanged {
				same, err := handoffUnchanged(st, pkg)
				if err != nil {
					return err
				}
				if same {
					fmt.Fprintln(cmd.OutOrStdout(), "handoff unchanged, skipped")
					return nil
				}
			}
			payloadJSON, err := json.Marshal(pkg.Payload)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			expiresAt := envelope.FormatTS(now.Add(time.Duration(cfg.Handoff.ExpireHours) * time.Hour))
			packageID, _ := pkg.Payload["package_id"].(string)
			if err := st.EnqueueHandoff(packageID, envelope.FormatTS(now), string(payloadJSON), pkg.Size, expiresAt); err != nil {
				return err
			}
			if keepLatestPending {
				latest, err := st.LatestHandoff("pending")
				if err != nil {
					return err
				}
				if latest != nil {
					if _, err := st.MarkHandoffSuperseded(latest.ID); err != nil {
						return err
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "handoff queued package_id=%s size=%d\n", packageID, pkg.Size)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "build but do not enqueue")
	cmd.Flags().BoolVar(&skipUnchanged, "skip-unchanged", false, "skip when last_event_ts matches the pending package")
	cmd.Flags().BoolVar(&keepLatestPending, "keep-latest-pending", false, "expire older pending packages")
	return cmd
}

// handoffUnchanged compares the new package's device last_event_ts against
// the latest pending row.
func handoffUnchanged(st *store.Store, pkg handoff.Package) (bool, error) {
	pending, err := st.LatestHandoff("pending")
	if err != nil || pending == nil {
		return false, err
	}
	var existing struct {
		DeviceContext struct {
			LastEventTS *string `json:"last_event_ts"`
		} `json:"device_context"`
	}
	if err := json.Unmarshal([]byte(pending.PayloadJSON), &existing); err != nil {
		return false, nil
	}
	device, _ := pkg.Payload["device_context"].(map[string]any)
	newTS, _ := device["last_event_ts"].(string)
	return existing.DeviceContext.LastEventTS != nil && newTS != "" &&
		*existing.DeviceContext.LastEventTS == newTS, nil
}

func newBuildDailySummaryCmd() *cobra.Command {
	var (
		dateFlag string
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "build-daily-summary",
		Short: "Aggregate one local day of events into a daily summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			day := time.Now()
			if dateFlag != "" {
				day, err = time.ParseInLocation("2006-01-02", dateFlag, time.Local)
				if err != nil {
					return fmt.Errorf("invalid --date: %q", dateFlag)
				}
			}
			opts := summary.DefaultDailyOptions()
			opts.KeyEventTypes = append(cfg.Priority.P0EventTypes, cfg.Priority.P1EventTypes...)
			daily, err := summary.BuildDaily(st, day, time.Local, opts)
			if err != nil {
				return err
			}
			serialized, err := json.Marshal(daily)
			if err != nil {
				return err
			}
			if !dryRun {
				createdAt := envelope.FormatTS(time.Now())
				if err := st.UpsertDailySummary(daily.DateLocal, createdAt, string(serialized)); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daily_summary date=%s events=%d focus_blocks=%d\n",
				daily.DateLocal, daily.Counts.EventsTotal, daily.Counts.FocusBlocks)
			return nil
		},
	}
	cmd.Flags().StringVar(&dateFlag, "date", "", "local date YYYY-MM-DD (default today)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute but do not write")
	return cmd
}

func newBuildPatternSummaryCmd() *cobra.Command {
	var (
		flags     windowFlags
		sinceDays int
	)
	cmd := &cobra.Command{
		Use:   "build-pattern-summary",
		Short: "Mine hourly/weekday app patterns from recent daily summaries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			opts := summary.DefaultPatternOptions()
			if sinceDays > 0 {
				opts.SinceDays = sinceDays
			}
			now := time.Now().UTC()
			pattern, err := summary.BuildPattern(st, now, opts)
			if err != nil {
				return err
			}
			serialized, err := json.Marshal(pattern)
			if err != nil {
				return err
			}
			if !flags.dryRun {
				if err := st.InsertPatternSummary(pattern.GeneratedAt, string(serialized)); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pattern_summary days=%d summaries=%d patterns=%d\n",
				opts.SinceDays, pattern.SummaryCount, len(pattern.Patterns))
			return nil
		},
	}
	cmd.Flags().IntVar(&sinceDays, "since-days", 7, "daily summaries to consider")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "compute but do not write")
	return cmd
}

func newBuildLLMInputCmd() *cobra.Command {
	var (
		dateFlag string
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "build-llm-input",
		Short: "Condense the latest summaries into a prompt-sized payload",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if dateFlag == "" {
				dateFlag = time.Now().Format("2006-01-02")
			}
			now := time.Now().UTC()
			input, serialized, err := summary.BuildLLMInput(st, dateFlag, now, summary.DefaultLLMInputOptions())
			if err != nil {
				return err
			}
			if !dryRun {
				if err := st.InsertLLMInput(input.GeneratedAt, serialized); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "llm_input date=%s bytes=%d\n", dateFlag, len(serialized))
			return nil
		},
	}
	cmd.Flags().StringVar(&dateFlag, "date", "", "local date YYYY-MM-DD (default today)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute but do not write")
	return cmd
}

func newRunRetentionCmd() *cobra.Command {
	var (
		dryRun      bool
		forceVacuum bool
	)
	cmd := &cobra.Command{
		Use:   "run-retention",
		Short: "Run one retention pass: cutoff deletes, handoff expiry, vacuum",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "retention dry run: db_size=%d\n", st.DBSize())
				return nil
			}
			result, err := retention.Run(st, cfg.Retention, time.Now().UTC(), forceVacuum)
			if err != nil {
				return err
			}
			retention.LogResult(logger, result)
			out, err := json.Marshal(result)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")
	cmd.Flags().BoolVar(&forceVacuum, "force-vacuum", false, "vacuum regardless of size")
	return cmd
}
