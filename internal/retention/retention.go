// Package retention deletes aged rows, expires stale handoffs, and keeps the
// database file size in check.
package retention

import (
	"time"

	"go.uber.org/zap"

	"github.com/chronicl/collector/internal/config"
	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/store"
)

// Result is the per-pass accounting, logged as one structured record.
type Result struct {
	DeletedEvents           int64 `json:"deleted_events"`
	DeletedSessions         int64 `json:"deleted_sessions"`
	DeletedRoutines         int64 `json:"deleted_routines"`
	DeletedHandoff          int64 `json:"deleted_handoff"`
	ExpiredHandoff          int64 `json:"expired_handoff"`
	DeletedDailySummaries   int64 `json:"deleted_daily_summaries"`
	DeletedPatternSummaries int64 `json:"deleted_pattern_summaries"`
	DeletedLLMInputs        int64 `json:"deleted_llm_inputs"`
	DBSizeBefore            int64 `json:"db_size_before"`
	DBSizeAfter             int64 `json:"db_size_after"`
	Vacuumed                bool  `json:"vacuumed"`
}

// Run performs one retention pass against now. forceVacuum skips the size
// threshold check.
func Run(st *store.Store, policy config.Retention, now time.Time, forceVacuum bool) (Result, error) {
	result := Result{DBSizeBefore: st.DBSize()}
	batch := policy.BatchSize

	type step struct {
		days int
		del  func(cutoff string) (int64, error)
		out  *int64
	}
	steps := []step{
		{policy.RawEventsDays, func(c string) (int64, error) { return st.DeleteOldEvents(c, batch) }, &result.DeletedEvents},
		{policy.SessionsDays, func(c string) (int64, error) { return st.DeleteOldSessions(c, batch) }, &result.DeletedSessions},
		{policy.RoutineCandidateDays, func(c string) (int64, error) { return st.DeleteOldRoutines(c, batch) }, &result.DeletedRoutines},
		{policy.DailySummariesDays, func(c string) (int64, error) { return st.DeleteOldDailySummaries(c, batch) }, &result.DeletedDailySummaries},
		{policy.PatternSummariesDays, func(c string) (int64, error) { return st.DeleteOldPatternSummaries(c, batch) }, &result.DeletedPatternSummaries},
		{policy.LLMInputsDays, func(c string) (int64, error) { return st.DeleteOldLLMInputs(c, batch) }, &result.DeletedLLMInputs},
	}
	for _, s := range steps {
		if s.days <= 0 {
			continue
		}
		cutoff := envelope.FormatTS(now.AddDate(0, 0, -s.days))
		n, err := s.del(cutoff)
		if err != nil {
			return result, err
		}
		*s.out = n
	}

	if policy.HandoffQueueDays > 0 {
		cutoff := envelope.FormatTS(now.AddDate(0, 0, -policy.HandoffQueueDays))
		expired, err := st.ExpirePendingHandoff(cutoff)
		if err != nil {
			return result, err
		}
		result.ExpiredHandoff = expired
		deleted, err := st.DeleteOldHandoff(cutoff, batch)
		if err != nil {
			return result, err
		}
		result.DeletedHandoff = deleted
	}

	if err := st.CheckpointWAL(); err != nil {
		return result, err
	}
	result.DBSizeAfter = st.DBSize()

	if forceVacuum || shouldVacuum(policy, result.DBSizeAfter) {
		if err := st.Vacuum(); err != nil {
			return result, err
		}
		result.Vacuumed = true
		result.DBSizeAfter = st.DBSize()
	}
	return result, nil
}

func shouldVacuum(policy config.Retention, dbSizeBytes int64) bool {
	if policy.MaxDBMB <= 0 {
		return false
	}
	return dbSizeBytes >= int64(policy.MaxDBMB)*1024*1024
}

// Loop runs retention every interval until stop closes. A vacuum is forced
// whenever vacuum_hours have elapsed since the last one, independent of the
// size threshold.
func Loop(st *store.Store, policy config.Retention, logger *zap.Logger, stop <-chan struct{}) {
	interval := time.Duration(policy.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	vacuumEvery := time.Duration(policy.VacuumHours) * time.Hour
	lastVacuum := time.Now()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			force := vacuumEvery > 0 && time.Since(lastVacuum) >= vacuumEvery
			result, err := Run(st, policy, time.Now().UTC(), force)
			if err != nil {
				logger.Error("retention failed", zap.Error(err))
				continue
			}
			if result.Vacuumed {
				lastVacuum = time.Now()
			}
			LogResult(logger, result)
		}
	}
}

// LogResult emits the retention accounting as one structured record.
func LogResult(logger *zap.Logger, result Result) {
	logger.Info("retention",
		zap.Int64("deleted_events", result.DeletedEvents),
		zap.Int64("deleted_sessions", result.DeletedSessions),
		zap.Int64("deleted_routines", result.DeletedRoutines),
		zap.Int64("deleted_handoff", result.DeletedHandoff),
		zap.Int64("expired_handoff", result.ExpiredHandoff),
		zap.Int64("deleted_daily_summaries", result.DeletedDailySummaries),
		zap.Int64("deleted_pattern_summaries", result.DeletedPatternSummaries),
		zap.Int64("deleted_llm_inputs", result.DeletedLLMInputs),
		zap.Int64("db_size_before", result.DBSizeBefore),
		zap.Int64("db_size_after", result.DBSizeAfter),
		zap.Bool("vacuumed", result.Vacuumed),
	)
}
