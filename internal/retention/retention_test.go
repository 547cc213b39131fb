package retention_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicl/collector/internal/config"
	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/retention"
	"github.com/chronicl/collector/internal/store"
)

var retentionNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "collector.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate())
	return st
}

func insertEventsAt(t *testing.T, st *store.Store, ts string, n int) {
	t.Helper()
	var batch []store.EventToInsert
	for i := 0; i < n; i++ {
		batch = append(batch, store.EventToInsert{
			SchemaVersion: "1.0",
			EventID:       fmt.Sprintf("ev-%s-%d", ts, i),
			TS:            ts,
			Source:        "os_sensor",
			App:           "excel.exe",
			EventType:     "os.file_opened",
			Priority:      "P1",
			ResourceType:  "file",
			ResourceID:    "r",
			PayloadJSON:   "{}",
			PrivacyJSON:   "{}",
			RawJSON:       "{}",
		})
	}
	require.NoError(t, st.InsertEvents(batch, 0, 0))
}

func policy() config.Retention {
	return config.Retention{
		RawEventsDays:        14,
		SessionsDays:         90,
		RoutineCandidateDays: 90,
		HandoffQueueDays:     7,
		DailySummariesDays:   365,
		PatternSummariesDays: 180,
		LLMInputsDays:        30,
		BatchSize:            100,
		MaxDBMB:              512,
	}
}

func TestRunDeletesByCutoff(t *testing.T) {
	st := openTestStore(t)
	insertEventsAt(t, st, envelope.FormatTS(retentionNow.AddDate(0, 0, -20)), 5)
	insertEventsAt(t, st, envelope.FormatTS(retentionNow.AddDate(0, 0, -1)), 3)

	old := envelope.FormatTS(retentionNow.AddDate(0, 0, -100))
	require.NoError(t, st.UpsertSessions([]store.SessionRow{
		{SessionID: "old", StartTS: old, EndTS: old, DurationSec: 0, SummaryJSON: "{}"},
		{SessionID: "new", StartTS: envelope.FormatTS(retentionNow), EndTS: envelope.FormatTS(retentionNow), DurationSec: 0, SummaryJSON: "{}"},
	}))
	require.NoError(t, st.UpsertRoutineCandidates([]store.RoutineRow{
		{PatternID: "stale", PatternJSON: "{}", Support: 2, Confidence: 2, LastSeenTS: old, EvidenceJSON: "[]"},
	}))

	result, err := retention.Run(st, policy(), retentionNow, false)
	require.NoError(t, err)

	assert.Equal(t, int64(5), result.DeletedEvents)
	assert.Equal(t, int64(1), result.DeletedSessions)
	assert.Equal(t, int64(1), result.DeletedRoutines)
	assert.False(t, result.Vacuumed)
	assert.Greater(t, result.DBSizeAfter, int64(0))

	n, err := st.CountEvents()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRunExpiresAndDeletesHandoff(t *testing.T) {
	st := openTestStore(t)
	stale := envelope.FormatTS(retentionNow.AddDate(0, 0, -10))
	fresh := envelope.FormatTS(retentionNow.Add(-time.Hour))
	require.NoError(t, st.EnqueueHandoff("old-pkg", stale, "{}", 2, stale))
	require.NoError(t, st.EnqueueHandoff("new-pkg", fresh, "{}", 2, fresh))

	result, err := retention.Run(st, policy(), retentionNow, false)
	require.NoError(t, err)
	// The stale pending row is expired first, then deleted by cutoff.
	assert.Equal(t, int64(1), result.ExpiredHandoff)
	assert.Equal(t, int64(1), result.DeletedHandoff)

	remaining, err := st.LatestHandoff("pending")
	require.NoError(t, err)
	require.NotNil(t, remaining)
	assert.Equal(t, "new-pkg", remaining.PackageID)
}

func TestRunForceVacuum(t *testing.T) {
	st := openTestStore(t)
	insertEventsAt(t, st, envelope.FormatTS(retentionNow.AddDate(0, 0, -20)), 10)

	result, err := retention.Run(st, policy(), retentionNow, true)
	require.NoError(t, err)
	assert.True(t, result.Vacuumed)
}

func TestRunZeroDaysSkipsTable(t *testing.T) {
	st := openTestStore(t)
	insertEventsAt(t, st, envelope.FormatTS(retentionNow.AddDate(0, 0, -400)), 4)

	p := policy()
	p.RawEventsDays = 0
	result, err := retention.Run(st, p, retentionNow, false)
	require.NoError(t, err)
	assert.Zero(t, result.DeletedEvents)

	n, err := st.CountEvents()
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
