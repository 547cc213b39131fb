// Package metrics keeps the collector's in-process counters and gauges.
//
// The registry is deliberately flat: counter names are dotted strings
// ("drop.reason.debounce", "store.insert_ok_total") and the /stats endpoint
// returns the whole map. A rolling per-minute bucket backs the
// metrics_minute and activity_minute log records.
package metrics

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronicl/collector/internal/envelope"
)

type Options struct {
	LogIntervalSec         int
	ActivityLog            bool
	ActivityTopN           int
	ActivityMinDurationSec int
}

type Registry struct {
	mu              sync.Mutex
	counters        map[string]int64
	gauges          map[string]float64
	minuteBucket    int64
	minuteCounters  map[string]int64
	minuteApps      map[string]int64
	minuteKeyEvents map[string]int64
	lastEventTS     string
	lastLog         time.Time
	opts            Options
}

func New(opts Options) *Registry {
	if opts.LogIntervalSec < 10 {
		opts.LogIntervalSec = 10
	}
	if opts.ActivityTopN < 1 {
		opts.ActivityTopN = 3
	}
	if opts.ActivityMinDurationSec < 0 {
		opts.ActivityMinDurationSec = 0
	}
	return &Registry{
		counters:        map[string]int64{},
		gauges:          map[string]float64{},
		minuteBucket:    time.Now().Unix() / 60,
		minuteCounters:  map[string]int64{},
		minuteApps:      map[string]int64{},
		minuteKeyEvents: map[string]int64{},
		lastLog:         time.Now(),
		opts:            opts,
	}
}

func (r *Registry) Inc(name string, delta int64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += delta
	r.tickMinute()
	r.minuteCounters[name] += delta
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

func (r *Registry) SetLastEventTS(ts string) {
	if ts == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastEventTS = ts
}

// Counter returns the current value of a counter (tests and /stats).
func (r *Registry) Counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

func (r *Registry) RecordDrop(reason string) {
	r.Inc("pipeline.dropped_total", 1)
	if reason != "" {
		r.Inc("drop.reason."+reason, 1)
	}
}

func (r *Registry) RecordPriority(p envelope.Priority) {
	switch p {
	case envelope.PriorityP0:
		r.Inc("priority.p0_total", 1)
	case envelope.PriorityP1:
		r.Inc("priority.p1_total", 1)
	case envelope.PriorityP2:
		r.Inc("priority.p2_total", 1)
	}
}

func (r *Registry) RecordPrivacyDenied() {
	r.Inc("privacy.denied_total", 1)
	r.RecordDrop("denylist")
}

func (r *Registry) RecordPrivacyRedacted() { r.Inc("privacy.redacted_total", 1) }

func (r *Registry) RecordIngestReceived(n int64) { r.Inc("ingest.received_total", n) }
func (r *Registry) RecordIngestOK(n int64)       { r.Inc("ingest.ok_total", n) }

func (r *Registry) RecordIngestInvalid() {
	r.Inc("ingest.invalid_total", 1)
	r.RecordDrop("schema")
}

func (r *Registry) RecordInsertOK() { r.Inc("store.insert_ok_total", 1) }

func (r *Registry) RecordInsertFail() {
	r.Inc("store.insert_fail_total", 1)
	r.RecordDrop("store_fail")
}

// RecordActivity feeds the per-minute app/key-event tallies from a stored
// envelope. Focus blocks contribute duration; P0 events count as key events.
func (r *Registry) RecordActivity(app, eventType string, durationSec int, priority envelope.Priority) {
	if !r.opts.ActivityLog {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickMinute()
	if eventType == "os.app_focus_block" && app != "" && durationSec >= r.opts.ActivityMinDurationSec {
		r.minuteApps[app] += int64(durationSec)
	}
	if priority == envelope.PriorityP0 && eventType != "" {
		r.minuteKeyEvents[eventType]++
	}
}

// Snapshot is the /stats payload.
type Snapshot struct {
	Counters       map[string]int64   `json:"counters"`
	Gauges         map[string]float64 `json:"gauges"`
	Minute         int64              `json:"minute"`
	MinuteCounters map[string]int64   `json:"minute_counters"`
	DBSizeBytes    int64              `json:"db_size_bytes"`
	LastEventTS    string             `json:"last_event_ts,omitempty"`
}

func (r *Registry) Snapshot(dbSizeBytes int64) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickMinute()
	return Snapshot{
		Counters:       copyCounters(r.counters),
		Gauges:         copyGauges(r.gauges),
		Minute:         r.minuteBucket,
		MinuteCounters: copyCounters(r.minuteCounters),
		DBSizeBytes:    dbSizeBytes,
		LastEventTS:    r.lastEventTS,
	}
}

// MaybeLog emits a metrics_minute record when the log interval has elapsed,
// followed by an activity_minute record when the minute saw any activity.
func (r *Registry) MaybeLog(logger *zap.Logger, dbSizeBytes int64) {
	r.mu.Lock()
	if time.Since(r.lastLog) < time.Duration(r.opts.LogIntervalSec)*time.Second {
		r.mu.Unlock()
		return
	}
	r.lastLog = time.Now()
	r.tickMinute()
	snap := Snapshot{
		Counters:       copyCounters(r.counters),
		Gauges:         copyGauges(r.gauges),
		Minute:         r.minuteBucket,
		MinuteCounters: copyCounters(r.minuteCounters),
		DBSizeBytes:    dbSizeBytes,
		LastEventTS:    r.lastEventTS,
	}
	topApps := topN(r.minuteApps, r.opts.ActivityTopN)
	keyEvents := copyCounters(r.minuteKeyEvents)
	activity := r.opts.ActivityLog
	minuteTS := time.Unix(r.minuteBucket*60, 0).UTC()
	r.mu.Unlock()

	logger.Info("metrics_minute",
		zap.Any("counters", snap.Counters),
		zap.Any("gauges", snap.Gauges),
		zap.Int64("minute", snap.Minute),
		zap.Any("minute_counters", snap.MinuteCounters),
		zap.Int64("db_size_bytes", snap.DBSizeBytes),
		zap.String("last_event_ts", snap.LastEventTS),
	)
	if activity && (len(topApps) > 0 || len(keyEvents) > 0) {
		logger.Info("activity_minute",
			zap.String("minute", minuteTS.Format("2006-01-02 15:04")),
			zap.Any("top_apps", topApps),
			zap.Any("key_events", keyEvents),
		)
	}
}

func (r *Registry) tickMinute() {
	bucket := time.Now().Unix() / 60
	if bucket != r.minuteBucket {
		r.minuteBucket = bucket
		r.minuteCounters = map[string]int64{}
		r.minuteApps = map[string]int64{}
		r.minuteKeyEvents = map[string]int64{}
	}
}

type AppSeconds struct {
	App string `json:"app"`
	Sec int64  `json:"sec"`
}

func topN(totals map[string]int64, n int) []AppSeconds {
	out := make([]AppSeconds, 0, len(totals))
	for app, sec := range totals {
		out = append(out, AppSeconds{App: app, Sec: sec})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sec != out[j].Sec {
			return out[i].Sec > out[j].Sec
		}
		return out[i].App < out[j].App
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func copyCounters(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyGauges(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
