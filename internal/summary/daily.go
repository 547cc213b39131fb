// Package summary builds the offline aggregates: per-day usage summaries,
// cross-day pattern summaries, and the compact llm_input payload derived
// from both.
package summary

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/store"
)

type DailyOptions struct {
	TopApps   int
	TopTitles int
	TopHourly int
	// KeyEventTypes counts occurrences of these types (normally the P0/P1
	// classification sets).
	KeyEventTypes []string
}

func DefaultDailyOptions() DailyOptions {
	return DailyOptions{TopApps: 10, TopTitles: 10, TopHourly: 3}
}

type AppUsage struct {
	App     string `json:"app"`
	Minutes int    `json:"minutes"`
	Seconds int    `json:"seconds"`
}

type TitleUsage struct {
	App       string `json:"app"`
	TitleHint string `json:"title_hint"`
	Minutes   int    `json:"minutes"`
	Seconds   int    `json:"seconds"`
}

type Transition struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

type FocusStats struct {
	Count     int `json:"count"`
	AvgSec    int `json:"avg_sec"`
	MedianSec int `json:"median_sec"`
	P90Sec    int `json:"p90_sec"`
}

type DailySummary struct {
	DateLocal string `json:"date_local"`
	Window    struct {
		StartUTC string `json:"start_utc"`
		EndUTC   string `json:"end_utc"`
	} `json:"window"`
	Counts struct {
		EventsTotal int `json:"events_total"`
		FocusBlocks int `json:"focus_blocks"`
		IdleStart   int `json:"idle_start"`
		IdleEnd     int `json:"idle_end"`
	} `json:"counts"`
	TopApps         []AppUsage            `json:"top_apps"`
	HourlyUsage     map[string][]AppUsage `json:"hourly_usage"`
	KeyEvents       map[string]int        `json:"key_events"`
	FocusBlockStats FocusStats            `json:"focus_block_stats"`
	AppSwitches     int                   `json:"app_switches"`
	TopTransitions  []Transition          `json:"top_transitions"`
	TimeBuckets     map[string][]AppUsage `json:"time_buckets"`
	TopTitles       []TitleUsage          `json:"top_titles"`
}

// BuildDaily aggregates one local calendar day. The window is the day in loc
// converted to UTC; events and activity details are read from the store.
func BuildDaily(st *store.Store, day time.Time, loc *time.Location, opts DailyOptions) (*DailySummary, error) {
	if loc == nil {
		loc = time.Local
	}
	if opts.TopApps <= 0 {
		opts.TopApps = 10
	}
	if opts.TopTitles <= 0 {
		opts.TopTitles = 10
	}
	if opts.TopHourly <= 0 {
		opts.TopHourly = 3
	}
	startLocal := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	endLocal := startLocal.AddDate(0, 0, 1)
	startUTC := envelope.FormatTS(startLocal)
	endUTC := envelope.FormatTS(endLocal)

	events, err := st.EventsBetween(startUTC, endUTC)
	if err != nil {
		return nil, err
	}

	out := &DailySummary{
		DateLocal:   startLocal.Format("2006-01-02"),
		HourlyUsage: map[string][]AppUsage{},
		KeyEvents:   map[string]int{},
		TimeBuckets: map[string][]AppUsage{},
		TopTitles:   []TitleUsage{},
	}
	out.Window.StartUTC = startUTC
	out.Window.EndUTC = endUTC
	out.Counts.EventsTotal = len(events)

	keyTypes := map[string]struct{}{}
	for _, t := range opts.KeyEventTypes {
		keyTypes[toLower(t)] = struct{}{}
	}

	appTotals := map[string]int{}
	hourly := map[int]map[string]int{}
	buckets := map[string]map[string]int{}
	transitions := map[[2]string]int{}
	var focusDurations []int
	lastApp := ""

	for _, ev := range events {
		ts, ok := envelope.ParseTS(ev.TS)
		if !ok {
			continue
		}
		eventType := toLower(ev.EventType)
		switch eventType {
		case "os.idle_start":
			out.Counts.IdleStart++
		case "os.idle_end":
			out.Counts.IdleEnd++
		}
		if _, key := keyTypes[eventType]; key {
			out.KeyEvents[eventType]++
		}
		if eventType != "os.app_focus_block" {
			continue
		}
		out.Counts.FocusBlocks++
		duration := durationFromPayload(ev.PayloadJSON)
		app := ev.App
		if app == "" {
			app = "UNKNOWN"
		}
		appTotals[app] += duration
		hour := ts.In(loc).Hour()
		if hourly[hour] == nil {
			hourly[hour] = map[string]int{}
		}
		hourly[hour][app] += duration
		bucket := bucketForHour(hour)
		if buckets[bucket] == nil {
			buckets[bucket] = map[string]int{}
		}
		buckets[bucket][app] += duration
		focusDurations = append(focusDurations, duration)
		if lastApp != "" && lastApp != app {
			transitions[[2]string{lastApp, app}]++
		}
		lastApp = app
	}

	out.TopApps = topUsage(appTotals, opts.TopApps)
	for hour, totals := range hourly {
		out.HourlyUsage[twoDigit(hour)] = topUsage(totals, opts.TopHourly)
	}
	for bucket, totals := range buckets {
		out.TimeBuckets[bucket] = topUsage(totals, opts.TopHourly)
	}
	out.FocusBlockStats = focusStats(focusDurations)
	out.TopTransitions, out.AppSwitches = topTransitions(transitions, 10)

	details, err := st.ActivityDetailsSince(startUTC, 1000)
	if err != nil {
		return nil, err
	}
	titleTotals := map[[2]string]int{}
	for _, d := range details {
		if d.TitleHint == "" || d.LastSeenTS >= endUTC {
			continue
		}
		titleTotals[[2]string{d.App, d.TitleHint}] += d.TotalDurationSec
	}
	out.TopTitles = topTitles(titleTotals, opts.TopTitles)

	return out, nil
}

func durationFromPayload(payloadJSON string) int {
	var payload struct {
		DurationSec float64 `json:"duration_sec"`
	}
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return 0
	}
	if payload.DurationSec < 0 {
		return 0
	}
	return int(payload.DurationSec)
}

func bucketForHour(hour int) string {
	switch {
	case hour < 6:
		return "night"
	case hour < 12:
		return "morning"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

func focusStats(durations []int) FocusStats {
	if len(durations) == 0 {
		return FocusStats{}
	}
	values := append([]int(nil), durations...)
	sort.Ints(values)
	total := 0
	for _, v := range values {
		total += v
	}
	count := len(values)
	p90 := int(float64(count) * 0.9)
	if p90 >= count {
		p90 = count - 1
	}
	return FocusStats{
		Count:     count,
		AvgSec:    total / count,
		MedianSec: values[count/2],
		P90Sec:    values[p90],
	}
}

func topUsage(totals map[string]int, n int) []AppUsage {
	out := make([]AppUsage, 0, len(totals))
	for app, sec := range totals {
		out = append(out, AppUsage{App: app, Minutes: sec / 60, Seconds: sec})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seconds != out[j].Seconds {
			return out[i].Seconds > out[j].Seconds
		}
		return out[i].App < out[j].App
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topTitles(totals map[[2]string]int, n int) []TitleUsage {
	out := make([]TitleUsage, 0, len(totals))
	for key, sec := range totals {
		out = append(out, TitleUsage{App: key[0], TitleHint: key[1], Minutes: sec / 60, Seconds: sec})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seconds != out[j].Seconds {
			return out[i].Seconds > out[j].Seconds
		}
		if out[i].App != out[j].App {
			return out[i].App < out[j].App
		}
		return out[i].TitleHint < out[j].TitleHint
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topTransitions(transitions map[[2]string]int, n int) ([]Transition, int) {
	total := 0
	out := make([]Transition, 0, len(transitions))
	for pair, count := range transitions {
		total += count
		out = append(out, Transition{From: pair[0], To: pair[1], Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, total
}

func twoDigit(hour int) string { return fmt.Sprintf("%02d", hour) }

func toLower(s string) string { return strings.ToLower(s) }
