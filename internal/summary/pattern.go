package summary

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/store"
)

type PatternOptions struct {
	SinceDays    int
	TopHours     int
	TopSequences int
	NGramMin     int
	NGramMax     int
}

func DefaultPatternOptions() PatternOptions {
	return PatternOptions{SinceDays: 7, TopHours: 12, TopSequences: 10, NGramMin: 2, NGramMax: 3}
}

type HourPattern struct {
	Hour       string  `json:"hour"`
	App        string  `json:"app"`
	Days       int     `json:"days"`
	Minutes    int     `json:"minutes"`
	Confidence float64 `json:"confidence"`
}

type SequencePattern struct {
	Sequence   []string `json:"sequence"`
	Support    int      `json:"support"`
	Confidence float64  `json:"confidence"`
}

type PatternSummary struct {
	GeneratedAt      string                   `json:"generated_at"`
	WindowDays       int                      `json:"window_days"`
	Patterns         []HourPattern            `json:"patterns"`
	WeekdayPatterns  map[string][]HourPattern `json:"weekday_patterns"`
	SequencePatterns []SequencePattern        `json:"sequence_patterns"`
	TopApps          []AppUsage               `json:"top_apps"`
	SummaryCount     int                      `json:"summary_count"`
}

// BuildPattern mines the stored daily summaries for per-hour app habits:
// which app wins each hour on how many days, plus day-level app sequences.
func BuildPattern(st *store.Store, now time.Time, opts PatternOptions) (*PatternSummary, error) {
	if opts.SinceDays <= 0 {
		opts.SinceDays = 7
	}
	if opts.NGramMin <= 0 {
		opts.NGramMin = 2
	}
	if opts.NGramMax < opts.NGramMin {
		opts.NGramMax = opts.NGramMin
	}
	sinceDate := now.AddDate(0, 0, -opts.SinceDays).Format("2006-01-02")
	rawSummaries, err := st.DailySummariesSince(sinceDate)
	if err != nil {
		return nil, err
	}

	dailies := make([]*DailySummary, 0, len(rawSummaries))
	for _, raw := range rawSummaries {
		var d DailySummary
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			continue
		}
		dailies = append(dailies, &d)
	}

	out := &PatternSummary{
		GeneratedAt:      envelope.FormatTS(now),
		WindowDays:       opts.SinceDays,
		WeekdayPatterns:  map[string][]HourPattern{},
		SequencePatterns: []SequencePattern{},
		SummaryCount:     len(dailies),
	}

	hourVotes := map[string]map[string]int{}
	hourMinutes := map[string]map[string]int{}
	weekdayVotes := map[string]map[string]map[string]int{}
	weekdayMinutes := map[string]map[string]map[string]int{}
	appTotals := map[string]int{}
	var sequences [][]string

	for _, daily := range dailies {
		weekday := ""
		if day, err := time.Parse("2006-01-02", daily.DateLocal); err == nil {
			weekday = day.Weekday().String()[:3]
		}
		var seq []string
		for _, hour := range sortedHours(daily.HourlyUsage) {
			items := daily.HourlyUsage[hour]
			if len(items) == 0 {
				continue
			}
			winner := items[0].App
			bump(hourVotes, hour, winner, 1)
			for _, item := range items {
				bump(hourMinutes, hour, item.App, item.Seconds)
			}
			if weekday != "" {
				bumpNested(weekdayVotes, weekday, hour, winner, 1)
				for _, item := range items {
					bumpNested(weekdayMinutes, weekday, hour, item.App, item.Seconds)
				}
			}
			seq = append(seq, winner)
		}
		for _, item := range daily.TopApps {
			appTotals[item.App] += item.Seconds
		}
		if len(seq) > 0 {
			sequences = append(sequences, seq)
		}
	}

	out.Patterns = hourPatterns(hourVotes, hourMinutes, len(dailies))
	sort.Slice(out.Patterns, func(i, j int) bool {
		if out.Patterns[i].Days != out.Patterns[j].Days {
			return out.Patterns[i].Days > out.Patterns[j].Days
		}
		return out.Patterns[i].Minutes > out.Patterns[j].Minutes
	})
	if opts.TopHours > 0 && len(out.Patterns) > opts.TopHours {
		out.Patterns = out.Patterns[:opts.TopHours]
	}

	for weekday, votes := range weekdayVotes {
		out.WeekdayPatterns[weekday] = hourPatterns(votes, weekdayMinutes[weekday], len(dailies))
	}

	out.SequencePatterns = sequencePatterns(sequences, opts.NGramMin, opts.NGramMax, opts.TopSequences)
	out.TopApps = topUsage(appTotals, 10)
	return out, nil
}

// hourConfidence blends how many days the app won the hour with how much
// time it accumulated: day_ratio·0.7 + minutes_ratio·0.3, minutes capped at 30.
func hourConfidence(days, totalDays, minutes int) float64 {
	if totalDays <= 0 {
		return 0
	}
	dayRatio := math.Min(1, float64(days)/float64(totalDays))
	minutesRatio := math.Min(1, float64(minutes)/30.0)
	return math.Round((dayRatio*0.7+minutesRatio*0.3)*1000) / 1000
}

func hourPatterns(votes, minutes map[string]map[string]int, totalDays int) []HourPattern {
	var out []HourPattern
	for _, hour := range sortedKeys(votes) {
		winner, days := topVote(votes[hour])
		mins := 0
		if m := minutes[hour]; m != nil {
			mins = m[winner] / 60
		}
		out = append(out, HourPattern{
			Hour:       hour,
			App:        winner,
			Days:       days,
			Minutes:    mins,
			Confidence: hourConfidence(days, totalDays, mins),
		})
	}
	return out
}

func sequencePatterns(sequences [][]string, nMin, nMax, top int) []SequencePattern {
	counts := map[string]int{}
	grams := map[string][]string{}
	total := 0
	for _, seq := range sequences {
		for n := nMin; n <= nMax; n++ {
			for i := 0; i+n <= len(seq); i++ {
				gram := seq[i : i+n]
				key := joinSeq(gram)
				if _, ok := grams[key]; !ok {
					grams[key] = append([]string(nil), gram...)
				}
				counts[key]++
				total++
			}
		}
	}
	type kv struct {
		key   string
		count int
	}
	items := make([]kv, 0, len(counts))
	for key, count := range counts {
		items = append(items, kv{key, count})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].count != items[j].count {
			return items[i].count > items[j].count
		}
		return items[i].key < items[j].key
	})
	if top > 0 && len(items) > top {
		items = items[:top]
	}
	out := make([]SequencePattern, 0, len(items))
	for _, item := range items {
		confidence := 0.0
		if total > 0 {
			confidence = math.Round(float64(item.count)/float64(total)*1000) / 1000
		}
		out = append(out, SequencePattern{
			Sequence:   grams[item.key],
			Support:    item.count,
			Confidence: confidence,
		})
	}
	return out
}

func topVote(votes map[string]int) (string, int) {
	winner := ""
	best := -1
	for _, app := range sortedKeys(votes) {
		if votes[app] > best {
			winner, best = app, votes[app]
		}
	}
	if best < 0 {
		best = 0
	}
	return winner, best
}

func bump(m map[string]map[string]int, outer, inner string, delta int) {
	if m[outer] == nil {
		m[outer] = map[string]int{}
	}
	m[outer][inner] += delta
}

func bumpNested(m map[string]map[string]map[string]int, a, b, c string, delta int) {
	if m[a] == nil {
		m[a] = map[string]map[string]int{}
	}
	bump(m[a], b, c, delta)
}

func sortedHours(usage map[string][]AppUsage) []string {
	out := make([]string, 0, len(usage))
	for hour := range usage {
		out = append(out, hour)
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func joinSeq(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += "\x1f"
		}
		out += item
	}
	return out
}
