package summary

import (
	"encoding/json"
	"time"

	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/store"
)

type LLMInputOptions struct {
	MaxTopApps   int
	MaxPatterns  int
	MaxTitles    int
	MaxSequences int
	MaxBytes     int
}

func DefaultLLMInputOptions() LLMInputOptions {
	return LLMInputOptions{MaxTopApps: 5, MaxPatterns: 8, MaxTitles: 5, MaxSequences: 5, MaxBytes: 8000}
}

type LLMInput struct {
	GeneratedAt string            `json:"generated_at"`
	DateLocal   string            `json:"date_local,omitempty"`
	TopApps     []AppUsage        `json:"top_apps"`
	TopTitles   []TitleUsage      `json:"top_titles"`
	KeyEvents   map[string]int    `json:"key_events"`
	FocusStats  FocusStats        `json:"focus_block_stats"`
	Patterns    []HourPattern     `json:"patterns"`
	Sequences   []SequencePattern `json:"sequences"`
}

// BuildLLMInput condenses the latest daily summary and pattern summary into
// a prompt-sized payload. Lists are halved repeatedly until the serialized
// form fits MaxBytes.
func BuildLLMInput(st *store.Store, dateLocal string, now time.Time, opts LLMInputOptions) (*LLMInput, string, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 8000
	}
	dailyJSON, err := st.DailySummary(dateLocal)
	if err != nil {
		return nil, "", err
	}
	patternJSON, err := st.LatestPatternSummary()
	if err != nil {
		return nil, "", err
	}

	var daily DailySummary
	if dailyJSON != "" {
		_ = json.Unmarshal([]byte(dailyJSON), &daily)
	}
	var pattern PatternSummary
	if patternJSON != "" {
		_ = json.Unmarshal([]byte(patternJSON), &pattern)
	}

	input := &LLMInput{
		GeneratedAt: envelope.FormatTS(now),
		DateLocal:   daily.DateLocal,
		TopApps:     clip(daily.TopApps, opts.MaxTopApps),
		TopTitles:   clip(daily.TopTitles, opts.MaxTitles),
		KeyEvents:   daily.KeyEvents,
		FocusStats:  daily.FocusBlockStats,
		Patterns:    clip(pattern.Patterns, opts.MaxPatterns),
		Sequences:   clip(pattern.SequencePatterns, opts.MaxSequences),
	}
	if input.KeyEvents == nil {
		input.KeyEvents = map[string]int{}
	}

	serialized, err := json.Marshal(input)
	if err != nil {
		return nil, "", err
	}
	for len(serialized) > opts.MaxBytes {
		shrunk := false
		if len(input.TopTitles) > 1 {
			input.TopTitles = input.TopTitles[:len(input.TopTitles)/2]
			shrunk = true
		}
		if len(input.Sequences) > 1 {
			input.Sequences = input.Sequences[:len(input.Sequences)/2]
			shrunk = true
		}
		if len(input.Patterns) > 1 {
			input.Patterns = input.Patterns[:len(input.Patterns)/2]
			shrunk = true
		}
		if len(input.TopApps) > 1 {
			input.TopApps = input.TopApps[:len(input.TopApps)/2]
			shrunk = true
		}
		if !shrunk {
			break
		}
		if serialized, err = json.Marshal(input); err != nil {
			return nil, "", err
		}
	}
	return input, string(serialized), nil
}

func clip[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	if items == nil {
		return []T{}
	}
	return items
}
