// Package routine mines recurring key-event n-grams across sessions.
//
// Support counts distinct sessions containing a pattern; confidence weights
// support by recency and weekday periodicity. Pattern ids are the SHA-256 of
// the pattern's canonical JSON, so the same n-gram always maps to one row.
package routine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/store"
)

type Session struct {
	SessionID string
	StartTS   time.Time
	EndTS     time.Time
	KeyEvents []string
}

type Options struct {
	NMin        int
	NMax        int
	MinSupport  int
	MaxPatterns int
	MaxEvidence int
}

func DefaultOptions() Options {
	return Options{NMin: 2, NMax: 5, MinSupport: 2, MaxPatterns: 100, MaxEvidence: 10}
}

// FromRows converts stored session rows into miner input, skipping rows with
// unparseable timestamps or malformed summaries, sorted by start time.
func FromRows(rows []store.SessionRow) []Session {
	sessions := make([]Session, 0, len(rows))
	for _, row := range rows {
		start, okStart := envelope.ParseTS(row.StartTS)
		end, okEnd := envelope.ParseTS(row.EndTS)
		if !okStart || !okEnd {
			continue
		}
		var summary struct {
			KeyEvents []string `json:"key_events"`
		}
		if err := json.Unmarshal([]byte(row.SummaryJSON), &summary); err != nil {
			continue
		}
		events := make([]string, 0, len(summary.KeyEvents))
		for _, item := range summary.KeyEvents {
			if item != "" {
				events = append(events, strings.ToLower(item))
			}
		}
		sessions = append(sessions, Session{
			SessionID: row.SessionID,
			StartTS:   start,
			EndTS:     end,
			KeyEvents: events,
		})
	}
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].StartTS.Before(sessions[j].StartTS) })
	return sessions
}

type patternStats struct {
	support    int
	sessionIDs []string
	seen       map[string]struct{}
	lastSeen   time.Time
	weekdays   [7]int
}

// Mine accumulates unique contiguous n-grams per session and scores them.
// now anchors the recency bonus; pass time.Now().UTC() outside tests.
func Mine(sessions []Session, opts Options, now time.Time) ([]store.RoutineRow, error) {
	if opts.MaxPatterns <= 0 {
		return nil, nil
	}
	stats := map[string]*patternStats{}
	patterns := map[string][]string{}

	for _, session := range sessions {
		if len(session.KeyEvents) < opts.NMin {
			continue
		}
		weekday := int(session.StartTS.Weekday())
		for _, gram := range uniqueNGrams(session.KeyEvents, opts.NMin, opts.NMax) {
			key := strings.Join(gram, "\x1f")
			entry, ok := stats[key]
			if !ok {
				entry = &patternStats{seen: map[string]struct{}{}}
				stats[key] = entry
				patterns[key] = gram
			}
			if _, dup := entry.seen[session.SessionID]; dup {
				continue
			}
			entry.seen[session.SessionID] = struct{}{}
			entry.sessionIDs = append(entry.sessionIDs, session.SessionID)
			entry.support++
			entry.weekdays[weekday]++
			if session.EndTS.After(entry.lastSeen) {
				entry.lastSeen = session.EndTS
			}
		}
	}

	var rows []store.RoutineRow
	for key, entry := range stats {
		if entry.support < opts.MinSupport {
			continue
		}
		lastSeen := entry.lastSeen
		if lastSeen.IsZero() {
			lastSeen = now
		}
		gram := patterns[key]
		patternJSON, err := json.Marshal(map[string]any{
			"type":   "ngram",
			"events": gram,
			"n":      len(gram),
		})
		if err != nil {
			return nil, err
		}
		evidence := entry.sessionIDs
		if opts.MaxEvidence > 0 && len(evidence) > opts.MaxEvidence {
			evidence = evidence[len(evidence)-opts.MaxEvidence:]
		} else if opts.MaxEvidence <= 0 {
			evidence = nil
		}
		evidenceJSON, err := json.Marshal(evidence)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(patternJSON)
		rows = append(rows, store.RoutineRow{
			PatternID:    hex.EncodeToString(sum[:]),
			PatternJSON:  string(patternJSON),
			Support:      entry.support,
			Confidence:   confidence(entry, lastSeen, now),
			LastSeenTS:   envelope.FormatTS(lastSeen),
			EvidenceJSON: string(evidenceJSON),
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Support != rows[j].Support {
			return rows[i].Support > rows[j].Support
		}
		if rows[i].Confidence != rows[j].Confidence {
			return rows[i].Confidence > rows[j].Confidence
		}
		return rows[i].PatternID < rows[j].PatternID
	})
	if len(rows) > opts.MaxPatterns {
		rows = rows[:opts.MaxPatterns]
	}
	return rows, nil
}

func uniqueNGrams(events []string, nMin, nMax int) [][]string {
	if nMin <= 0 || nMax < nMin {
		return nil
	}
	limit := nMax
	if len(events) < limit {
		limit = len(events)
	}
	seen := map[string]struct{}{}
	var out [][]string
	for n := nMin; n <= limit; n++ {
		for idx := 0; idx+n <= len(events); idx++ {
			gram := events[idx : idx+n]
			key := strings.Join(gram, "\x1f")
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, append([]string(nil), gram...))
		}
	}
	return out
}

func confidence(entry *patternStats, lastSeen, now time.Time) float64 {
	recency := 0.0
	daysAgo := int(now.Sub(lastSeen).Hours() / 24)
	switch {
	case daysAgo <= 1:
		recency = 0.3
	case daysAgo <= 7:
		recency = 0.1
	}
	periodicity := 0.0
	for _, count := range entry.weekdays {
		if count >= 2 {
			periodicity = 0.1
			break
		}
	}
	return float64(entry.support) * (1 + recency) * (1 + periodicity)
}
