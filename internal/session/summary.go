package session

import (
	"sort"
	"strings"
)

const maxResources = 20

type AppSpan struct {
	App string `json:"app"`
	Sec int    `json:"sec"`
}

type ResourceEntry struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type Counts struct {
	Total int `json:"total"`
	P0    int `json:"p0"`
	P1    int `json:"p1"`
	P2    int `json:"p2"`
}

type Summary struct {
	AppsTimeline []AppSpan       `json:"apps_timeline"`
	KeyEvents    []string        `json:"key_events"`
	Resources    []ResourceEntry `json:"resources"`
	Counts       Counts          `json:"counts"`
}

// BuildSummary aggregates one session: app timeline from focus-block
// durations (descending), ordered-unique key events (all P0s plus the
// configured P1 set), the first 20 unique resources, and priority counts.
func BuildSummary(events []Event, keyP1Types []string) Summary {
	return Summary{
		AppsTimeline: appsTimeline(events),
		KeyEvents:    keyEvents(events, lowerSet(keyP1Types)),
		Resources:    resources(events),
		Counts:       counts(events),
	}
}

func appsTimeline(events []Event) []AppSpan {
	totals := map[string]int{}
	for _, event := range events {
		if !equalFold(event.EventType, "os.app_focus_block") {
			continue
		}
		duration := asInt(event.Payload["duration_sec"])
		if duration <= 0 {
			continue
		}
		app := event.App
		if app == "" {
			app = "unknown"
		}
		totals[app] += duration
	}
	timeline := make([]AppSpan, 0, len(totals))
	for app, sec := range totals {
		timeline = append(timeline, AppSpan{App: app, Sec: sec})
	}
	sort.SliceStable(timeline, func(i, j int) bool {
		if timeline[i].Sec != timeline[j].Sec {
			return timeline[i].Sec > timeline[j].Sec
		}
		return timeline[i].App < timeline[j].App
	})
	return timeline
}

func keyEvents(events []Event, keyP1 map[string]struct{}) []string {
	seen := map[string]struct{}{}
	ordered := []string{}
	for _, event := range events {
		eventType := strings.ToLower(event.EventType)
		if eventType == "" {
			continue
		}
		_, isKeyP1 := keyP1[eventType]
		if !equalFold(event.Priority, "P0") && !isKeyP1 {
			continue
		}
		if _, dup := seen[eventType]; dup {
			continue
		}
		seen[eventType] = struct{}{}
		ordered = append(ordered, eventType)
	}
	return ordered
}

func resources(events []Event) []ResourceEntry {
	type key struct{ t, id string }
	seen := map[key]struct{}{}
	out := []ResourceEntry{}
	for _, event := range events {
		k := key{event.ResourceType, event.ResourceID}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, ResourceEntry{Type: event.ResourceType, ID: event.ResourceID})
		if len(out) >= maxResources {
			break
		}
	}
	return out
}

func counts(events []Event) Counts {
	c := Counts{Total: len(events)}
	for _, event := range events {
		switch strings.ToUpper(event.Priority) {
		case "P0":
			c.P0++
		case "P1":
			c.P1++
		case "P2":
			c.P2++
		}
	}
	return c
}

func asInt(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func equalFold(a, b string) bool { return strings.EqualFold(a, b) }

func lowerSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}
