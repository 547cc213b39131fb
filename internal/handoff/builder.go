// Package handoff assembles size-bounded packages of recent activity.
//
// The builder walks a descending-size profile list until the serialized
// package fits max_size_bytes; when none fits, the smallest profile's output
// is returned anyway. Every candidate passes a post-scrub regex pass — the
// authoritative redaction lives in the privacy guard, but window hints and
// resource ids have code paths where a stray match can appear.
package handoff

import (
	"encoding/json"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/privacy"
	"github.com/chronicl/collector/internal/store"
)

const packageVersion = "1.0"

var (
	emailRE      = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	pathRE       = regexp.MustCompile(`([A-Za-z]:\\|/Users/|/home/|\.xlsx|\.docx|\.pptx)`)
	longDigitsRE = regexp.MustCompile(`\b\d{12,}\b`)
)

type Options struct {
	MaxSizeBytes       int
	RecentSessions     int
	RecentRoutines     int
	MaxResources       int
	MaxEvidence        int
	RedactionScanLimit int
}

func DefaultOptions() Options {
	return Options{
		MaxSizeBytes:       50 * 1024,
		RecentSessions:     3,
		RecentRoutines:     10,
		MaxResources:       10,
		MaxEvidence:        5,
		RedactionScanLimit: 200,
	}
}

// Package is the assembled handoff payload plus its serialized size.
type Package struct {
	Payload map[string]any
	Size    int
}

type Builder struct {
	store  *store.Store
	rules  *privacy.Rules
	logger *zap.Logger
	opts   Options
	now    func() time.Time
}

func NewBuilder(st *store.Store, rules *privacy.Rules, logger *zap.Logger, opts Options) *Builder {
	if rules == nil {
		rules = privacy.DefaultRules()
	}
	if opts.MaxSizeBytes <= 0 {
		opts.MaxSizeBytes = DefaultOptions().MaxSizeBytes
	}
	return &Builder{store: st, rules: rules, logger: logger, opts: opts, now: time.Now}
}

// Build runs the size-guard protocol and returns the first package that fits.
func (b *Builder) Build() (Package, error) {
	packageID := uuid.NewString()
	createdAt := envelope.FormatTS(b.now())

	profiles := [][3]int{
		{b.opts.RecentSessions, b.opts.RecentRoutines, b.opts.MaxResources},
		{min(2, b.opts.RecentSessions), b.opts.RecentRoutines, b.opts.MaxResources},
		{1, min(5, b.opts.RecentRoutines), min(5, b.opts.MaxResources)},
		{1, min(3, b.opts.RecentRoutines), min(3, b.opts.MaxResources)},
		{1, 1, 1},
	}

	var last Package
	for _, profile := range profiles {
		payload, err := b.buildPayload(packageID, createdAt, profile[0], profile[1], profile[2])
		if err != nil {
			return Package{}, err
		}
		payload = scrubValue(payload).(map[string]any)
		serialized, err := json.Marshal(payload)
		if err != nil {
			return Package{}, err
		}
		last = Package{Payload: payload, Size: len(serialized)}
		b.logger.Info("handoff profile",
			zap.Int("sessions", profile[0]),
			zap.Int("routines", profile[1]),
			zap.Int("resources", profile[2]),
			zap.Int("size_bytes", last.Size),
		)
		if last.Size <= b.opts.MaxSizeBytes {
			return last, nil
		}
	}
	return last, nil
}

func (b *Builder) buildPayload(packageID, createdAt string, sessionsLimit, routinesLimit, resourcesLimit int) (map[string]any, error) {
	deviceContext, err := b.deviceContext()
	if err != nil {
		return nil, err
	}
	recentSessions, err := b.recentSessions(sessionsLimit, resourcesLimit)
	if err != nil {
		return nil, err
	}
	routineCandidates, err := b.routineCandidates(routinesLimit)
	if err != nil {
		return nil, err
	}
	signals, err := b.signals()
	if err != nil {
		return nil, err
	}
	privacyState, err := b.privacyState()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"package_id":         packageID,
		"created_at":         createdAt,
		"version":            packageVersion,
		"device_context":     deviceContext,
		"recent_sessions":    recentSessions,
		"routine_candidates": routineCandidates,
		"signals":            signals,
		"privacy_state":      privacyState,
	}, nil
}

func (b *Builder) deviceContext() (map[string]any, error) {
	latest, err := b.store.LatestEvent()
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return map[string]any{
			"active_app":         nil,
			"active_window_hint": nil,
			"last_event_ts":      nil,
		}, nil
	}
	var windowHint any
	payload := safeJSONObject(latest.PayloadJSON)
	if title, ok := payload["window_title"].(string); ok && title != "" {
		windowHint = b.sanitizeHint(title)
	}
	return map[string]any{
		"active_app":         latest.App,
		"active_window_hint": windowHint,
		"last_event_ts":      latest.TS,
		"last_event_type":    latest.EventType,
	}, nil
}

func (b *Builder) signals() (map[string]any, error) {
	since := envelope.FormatTS(b.now().Add(-5 * time.Minute))
	p0Recent, err := b.store.HasRecentP0(since)
	if err != nil {
		return nil, err
	}
	var idleState any
	latest, err := b.store.LatestEvent()
	if err != nil {
		return nil, err
	}
	if latest != nil {
		switch latest.EventType {
		case "os.idle_start":
			idleState = true
		case "os.idle_end":
			idleState = false
		}
	}
	return map[string]any{"p0_recent": p0Recent, "idle_state": idleState}, nil
}

func (b *Builder) privacyState() (map[string]any, error) {
	privacyRows, err := b.store.RecentPrivacy(b.opts.RedactionScanLimit)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	total := 0
	for _, privacyJSON := range privacyRows {
		var meta struct {
			Redaction []string `json:"redaction"`
		}
		if err := json.Unmarshal([]byte(privacyJSON), &meta); err != nil {
			continue
		}
		for _, tag := range meta.Redaction {
			if tag != "" {
				counts[tag]++
				total++
			}
		}
	}
	return map[string]any{
		"content_collection": false,
		"denylist_active":    len(b.rules.DenylistApps) > 0,
		"redaction_summary":  map[string]any{"total": total, "items": topTags(counts, 10)},
	}, nil
}

func (b *Builder) recentSessions(limit, maxResources int) ([]map[string]any, error) {
	rows, err := b.store.RecentSessions(limit)
	if err != nil {
		return nil, err
	}
	sessions := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		summary := safeJSONObject(row.SummaryJSON)
		resources, _ := summary["resources"].([]any)
		if len(resources) > maxResources {
			resources = resources[:maxResources]
		}
		sessions = append(sessions, map[string]any{
			"session_id":    row.SessionID,
			"start_ts":      row.StartTS,
			"end_ts":        row.EndTS,
			"duration_sec":  row.DurationSec,
			"apps_timeline": orEmptyList(summary["apps_timeline"]),
			"key_events":    orEmptyList(summary["key_events"]),
			"resources":     orEmptySlice(resources),
			"counts":        orEmptyMap(summary["counts"]),
		})
	}
	return sessions, nil
}

func (b *Builder) routineCandidates(limit int) ([]map[string]any, error) {
	rows, err := b.store.RoutineCandidates(limit)
	if err != nil {
		return nil, err
	}
	candidates := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		var evidence []any
		_ = json.Unmarshal([]byte(row.EvidenceJSON), &evidence)
		if b.opts.MaxEvidence > 0 && len(evidence) > b.opts.MaxEvidence {
			evidence = evidence[:b.opts.MaxEvidence]
		}
		candidates = append(candidates, map[string]any{
			"pattern_id":           row.PatternID,
			"pattern":              safeJSONObject(row.PatternJSON),
			"support":              row.Support,
			"confidence":           row.Confidence,
			"last_seen_ts":         row.LastSeenTS,
			"evidence_session_ids": orEmptySlice(evidence),
		})
	}
	return candidates, nil
}

func (b *Builder) sanitizeHint(value string) string {
	masked := privacy.MaskPatterns(value, b.rules.Patterns)
	maxLen := b.rules.LengthLimits["window_title"]
	if maxLen <= 0 {
		maxLen = 64
	}
	return scrubString(privacy.Truncate(masked, maxLen))
}

// scrubValue walks the structure and redacts any string still matching an
// email, a filesystem path, or a long digit run. Hex-64 digests pass.
func scrubValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = scrubValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = scrubValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = scrubValue(item)
		}
		return out
	case string:
		return scrubString(v)
	}
	return value
}

func scrubString(value string) string {
	if privacy.IsHex64(value) {
		return value
	}
	if emailRE.MatchString(value) || pathRE.MatchString(value) || longDigitsRE.MatchString(value) {
		return privacy.RedactionToken
	}
	return value
}

func topTags(counts map[string]int, n int) map[string]int {
	type kv struct {
		tag   string
		count int
	}
	items := make([]kv, 0, len(counts))
	for tag, count := range counts {
		items = append(items, kv{tag, count})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].count != items[j].count {
			return items[i].count > items[j].count
		}
		return items[i].tag < items[j].tag
	})
	if len(items) > n {
		items = items[:n]
	}
	out := make(map[string]int, len(items))
	for _, item := range items {
		out[item.tag] = item.count
	}
	return out
}

func safeJSONObject(value string) map[string]any {
	if value == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(value), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func orEmptyList(value any) any {
	if value == nil {
		return []any{}
	}
	return value
}

func orEmptySlice(value []any) []any {
	if value == nil {
		return []any{}
	}
	return value
}

func orEmptyMap(value any) any {
	if value == nil {
		return map[string]any{}
	}
	return value
}
