// Package priority classifies events into P0/P1/P2, debounces chatty window
// events, and synthesizes focus blocks from foreground changes.
package priority

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/metrics"
)

// Builtin classification sets. Config extends these, never replaces them.
var p0EventTypes = []string{
	"outlook.send_clicked",
	"excel.export_pdf",
	"excel.export_csv",
	"excel.save_as",
	"os.file_saved",
	"excel.refresh_pivot",
	"upload_done",
	"share_link_created",
}

var p1EventTypes = []string{
	"os.app_focus_block",
	"os.file_opened",
	"excel.workbook_opened",
	"outlook.compose_started",
	"outlook.attachment_added_meta",
}

var p2EventTypes = []string{
	"os.foreground_changed",
	"os.window_title_changed",
	"os.clipboard_meta",
}

var debounceEventTypes = map[string]struct{}{
	"os.foreground_changed":   {},
	"os.window_title_changed": {},
}

// debounceCacheSize bounds the (event_type, app, resource_id) table. Eviction
// only means a stale key gets one free pass, so a few thousand entries is
// plenty for a single desktop.
const debounceCacheSize = 4096

type Options struct {
	DebounceSeconds     float64
	FocusEventTypes     []string
	FocusBlockEventType string
	DropP2QueueRatio    float64
	P0EventTypes        []string
	P1EventTypes        []string
	P2EventTypes        []string
}

type debounceKey struct {
	eventType  string
	app        string
	resourceID string
}

type focusState struct {
	env *envelope.Envelope
	ts  float64
	ok  bool
}

// Processor is the single source of truth for event priority. It is not safe
// for concurrent use; the bus worker owns it.
type Processor struct {
	opts       Options
	focusTypes map[string]struct{}
	p0Set      map[string]struct{}
	p1Set      map[string]struct{}
	p2Set      map[string]struct{}
	lastSeen   *lru.Cache[debounceKey, float64]
	focus      *focusState
	metrics    *metrics.Registry
	nowEpoch   func() float64
}

func NewProcessor(opts Options, reg *metrics.Registry) *Processor {
	if opts.DebounceSeconds <= 0 {
		opts.DebounceSeconds = 2.0
	}
	if len(opts.FocusEventTypes) == 0 {
		opts.FocusEventTypes = []string{"os.foreground_changed"}
	}
	if opts.FocusBlockEventType == "" {
		opts.FocusBlockEventType = "os.app_focus_block"
	}
	if opts.DropP2QueueRatio <= 0 {
		opts.DropP2QueueRatio = 0.8
	}
	cache, _ := lru.New[debounceKey, float64](debounceCacheSize)
	return &Processor{
		opts:       opts,
		focusTypes: lowerSet(opts.FocusEventTypes),
		p0Set:      mergeSets(p0EventTypes, opts.P0EventTypes),
		p1Set:      mergeSets(p1EventTypes, opts.P1EventTypes),
		p2Set:      mergeSets(p2EventTypes, opts.P2EventTypes),
		lastSeen:   cache,
		metrics:    reg,
		nowEpoch:   nil,
	}
}

// Process classifies env and returns the envelopes to persist: zero when the
// event is debounced or shed, one for a pass-through, and possibly a closed
// focus block ahead of nothing (the new focus event itself is held as state).
func (p *Processor) Process(env *envelope.Envelope, queueRatio float64) []*envelope.Envelope {
	eventType := strings.ToLower(env.EventType)
	env.Priority = p.classify(eventType, env.Priority)

	if env.Priority == envelope.PriorityP2 && queueRatio >= p.opts.DropP2QueueRatio {
		if p.metrics != nil {
			p.metrics.RecordDrop("queue_overflow")
		}
		return nil
	}

	if _, focus := p.focusTypes[eventType]; focus {
		return p.handleFocusEvent(env)
	}

	if _, debounced := debounceEventTypes[eventType]; debounced {
		if p.shouldDebounce(env, eventType) {
			if p.metrics != nil {
				p.metrics.RecordDrop("debounce")
			}
			return nil
		}
	}

	return []*envelope.Envelope{env}
}

// Flush closes the open focus block against the current time. Called on
// shutdown so a long-running focus session is not lost.
func (p *Processor) Flush() []*envelope.Envelope {
	if p.focus == nil {
		return nil
	}
	now := envelope.NowEpoch()
	if p.nowEpoch != nil {
		now = p.nowEpoch()
	}
	out := p.emitFocusBlock(now)
	p.focus = nil
	return out
}

func (p *Processor) classify(eventType string, current envelope.Priority) envelope.Priority {
	if _, ok := p.p0Set[eventType]; ok {
		return envelope.PriorityP0
	}
	if _, ok := p.p1Set[eventType]; ok {
		return envelope.PriorityP1
	}
	if _, ok := p.p2Set[eventType]; ok {
		return envelope.PriorityP2
	}
	if current.Valid() {
		return current
	}
	return envelope.PriorityP1
}

func (p *Processor) shouldDebounce(env *envelope.Envelope, eventType string) bool {
	parsed, ok := envelope.ParseTS(env.TS)
	if !ok {
		return false
	}
	ts := float64(parsed.UnixNano()) / 1e9
	key := debounceKey{eventType: eventType, app: env.App, resourceID: env.Resource.ID}
	last, seen := p.lastSeen.Get(key)
	p.lastSeen.Add(key, ts)
	if !seen {
		return false
	}
	return ts-last < p.opts.DebounceSeconds
}

func (p *Processor) handleFocusEvent(env *envelope.Envelope) []*envelope.Envelope {
	var emitted []*envelope.Envelope
	parsed, ok := envelope.ParseTS(env.TS)
	ts := 0.0
	if ok {
		ts = float64(parsed.UnixNano()) / 1e9
	}
	if p.focus != nil && ok {
		emitted = p.emitFocusBlock(ts)
	}
	p.focus = &focusState{env: env, ts: ts, ok: ok}
	return emitted
}

func (p *Processor) emitFocusBlock(endTS float64) []*envelope.Envelope {
	if p.focus == nil || !p.focus.ok {
		return nil
	}
	prev := p.focus.env
	duration := endTS - p.focus.ts
	if duration < 0 {
		duration = 0
	}
	if duration < p.opts.DebounceSeconds {
		return nil
	}

	block := prev.Clone()
	block.EventID = uuid.NewString()
	block.EventType = p.opts.FocusBlockEventType
	block.Priority = p.classify(strings.ToLower(p.opts.FocusBlockEventType), envelope.PriorityP1)
	if block.Payload == nil {
		block.Payload = map[string]any{}
	}
	block.Payload["duration_sec"] = int(duration)
	return []*envelope.Envelope{block}
}

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

func mergeSets(builtin, extra []string) map[string]struct{} {
	out := lowerSet(builtin)
	for k := range lowerSet(extra) {
		out[k] = struct{}{}
	}
	return out
}
