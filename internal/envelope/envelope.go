package envelope

import (
	"errors"
	"fmt"
	"strings"
)

// Canonical event envelope (wire schema v1.0).
//
// Every event that reaches the store passes through this shape: sensors POST
// loose JSON objects, the normalizer produces an Envelope, the privacy guard
// and priority processor transform it in place, and the store persists it
// column by column with payload/privacy/raw serialized as JSON.
//
// Raw retains the original inbound object for replay. It is never sent back
// out and may be encrypted at rest.

const DefaultSchemaVersion = "1.0"

type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// Valid reports whether p is one of the three known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityP0, PriorityP1, PriorityP2:
		return true
	}
	return false
}

// ResourceRef names the primary resource an event refers to. Both fields are
// required; ID is HMAC-hashed by the privacy guard unless it is "unknown".
type ResourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PrivacyMeta records the declared PII level and the transforms that have
// been applied to the envelope. Redaction tags are opaque strings like
// "hash:path" or "url_sanitized", deduplicated in first-seen order.
type PrivacyMeta struct {
	PIILevel  string   `json:"pii_level"`
	Redaction []string `json:"redaction"`
}

type Envelope struct {
	SchemaVersion string         `json:"schema_version"`
	EventID       string         `json:"event_id"`
	TS            string         `json:"ts"`
	Source        string         `json:"source"`
	App           string         `json:"app"`
	EventType     string         `json:"event_type"`
	Priority      Priority       `json:"priority"`
	Resource      ResourceRef    `json:"resource"`
	Payload       map[string]any `json:"payload"`
	Privacy       PrivacyMeta    `json:"privacy"`
	PID           *int           `json:"pid,omitempty"`
	WindowID      string         `json:"window_id,omitempty"`

	// Raw is the original inbound object, kept for replay. Not part of the
	// outbound wire shape.
	Raw map[string]any `json:"-"`
}

var (
	ErrEmptyEventID   = errors.New("envelope: event id is required")
	ErrEmptyTS        = errors.New("envelope: ts is required")
	ErrEmptySource    = errors.New("envelope: source is required")
	ErrEmptyApp       = errors.New("envelope: app is required")
	ErrEmptyEventType = errors.New("envelope: event type is required")
	ErrEmptyResource  = errors.New("envelope: resource type and id are required")
	ErrBadPriority    = errors.New("envelope: invalid priority")
)

// Validate checks the storage invariants: every stored event has a non-empty
// event_id, ts, source, app, event_type and resource, and a known priority.
func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return ErrEmptyEventID
	}
	if strings.TrimSpace(e.TS) == "" {
		return ErrEmptyTS
	}
	if strings.TrimSpace(e.Source) == "" {
		return ErrEmptySource
	}
	if strings.TrimSpace(e.App) == "" {
		return ErrEmptyApp
	}
	if strings.TrimSpace(e.EventType) == "" {
		return ErrEmptyEventType
	}
	if strings.TrimSpace(e.Resource.Type) == "" || strings.TrimSpace(e.Resource.ID) == "" {
		return ErrEmptyResource
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("%w: %q", ErrBadPriority, e.Priority)
	}
	return nil
}

// Clone returns a deep copy. The priority processor clones the focus state
// before synthesizing a block so later transforms never alias the original.
func (e *Envelope) Clone() *Envelope {
	out := *e
	out.Payload = clonePayload(e.Payload)
	out.Privacy.Redaction = append([]string(nil), e.Privacy.Redaction...)
	if e.PID != nil {
		pid := *e.PID
		out.PID = &pid
	}
	out.Raw = e.Raw
	return &out
}

// AppendRedaction adds tags to the privacy redaction list, deduplicating
// while preserving first-seen order.
func (e *Envelope) AppendRedaction(tags ...string) {
	e.Privacy.Redaction = DedupeTags(append(e.Privacy.Redaction, tags...))
}

// DedupeTags removes duplicates from a tag list, keeping first occurrences.
func DedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func clonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return clonePayload(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return x
	}
}
