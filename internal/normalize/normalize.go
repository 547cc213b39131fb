// Package normalize turns untrusted sensor objects into canonical envelopes.
//
// Two validation levels exist. Lenient fills missing required fields with
// safe defaults (fresh UUID, current UTC, "unknown") so a half-broken sensor
// still produces storable history. Strict fails on any missing or ill-typed
// required field and is used by replay tooling where silent repair would mask
// corruption.
package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chronicl/collector/internal/envelope"
)

type Level string

const (
	Lenient Level = "lenient"
	Strict  Level = "strict"
)

// Supported wire schema range. Versions older than the minimum get lenient
// treatment regardless of level; newer versions are accepted lenient-only and
// must carry every required field explicitly.
var (
	supportedMin = version{1, 0}
	supportedMax = version{1, 0}
)

// SchemaError describes why normalization rejected an event. Kind is either
// "missing" or "invalid"; Field names the offending envelope field.
type SchemaError struct {
	Kind  string
	Field string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("normalize: %s %s", e.Kind, e.Field)
}

func missing(field string) *SchemaError { return &SchemaError{Kind: "missing", Field: field} }
func invalid(field string) *SchemaError { return &SchemaError{Kind: "invalid", Field: field} }

type version struct{ major, minor int }

func (v version) less(o version) bool {
	if v.major != o.major {
		return v.major < o.major
	}
	return v.minor < o.minor
}

// Normalize produces a canonical envelope from an arbitrary decoded JSON
// object. The original object is retained on Envelope.Raw for replay.
func Normalize(raw map[string]any, level Level) (*envelope.Envelope, error) {
	if raw == nil {
		return nil, invalid("event")
	}
	switch level {
	case Lenient, Strict:
	default:
		return nil, fmt.Errorf("normalize: unknown validation level %q", level)
	}

	schemaVersion := stringOr(raw["schema_version"], envelope.DefaultSchemaVersion)
	ver, ok := parseVersion(schemaVersion)
	if !ok {
		if level == Strict {
			return nil, invalid("schema_version")
		}
		schemaVersion = envelope.DefaultSchemaVersion
		ver, _ = parseVersion(schemaVersion)
	}

	compatBack := ver.less(supportedMin)
	compatForward := supportedMax.less(ver)
	allowMissing := level == Lenient || compatBack

	eventID, err := normalizeEventID(raw["event_id"], allowMissing, level)
	if err != nil {
		return nil, err
	}
	ts, err := normalizeTS(raw["ts"], allowMissing, level)
	if err != nil {
		return nil, err
	}
	source, err := requiredString(raw["source"], "source", allowMissing)
	if err != nil {
		return nil, err
	}
	app, err := requiredString(raw["app"], "app", allowMissing)
	if err != nil {
		return nil, err
	}
	eventType, err := requiredString(raw["event_type"], "event_type", allowMissing)
	if err != nil {
		return nil, err
	}
	priority, err := normalizePriority(raw["priority"], allowMissing)
	if err != nil {
		return nil, err
	}
	resource, err := normalizeResource(raw["resource"], allowMissing)
	if err != nil {
		return nil, err
	}
	payload, err := normalizePayload(raw["payload"], allowMissing, level)
	if err != nil {
		return nil, err
	}
	privacy, err := normalizePrivacy(raw["privacy"], allowMissing, level)
	if err != nil {
		return nil, err
	}

	if compatForward && level == Strict {
		if err := ensureRequiredPresent(raw); err != nil {
			return nil, err
		}
	}

	return &envelope.Envelope{
		SchemaVersion: schemaVersion,
		EventID:       eventID,
		TS:            ts,
		Source:        source,
		App:           app,
		EventType:     eventType,
		Priority:      priority,
		Resource:      resource,
		Payload:       payload,
		Privacy:       privacy,
		PID:           normalizePID(raw["pid"]),
		WindowID:      normalizeWindowID(raw["window_id"]),
		Raw:           raw,
	}, nil
}

func parseVersion(value string) (version, bool) {
	major, minor, found := strings.Cut(value, ".")
	if !found {
		return version{}, false
	}
	ma, err := strconv.Atoi(strings.TrimSpace(major))
	if err != nil {
		return version{}, false
	}
	mi, err := strconv.Atoi(strings.TrimSpace(minor))
	if err != nil {
		return version{}, false
	}
	return version{ma, mi}, true
}

func normalizeEventID(value any, allowMissing bool, level Level) (string, error) {
	s := stringOr(value, "")
	if s == "" {
		if allowMissing {
			return uuid.NewString(), nil
		}
		return "", missing("event_id")
	}
	if level == Strict {
		if _, err := uuid.Parse(s); err != nil {
			return "", invalid("event_id")
		}
	}
	return s, nil
}

func normalizeTS(value any, allowMissing bool, level Level) (string, error) {
	switch v := value.(type) {
	case nil:
		if allowMissing {
			return envelope.FormatTS(time.Now()), nil
		}
		return "", missing("ts")
	case string:
		if v == "" {
			if allowMissing {
				return envelope.FormatTS(time.Now()), nil
			}
			return "", missing("ts")
		}
		if _, ok := envelope.ParseTS(v); !ok {
			if level == Strict {
				return "", invalid("ts")
			}
			return envelope.FormatTS(time.Now()), nil
		}
		return v, nil
	case float64:
		if level == Strict {
			return "", invalid("ts")
		}
		return envelope.EpochTS(v), nil
	case int:
		if level == Strict {
			return "", invalid("ts")
		}
		return envelope.EpochTS(float64(v)), nil
	default:
		if level == Strict {
			return "", invalid("ts")
		}
		return envelope.FormatTS(time.Now()), nil
	}
}

func requiredString(value any, field string, allowMissing bool) (string, error) {
	if value == nil {
		if allowMissing {
			return "unknown", nil
		}
		return "", missing(field)
	}
	s := stringify(value)
	if s == "" {
		if allowMissing {
			return "unknown", nil
		}
		return "", missing(field)
	}
	return s, nil
}

func normalizePriority(value any, allowMissing bool) (envelope.Priority, error) {
	s := stringOr(value, "")
	if s == "" {
		if allowMissing {
			return envelope.PriorityP1, nil
		}
		return "", missing("priority")
	}
	p := envelope.Priority(s)
	if p.Valid() {
		return p, nil
	}
	if allowMissing {
		return envelope.PriorityP1, nil
	}
	return "", invalid("priority")
}

func normalizeResource(value any, allowMissing bool) (envelope.ResourceRef, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		if allowMissing {
			return envelope.ResourceRef{Type: "unknown", ID: "unknown"}, nil
		}
		return envelope.ResourceRef{}, missing("resource")
	}
	rType := stringify(obj["type"])
	rID := stringify(obj["id"])
	if rType == "" || rID == "" {
		if allowMissing {
			return envelope.ResourceRef{Type: "unknown", ID: "unknown"}, nil
		}
		return envelope.ResourceRef{}, invalid("resource")
	}
	return envelope.ResourceRef{Type: rType, ID: rID}, nil
}

func normalizePayload(value any, allowMissing bool, level Level) (map[string]any, error) {
	switch v := value.(type) {
	case nil:
		if allowMissing {
			return map[string]any{}, nil
		}
		return nil, missing("payload")
	case map[string]any:
		return v, nil
	default:
		if level == Strict && !allowMissing {
			return nil, invalid("payload")
		}
		return map[string]any{}, nil
	}
}

func normalizePrivacy(value any, allowMissing bool, level Level) (envelope.PrivacyMeta, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		if allowMissing {
			return envelope.PrivacyMeta{PIILevel: "unknown", Redaction: []string{}}, nil
		}
		return envelope.PrivacyMeta{}, missing("privacy")
	}
	piiLevel := stringify(obj["pii_level"])
	if piiLevel == "" {
		if !allowMissing {
			return envelope.PrivacyMeta{}, missing("privacy.pii_level")
		}
		piiLevel = "unknown"
	}
	redaction := []string{}
	switch r := obj["redaction"].(type) {
	case nil:
		if level == Strict && !allowMissing {
			return envelope.PrivacyMeta{}, missing("privacy.redaction")
		}
	case []any:
		for _, item := range r {
			redaction = append(redaction, stringify(item))
		}
	case []string:
		redaction = append(redaction, r...)
	default:
		if level == Strict && !allowMissing {
			return envelope.PrivacyMeta{}, invalid("privacy.redaction")
		}
	}
	return envelope.PrivacyMeta{PIILevel: piiLevel, Redaction: redaction}, nil
}

func normalizePID(value any) *int {
	switch v := value.(type) {
	case float64:
		pid := int(v)
		return &pid
	case int:
		pid := v
		return &pid
	case string:
		if pid, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return &pid
		}
	}
	return nil
}

func normalizeWindowID(value any) string {
	switch v := value.(type) {
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case string:
		return v
	}
	return ""
}

func ensureRequiredPresent(raw map[string]any) error {
	required := []string{
		"schema_version", "event_id", "ts", "source", "app",
		"event_type", "priority", "resource", "payload", "privacy",
	}
	for _, key := range required {
		if _, ok := raw[key]; !ok {
			return missing(key)
		}
	}
	return nil
}

func stringOr(value any, fallback string) string {
	if s := stringify(value); s != "" {
		return s
	}
	return fallback
}

// stringify renders scalars the way the wire format spells them; composites
// are rejected by returning "".
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int:
		return strconv.Itoa(v)
	}
	return ""
}
