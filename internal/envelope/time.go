package envelope

import (
	"strings"
	"time"
)

// Timestamps are stored as RFC 3339 UTC strings with a trailing Z. Sensors
// occasionally send offsets or fractional seconds; both parse, and formatting
// always normalizes back to UTC.

// ParseTS parses an envelope timestamp. It accepts RFC 3339 with or without
// fractional seconds, and a bare "YYYY-MM-DDTHH:MM:SS" treated as UTC.
func ParseTS(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatTS renders a time as RFC 3339 UTC with a trailing Z.
func FormatTS(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z07:00")
}

// NowEpoch returns the current unix time in fractional seconds.
func NowEpoch() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// EpochTS converts a unix timestamp (seconds, possibly fractional) to the
// stored string form. Used by the lenient normalizer for numeric ts values.
func EpochTS(sec float64) string {
	whole := int64(sec)
	nsec := int64((sec - float64(whole)) * 1e9)
	return FormatTS(time.Unix(whole, nsec))
}
