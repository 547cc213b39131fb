package privacy

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules is the compiled form of the privacy rules file. App names and payload
// keys are matched lowercase.
type Rules struct {
	MaskKeys        map[string]struct{}
	HashKeys        map[string]struct{}
	DropPayloadKeys map[string]struct{}
	AllowlistApps   map[string]struct{}
	DenylistApps    map[string]struct{}
	DenylistAction  string // "drop" or "strip"
	LengthLimits    map[string]int
	URLPolicy       URLPolicy
	Patterns        []*regexp.Regexp
}

type URLPolicy struct {
	AllowFullURL   bool `yaml:"allow_full_url"`
	KeepDomainOnly bool `yaml:"keep_domain_only"`
}

type rulesFile struct {
	MaskKeys          []string       `yaml:"mask_keys"`
	HashKeys          []string       `yaml:"hash_keys"`
	DropPayloadKeys   []string       `yaml:"drop_payload_keys"`
	AllowlistApps     []string       `yaml:"allowlist_apps"`
	DenylistApps      []string       `yaml:"denylist_apps"`
	DenylistAction    string         `yaml:"denylist_action"`
	LengthLimits      map[string]int `yaml:"length_limits"`
	URLPolicy         URLPolicy      `yaml:"url_policy"`
	RedactionPatterns []yaml.Node    `yaml:"redaction_patterns"`
}

// LoadRules reads and compiles a rules file. Pattern entries are either bare
// regex strings or mappings with a "regex" key.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("privacy: read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules compiles rules from raw yaml bytes.
func ParseRules(data []byte) (*Rules, error) {
	var raw rulesFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("privacy: parse rules: %w", err)
	}

	rules := &Rules{
		MaskKeys:        lowerSet(raw.MaskKeys),
		HashKeys:        lowerSet(raw.HashKeys),
		DropPayloadKeys: lowerSet(raw.DropPayloadKeys),
		AllowlistApps:   lowerSet(raw.AllowlistApps),
		DenylistApps:    lowerSet(raw.DenylistApps),
		DenylistAction:  strings.ToLower(strings.TrimSpace(raw.DenylistAction)),
		LengthLimits:    map[string]int{},
		URLPolicy:       raw.URLPolicy,
	}
	if rules.DenylistAction == "" {
		rules.DenylistAction = "drop"
	}
	for key, limit := range raw.LengthLimits {
		rules.LengthLimits[strings.ToLower(key)] = limit
	}
	for _, node := range raw.RedactionPatterns {
		expr := patternExpr(node)
		if expr == "" {
			continue
		}
		compiled, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("privacy: bad redaction pattern %q: %w", expr, err)
		}
		rules.Patterns = append(rules.Patterns, compiled)
	}
	return rules, nil
}

// DefaultRules is an empty rule set: nothing allowed/denied, no masking.
// Hashing of window and resource ids still applies; it is unconditional.
func DefaultRules() *Rules {
	return &Rules{
		MaskKeys:        map[string]struct{}{},
		HashKeys:        map[string]struct{}{},
		DropPayloadKeys: map[string]struct{}{},
		AllowlistApps:   map[string]struct{}{},
		DenylistApps:    map[string]struct{}{},
		DenylistAction:  "drop",
		LengthLimits:    map[string]int{},
		URLPolicy:       URLPolicy{KeepDomainOnly: true},
	}
}

func patternExpr(node yaml.Node) string {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Value
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return ""
		}
		return m["regex"]
	}
	return ""
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
