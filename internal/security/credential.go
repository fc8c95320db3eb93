package security

import (
	"fmt"
	"regexp"
	"strings"
)

// fieldTypeKeys carry the kind of UI element an action targets; their values
// are matched in addition to parameter names.
var fieldTypeKeys = map[string]struct{}{
	"field_type":   {},
	"input_type":   {},
	"autocomplete": {},
	"target_type":  {},
	"element_type": {},
	"role":         {},
}

// CredentialMatcher decides whether an action payload touches a credential.
// The trigger patterns come from configuration because which fields count as
// credential-like is a product decision.
type CredentialMatcher struct {
	patterns []*regexp.Regexp
}

func NewCredentialMatcher(patterns []string) (*CredentialMatcher, error) {
	m := &CredentialMatcher{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, raw := range patterns {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile credential pattern %q: %w", raw, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Match reports whether params look credential-bearing and, if so, which
// parameter path triggered it. Nested maps are searched.
func (m *CredentialMatcher) Match(params map[string]any) (string, bool) {
	if m == nil || len(m.patterns) == 0 {
		return "", false
	}
	return m.match("", params)
}

func (m *CredentialMatcher) match(prefix string, params map[string]any) (string, bool) {
	for key, value := range params {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if m.matchKey(key) {
			return path, true
		}
		switch v := value.(type) {
		case string:
			if _, ok := fieldTypeKeys[strings.ToLower(key)]; ok && m.matchKey(v) {
				return path + "=" + v, true
			}
		case map[string]any:
			if hit, ok := m.match(path, v); ok {
				return hit, true
			}
		}
	}
	return "", false
}

func (m *CredentialMatcher) matchKey(s string) bool {
	if m == nil {
		return false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, re := range m.patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
