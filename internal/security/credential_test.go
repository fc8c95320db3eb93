package security_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/agtpilot/internal/security"
)

func TestCredentialMatcher(t *testing.T) {
	m := defaultMatcher(t)

	cases := []struct {
		name   string
		params map[string]any
		want   bool
	}{
		{"password field type", map[string]any{"field_type": "password", "text": "x"}, true},
		{"autocomplete hint", map[string]any{"autocomplete": "current-password"}, true},
		{"password key", map[string]any{"password": "x"}, true},
		{"nested target", map[string]any{"target": map[string]any{"input_type": "password"}}, true},
		{"card number", map[string]any{"card_number": "4111"}, true},
		{"plain click", map[string]any{"selector": "#buy", "button": "left"}, false},
		{"text mentioning password is not a field", map[string]any{"text": "forgot password?"}, false},
		{"empty", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, got := m.Match(tc.params)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCredentialMatcherReportsPath(t *testing.T) {
	m := defaultMatcher(t)
	hit, ok := m.Match(map[string]any{"target": map[string]any{"input_type": "password"}})
	require.True(t, ok)
	assert.Equal(t, "target.input_type=password", hit)
}

func TestCredentialMatcherCustomPatterns(t *testing.T) {
	m, err := security.NewCredentialMatcher([]string{`(?i)^ssn$`})
	require.NoError(t, err)
	_, ok := m.Match(map[string]any{"password": "x"})
	assert.False(t, ok)
	_, ok = m.Match(map[string]any{"SSN": "123"})
	assert.True(t, ok)
}

func TestCredentialMatcherRejectsBadPattern(t *testing.T) {
	_, err := security.NewCredentialMatcher([]string{"("})
	assert.Error(t, err)
}

func TestNilCredentialMatcher(t *testing.T) {
	var m *security.CredentialMatcher
	_, ok := m.Match(map[string]any{"password": "x"})
	assert.False(t, ok)
}
