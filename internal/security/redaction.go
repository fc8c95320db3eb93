package security

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var (
	secretKeyExpr        = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemBlockPattern      = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	cookiePattern        = regexp.MustCompile(`(?i)(cookie\s*:\s*)[^\r\n]+`)
	secretKeyPattern     = regexp.MustCompile(`(?i)^` + secretKeyExpr + `$`)
)

// RedactText masks secrets embedded in free text such as action
// descriptions before they reach logs, the ledger or the presentation feed.
func RedactText(input string) string {
	if input == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"`+redacted+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return redacted
		}
		return match[:idx+1] + " " + redacted
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}`+redacted)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer "+redacted)
	out = cookiePattern.ReplaceAllString(out, `${1}`+redacted)
	return out
}

// RedactParams returns a deep copy of params with secret-looking keys masked
// and string values passed through RedactText. When matcher is non-nil, the
// value of every key it flags is masked as well, and so is the "text"/"value"
// payload of a field the matcher classifies as credential-like.
func RedactParams(params map[string]any, matcher *CredentialMatcher) map[string]any {
	if params == nil {
		return nil
	}
	credentialField := false
	if matcher != nil {
		_, credentialField = matcher.Match(params)
	}
	out := make(map[string]any, len(params))
	for key, value := range params {
		switch {
		case secretKeyPattern.MatchString(key), matcher != nil && matcher.matchKey(key):
			out[key] = redacted
		case credentialField && isTypedValueKey(key):
			out[key] = redacted
		default:
			out[key] = redactValue(value, matcher)
		}
	}
	return out
}

func redactValue(value any, matcher *CredentialMatcher) any {
	switch v := value.(type) {
	case string:
		return RedactText(v)
	case map[string]any:
		return RedactParams(v, matcher)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item, matcher)
		}
		return out
	default:
		return value
	}
}

func isTypedValueKey(key string) bool {
	switch strings.ToLower(key) {
	case "text", "value", "input", "content", "keys":
		return true
	default:
		return false
	}
}
