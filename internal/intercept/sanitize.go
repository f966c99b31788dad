package intercept

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxParamLength truncates long parameter values
	MaxParamLength = 200
	// Redacted replaces sensitive parameter values
	Redacted = "[REDACTED]"
)

var sensitiveFragments = []string{"password", "secret", "token", "key", "authorization"}

// Sanitize flattens args into strings, masking values whose name looks
// sensitive and truncating long values.
func Sanitize(args map[string]interface{}) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		if isSensitive(k) {
			out[k] = Redacted
			continue
		}
		out[k] = truncate(fmt.Sprint(v), MaxParamLength)
	}
	return out
}

func isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, f := range sensitiveFragments {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
