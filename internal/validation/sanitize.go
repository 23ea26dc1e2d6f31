package validation

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

func sanitizer() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// SanitizeValue strips all markup from a submitted value.
func SanitizeValue(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(sanitizer().Sanitize(trimmed)))
}

// Sanitize returns a copy of payload with every value stripped of markup.
func Sanitize(payload map[string]string) map[string]string {
	out := make(map[string]string, len(payload))
	for key, value := range payload {
		out[key] = SanitizeValue(value)
	}
	return out
}
