package logging

import (
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// RedactedValue is the placeholder emitted in place of sensitive values.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":    {},
	"env":        {},
	"message":    {},
	"severity":   {},
	"timestamp":  {},
	"error":      {},
	"reason":     {},
	"component":  {},
	"agent":      {},
	"coin":       {},
	"execution":  {},
	"transfer":   {},
	"service_id": {},
	"status":     {},
}

// IsAllowlisted reports whether key may be logged verbatim.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the sorted keys that bypass redaction.
func RedactionAllowlist() []string {
	return slices.Sorted(maps.Keys(redactionAllowlist))
}

// MaskField redacts value unless key is allowlisted. Empty values pass through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskURL keeps the scheme and host of a webhook URL and redacts the path,
// query and any userinfo, which commonly carry tokens.
func MaskURL(key, raw string) slog.Attr {
	if strings.TrimSpace(raw) == "" {
		return slog.String(key, raw)
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return slog.String(key, RedactedValue)
	}
	masked := parsed.Scheme + "://" + parsed.Host
	if parsed.User != nil || (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" {
		masked += "/" + RedactedValue
	}
	return slog.String(key, masked)
}
