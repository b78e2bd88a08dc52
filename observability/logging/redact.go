package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// Keys that identify migrations and routes are safe to log verbatim.
var plainKeys = map[string]struct{}{
	"service":    {},
	"env":        {},
	"error":      {},
	"reason":     {},
	"component":  {},
	"migration":  {},
	"message_id": {},
	"state":      {},
	"chain":      {},
	"asset":      {},
}

func isPlain(key string) bool {
	_, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField redacts value unless key is known to carry no secret. Empty values
// pass through so missing configuration stays visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || isPlain(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskURL logs a connection string with its password removed. Keyword style
// DSNs carrying a password are redacted whole.
func MaskURL(key, raw string) slog.Attr {
	trimmed := strings.TrimSpace(raw)
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" {
		if strings.Contains(strings.ToLower(trimmed), "password=") {
			return slog.String(key, RedactedValue)
		}
		return slog.String(key, trimmed)
	}
	if parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), RedactedValue)
		}
	}
	query := parsed.Query()
	for name := range query {
		if strings.Contains(strings.ToLower(name), "password") || strings.Contains(strings.ToLower(name), "secret") {
			query.Set(name, RedactedValue)
		}
	}
	if len(query) > 0 {
		parsed.RawQuery = query.Encode()
	}
	return slog.String(key, parsed.String())
}
