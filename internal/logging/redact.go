package logging

import (
	"net/http"
	"strings"
)

// redactedHeaders lists header names whose values must never reach a log
// line unmasked (§7: Authorization, API keys, cookies and similar).
var redactedHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
	"x-api-key":     true,
	"proxy-authorization": true,
}

// RedactHeaderValue masks a single header value the way the access log
// does: bearer tokens keep their scheme and a fixed-width mask, cookie
// values keep a short prefix and a fixed-width mask, everything else
// redacted wholesale falls back to "****".
func RedactHeaderValue(name, value string) string {
	if !redactedHeaders[strings.ToLower(name)] {
		return value
	}
	return redactValue(strings.ToLower(name), value)
}

func redactValue(lowerName, value string) string {
	if lowerName == "authorization" || lowerName == "proxy-authorization" {
		if scheme, _, ok := strings.Cut(value, " "); ok {
			return scheme + " ****"
		}
		return "****"
	}
	if lowerName == "cookie" || lowerName == "set-cookie" {
		if len(value) > 4 {
			return value[:4] + "****"
		}
		return "****"
	}
	return "****"
}

// RedactHeaders returns a copy of h with every sensitive header value
// masked, safe to pass straight into a zap field.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		out[name] = RedactHeaderValue(name, values[0])
	}
	return out
}
