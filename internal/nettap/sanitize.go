package nettap

import (
	"encoding/json"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

// Redacted replaces every sanitized value.
const Redacted = "[REDACTED]"

// truncationMarker terminates strings cut at the body size limit.
const truncationMarker = "...[truncated]"

// Default sanitize token sets. A key matches when it contains any token,
// case-insensitively.
var (
	DefaultSanitizeParams     = []string{"password", "token", "secret", "key", "apikey", "api_key", "access_token"}
	DefaultSanitizeHeaders    = []string{"authorization", "cookie", "x-auth-token"}
	DefaultSanitizeBodyFields = []string{"password", "token", "secret", "key", "apikey", "api_key", "access_token"}
)

func matchesToken(name string, tokens []string) bool {
	lower := strings.ToLower(name)
	for _, t := range tokens {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// SanitizeURL redacts query parameter values whose names match a token.
// Unparseable URLs pass through unchanged.
func SanitizeURL(raw string, tokens []string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	changed := false
	for name, values := range q {
		if matchesToken(name, tokens) {
			for i := range values {
				values[i] = Redacted
			}
			q[name] = values
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// SanitizeHeaders flattens headers to a single value per key, redacting keys
// that match a token (compared lowercase).
func SanitizeHeaders(h http.Header, tokens []string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		if matchesToken(key, tokens) {
			out[key] = Redacted
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}

// SanitizeBody interprets a request or response body by content type — JSON,
// form-encoded pairs, multipart entries, or plain text — redacting fields that
// match a token and truncating at maxSize.
func SanitizeBody(body []byte, contentType string, tokens []string, maxSize int) any {
	if len(body) == 0 {
		return nil
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}

	switch {
	case strings.Contains(mediaType, "json") || looksLikeJSON(body):
		var parsed any
		if json.Unmarshal(body, &parsed) == nil {
			return truncateValue(redactFields(parsed, tokens), maxSize)
		}
	case mediaType == "application/x-www-form-urlencoded":
		if values, err := url.ParseQuery(string(body)); err == nil {
			out := make(map[string]any, len(values))
			for name, vals := range values {
				if matchesToken(name, tokens) {
					out[name] = Redacted
				} else {
					out[name] = truncateString(strings.Join(vals, ", "), maxSize)
				}
			}
			return out
		}
	case strings.HasPrefix(mediaType, "multipart/"):
		if boundary := params["boundary"]; boundary != "" {
			if out := sanitizeMultipart(body, boundary, tokens, maxSize); out != nil {
				return out
			}
		}
	}

	return truncateString(string(body), maxSize)
}

func looksLikeJSON(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// redactFields walks a decoded JSON graph, replacing values whose field names
// match a token.
func redactFields(v any, tokens []string) any {
	switch val := v.(type) {
	case map[string]any:
		for name, child := range val {
			if matchesToken(name, tokens) {
				val[name] = Redacted
			} else {
				val[name] = redactFields(child, tokens)
			}
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = redactFields(child, tokens)
		}
		return val
	default:
		return v
	}
}

func sanitizeMultipart(body []byte, boundary string, tokens []string, maxSize int) map[string]any {
	mr := multipart.NewReader(strings.NewReader(string(body)), boundary)
	out := make(map[string]any)
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		name := part.FormName()
		if name == "" {
			continue
		}
		if matchesToken(name, tokens) {
			out[name] = Redacted
			continue
		}
		buf := make([]byte, maxSize+1)
		n, _ := part.Read(buf)
		out[name] = truncateString(string(buf[:n]), maxSize)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// truncateValue truncates string leaves of an already-redacted graph.
func truncateValue(v any, maxSize int) any {
	switch val := v.(type) {
	case string:
		return truncateString(val, maxSize)
	case map[string]any:
		for k, child := range val {
			val[k] = truncateValue(child, maxSize)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = truncateValue(child, maxSize)
		}
		return val
	default:
		return v
	}
}

func truncateString(s string, maxSize int) string {
	if maxSize <= 0 || len(s) <= maxSize {
		return s
	}
	return s[:maxSize] + truncationMarker
}
