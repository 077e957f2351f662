package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Substrings that mark an attribute key as carrying a credential. Matching
// is case-insensitive and ignores separators, so "apiKey" and
// "Authorization" are both caught. Keys ending in "token" are masked as
// well; "tokenId" is not.
var sensitiveMarkers = []string{
	"secret",
	"password",
	"apikey",
	"authorization",
	"dsn",
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	normalised := strings.NewReplacer("_", "", "-", "", ".", "").Replace(strings.ToLower(key))
	if strings.HasSuffix(normalised, "token") {
		return true
	}
	for _, marker := range sensitiveMarkers {
		if strings.Contains(normalised, marker) {
			return true
		}
	}
	return false
}

// MaskValue returns RedactedValue for non-empty input and leaves empty
// strings alone so unset credentials stay visible as unset.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// Redact masks attr when its key is sensitive. Groups are walked so nested
// credentials are caught too.
func Redact(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup {
		members := attr.Value.Group()
		out := make([]any, 0, len(members))
		for _, member := range members {
			out = append(out, Redact(member))
		}
		return slog.Group(attr.Key, out...)
	}
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString {
		return slog.String(attr.Key, MaskValue(attr.Value.String()))
	}
	return slog.String(attr.Key, RedactedValue)
}
