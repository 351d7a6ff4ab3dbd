package util

import "strings"

// sensitiveFieldMarkers mark detail fields whose values must never be logged verbatim
var sensitiveFieldMarkers = []string{"token", "password", "secret", "key", "authorization", "auth"}

// SafeTruncate truncates s to maxLen bytes without panicking.
// A negative maxLen returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// IsSensitiveField reports whether a field name looks like it carries a credential
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range sensitiveFieldMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// MaskValue hides all but a short prefix of a secret.
// Values of four bytes or fewer are fully masked.
func MaskValue(v string) string {
	if len(v) > 4 {
		return v[:4] + "..."
	}
	return "***"
}

// MaskDetails returns a copy of details with sensitive fields masked.
// Non-string sensitive values are replaced by "***". The input is not modified.
func MaskDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if !IsSensitiveField(k) {
			out[k] = v
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = MaskValue(s)
		} else {
			out[k] = "***"
		}
	}
	return out
}

// MaskEmail keeps the first character of the local part and the domain,
// e.g. "alice@example.com" becomes "a***@example.com".
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return MaskValue(email)
	}
	return local[:1] + "***@" + domain
}

// NormalizeURL removes trailing slashes so that base URLs compare equal
// with and without them.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
