package util

import "strings"

// PostgresText makes value storable in a text column: invalid UTF-8 and NUL
// bytes are dropped, and the result is cut to at most limit bytes on a rune
// boundary. A limit of zero or less keeps the full length.
func PostgresText(value string, limit int) string {
	if value == "" {
		return value
	}

	sanitized := strings.ToValidUTF8(value, "")
	sanitized = strings.ReplaceAll(sanitized, "\x00", "")
	if limit <= 0 || len(sanitized) <= limit {
		return sanitized
	}
	cut := 0
	for i := range sanitized {
		if i > limit {
			break
		}
		cut = i
	}
	return sanitized[:cut]
}

// ErrorText is PostgresText for an error message; a nil error is empty.
func ErrorText(err error, limit int) string {
	if err == nil {
		return ""
	}
	return PostgresText(err.Error(), limit)
}
