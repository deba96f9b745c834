package logutil

import (
	"strings"
	"unicode/utf8"
)

// SanitizeForLog removes newlines and control characters from user-provided
// strings so they cannot forge extra log entries.
func SanitizeForLog(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			result.WriteByte(' ')
		case r >= 32 && r != 0x7f:
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Command sanitizes a shell command for logging and cuts it to max runes.
func Command(cmd string, max int) string {
	cmd = SanitizeForLog(cmd)
	if max <= 0 || utf8.RuneCountInString(cmd) <= max {
		return cmd
	}
	runes := []rune(cmd)
	return string(runes[:max]) + "..."
}
