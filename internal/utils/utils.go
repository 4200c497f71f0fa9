// Package utils provides shared helper functions.
package utils

import (
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// EnsureDir ensures a directory exists, creating it if necessary.
func EnsureDir(path string) (string, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", err
	}
	return path, nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// TruncateString truncates s to at most maxLen bytes including suffix,
// never cutting a UTF-8 sequence in half.
func TruncateString(s string, maxLen int, suffix string) string {
	if len(s) <= maxLen {
		return s
	}
	if suffix == "" {
		suffix = "..."
	}
	cutoff := maxLen - len(suffix)
	if cutoff < 0 {
		cutoff = 0
	}
	for cutoff > 0 && !utf8.RuneStart(s[cutoff]) {
		cutoff--
	}
	return s[:cutoff] + suffix
}

// ParseSessionKey splits a session key "channel:chat_id" into its parts.
func ParseSessionKey(key string) (channel, chatID string, err error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &InvalidSessionKeyError{Key: key}
	}
	return parts[0], parts[1], nil
}

// InvalidSessionKeyError is returned when a session key cannot be parsed.
type InvalidSessionKeyError struct {
	Key string
}

func (e *InvalidSessionKeyError) Error() string {
	return "invalid session key: " + e.Key
}
