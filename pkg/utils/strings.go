package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatBytes converts bytes to a human-readable binary size (KiB, MiB, ...).
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

var sizeSuffixes = []struct {
	suffix string
	factor uint64
}{
	{"kib", 1 << 10}, {"mib", 1 << 20}, {"gib", 1 << 30}, {"tib", 1 << 40},
	{"kb", 1000}, {"mb", 1000 * 1000}, {"gb", 1000 * 1000 * 1000},
	{"k", 1 << 10}, {"m", 1 << 20}, {"g", 1 << 30},
	{"b", 1},
}

// ParseSize parses "1048576", "10MiB", "2G" or "512 kb" into a byte count.
func ParseSize(value string) (uint64, error) {
	s := strings.ToLower(strings.TrimSpace(value))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	factor := uint64(1)
	for _, candidate := range sizeSuffixes {
		if strings.HasSuffix(s, candidate.suffix) {
			factor = candidate.factor
			s = strings.TrimSpace(strings.TrimSuffix(s, candidate.suffix))
			break
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	return n * factor, nil
}

// ParseBool converts a string to a boolean (supports multiple formats).
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on", "enabled":
		return true
	}
	return false
}

// TrimQuotes removes one pair of matching surrounding quotes.
func TrimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return s
	}
	first, last := s[0], s[len(s)-1]
	if first == last && (first == '"' || first == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

// scanUnquoted walks line honoring quotes and backslash escapes and returns
// the index of the first unquoted byte equal to target, or -1.
func scanUnquoted(line string, start int, target byte, stopAtQuote byte) int {
	var quote byte
	escaped := false
	for i := start; i < len(line); i++ {
		ch := line[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\':
			escaped = true
		case stopAtQuote != 0 && ch == stopAtQuote:
			return i
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case stopAtQuote == 0 && (ch == '"' || ch == '\''):
			quote = ch
		case ch == target:
			return i
		}
	}
	return -1
}

// SplitKeyValue splits a KEY=value line. Quoted values keep embedded '#',
// unquoted values drop trailing inline comments.
func SplitKeyValue(line string) (string, string, bool) {
	key, valuePart, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
	valuePart = strings.TrimSpace(valuePart)

	if valuePart != "" && (valuePart[0] == '"' || valuePart[0] == '\'') {
		if end := scanUnquoted(valuePart, 1, 0, valuePart[0]); end >= 0 {
			valuePart = valuePart[:end+1]
		}
	} else if idx := scanUnquoted(valuePart, 0, '#', 0); idx >= 0 {
		valuePart = strings.TrimSpace(valuePart[:idx])
	}

	return key, TrimQuotes(valuePart), true
}

// IsComment reports whether a line is blank or a # comment.
func IsComment(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == "" || strings.HasPrefix(trimmed, "#")
}
