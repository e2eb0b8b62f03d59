// Package address parses and validates the email lists typed into the panel.
package address

import (
	"regexp"
	"strings"
)

// local part, "@", a domain containing a dot, no whitespace anywhere
var pattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// IsValid reports whether s looks like an email address.
func IsValid(s string) bool {
	return pattern.MatchString(s)
}

// Normalize trims and lower-cases an address.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ParseList splits newline-separated text into trimmed, valid addresses.
// Blank lines and invalid entries are dropped; order and duplicates are kept.
func ParseList(text string) (valid []string, invalid []string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if IsValid(line) {
			valid = append(valid, line)
		} else {
			invalid = append(invalid, line)
		}
	}
	return valid, invalid
}

// Merge appends addresses missing from text (case-insensitive) and returns
// the new list text plus the number of lines added.
func Merge(text string, addrs []string) (string, int) {
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		if n := Normalize(line); n != "" {
			seen[n] = true
		}
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(text, "\n"))
	added := 0
	for _, a := range addrs {
		n := Normalize(a)
		if n == "" || seen[n] || !IsValid(n) {
			continue
		}
		seen[n] = true
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(n)
		added++
	}
	return b.String(), added
}
