package utils

import (
	"strconv"
	"strings"
)

const (
	MaxUsernameLength = 20
	minUsernameLength = 3
)

// UsernameBase derives a username stem from a display name, or from the
// local part of the email when no name is available.
func UsernameBase(email, name string) string {
	source := name
	if strings.TrimSpace(source) == "" {
		source = strings.SplitN(email, "@", 2)[0]
	}

	var b strings.Builder
	for _, r := range strings.ToLower(source) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	base := b.String()

	if len(base) > MaxUsernameLength {
		base = base[:MaxUsernameLength]
	}
	if len(base) < minUsernameLength {
		base = "user" + base
	}
	return base
}

// UsernameCandidate appends a numeric suffix to base, trimming base so the
// result never exceeds MaxUsernameLength. Suffix 0 returns base unchanged.
func UsernameCandidate(base string, suffix int) string {
	if suffix <= 0 {
		return base
	}
	s := strconv.Itoa(suffix)
	keep := MaxUsernameLength - len(s)
	if keep > len(base) {
		keep = len(base)
	}
	return base[:keep] + s
}
