package utils

import (
	"net"
	"regexp"
	"strings"
)

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.]{3,20}$`)
	otpRegex      = regexp.MustCompile(`^[0-9]{6}$`)
)

const MinPasswordLength = 8

func IsValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

func IsValidUsername(username string) bool {
	return usernameRegex.MatchString(username)
}

func IsValidOTP(code string) bool {
	return otpRegex.MatchString(code)
}

func IsValidPassword(password string) bool {
	return len(password) >= MinPasswordLength
}

// NormalizeEmail lowercases and trims an address so lookups are case-insensitive
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func IsValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}

// IsPrivateIP reports whether ip is empty, unparsable, loopback, link-local
// or in a private range. Such addresses have no public geolocation.
func IsPrivateIP(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return true
	}
	return parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast() || parsed.IsUnspecified()
}
