// Package ratelimit admits or rejects actions per (action, client identity) key.
package ratelimit

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable is returned when the backing counter store cannot be reached.
// Callers treat it as a rejection.
var ErrUnavailable = errors.New("rate limit store unavailable")

// Store consumes one unit from the bucket identified by key and reports
// whether the action is admitted. Implementations must be safe for concurrent use.
type Store interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Key joins an action and the identity parts into a bucket key,
// e.g. Key("login", ip, email) == "login:<ip>:<email>".
func Key(action string, parts ...string) string {
	return strings.Join(append([]string{action}, parts...), ":")
}

// Unlimited admits everything. Used when RATE_LIMIT_ENABLED=false.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }
