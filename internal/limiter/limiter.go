// Package limiter defines sign-in lockout and request throttling.
package limiter

import (
	"context"
	"crypto/sha256"
	"strings"
	"time"
)

// Limiter controls sign-in attempts and temporary lockouts per account.
type Limiter interface {
	// Allow reports whether sign-in is currently allowed and optional retry-after.
	Allow(ctx context.Context, key []byte) (bool, time.Duration, error)
	// Success resets counters after a successful sign-in.
	Success(ctx context.Context, key []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, key []byte) (bool, time.Duration, error)
}

// Throttle paces outgoing requests.
type Throttle interface {
	Wait(ctx context.Context) error
}

// HashKey returns a stable hash for an account email so raw addresses are
// never stored.
func HashKey(email string) []byte {
	h := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return h[:]
}
