// Package ratelimit implements fixed-window per-client request limits.
//
// Each client has a counter that lives for one decay window. The counter is
// created on the first increment and expires with its window; AllowRequest
// compares it to the client's MaxAttempts. Clients without MaxAttempts are
// unlimited and never touch the counter store.
package ratelimit

import (
	"math"
	"time"
)

// Unlimited is reported as remaining attempts for clients without a limit.
const Unlimited = math.MaxInt

// DefaultDecay is the window length used when a limit sets none.
const DefaultDecay = 60 * time.Second

// DefaultPrefix namespaces counter keys when Config.Prefix is empty.
const DefaultPrefix = "api-cache"

// Limit is the rate limit of a single client.
type Limit struct {
	// MaxAttempts is the number of requests allowed per window. Nil means unlimited.
	MaxAttempts *int
	// Decay is the window length.
	Decay time.Duration
}

// Unlimited reports whether the limit never blocks.
func (l Limit) Unlimited() bool {
	return l.MaxAttempts == nil
}

// State is a snapshot of a client's rate limit window.
type State struct {
	Client      string        `json:"client"`
	MaxAttempts *int          `json:"max_attempts"`
	Decay       time.Duration `json:"decay"`
	Attempts    int64         `json:"attempts"`
	Remaining   int           `json:"remaining"`
	// ResetAt is zero when no window is open.
	ResetAt time.Time `json:"reset_at"`
}

// IsLimited returns true if the client has no attempts left in the current window.
func (s *State) IsLimited() bool {
	return s.MaxAttempts != nil && s.Remaining <= 0
}

// IsUnlimited returns true if the client has no configured limit.
func (s *State) IsUnlimited() bool {
	return s.MaxAttempts == nil
}

// TimeUntilReset returns the duration until the window closes.
// Returns 0 if no window is open or it has already passed.
func (s *State) TimeUntilReset() time.Duration {
	if s.ResetAt.IsZero() {
		return 0
	}
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

func remaining(maxAttempts int, attempts int64) int {
	left := int64(maxAttempts) - attempts
	if left < 0 {
		return 0
	}
	return int(left)
}
