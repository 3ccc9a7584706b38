package observer

import (
	"math/rand"
	"time"
)

const defaultCapFactor = 32

// Backoff computes full-jitter retry delays. The window doubles per attempt
// until it reaches Cap; the actual delay is drawn uniformly from [0, window].
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// NewBackoff derives a policy from the poll interval when no explicit base is
// configured. A zero cap defaults to Base times defaultCapFactor.
func NewBackoff(base, cap time.Duration) Backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = base * defaultCapFactor
	}
	if cap < base {
		cap = base
	}
	return Backoff{Base: base, Cap: cap}
}

// Window returns the pre-jitter ceiling for the given zero-based attempt.
func (b Backoff) Window(attempt int) time.Duration {
	w := b.Base
	for i := 0; i < attempt; i++ {
		if w >= b.Cap/2 {
			return b.Cap
		}
		w *= 2
	}
	if w > b.Cap {
		w = b.Cap
	}
	return w
}

// Delay draws a jittered delay for the given attempt using rng. rng may be
// shared only if the caller serializes access.
func (b Backoff) Delay(rng *rand.Rand, attempt int) time.Duration {
	w := b.Window(attempt)
	if w <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(w) + 1))
}
