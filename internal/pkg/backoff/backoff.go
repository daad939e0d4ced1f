// Package backoff provides the exponential delay schedule shared by the
// send queue and the webhook delivery loop. Delays are computed, not
// slept: callers persist the next attempt time and let their poll loop
// pick the work back up, so a restart never loses a scheduled retry.
package backoff

import (
	"math/rand"
	"time"
)

// Delay returns min(max, base * 2^attempt). attempt counts completed
// tries, so the first retry (attempt 0) waits the base delay.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Jittered spreads a delay by up to 25% so retries from a burst of
// failures do not land on the destination in lockstep.
func Jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
