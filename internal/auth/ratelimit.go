package auth

import (
	"sync"
	"time"
)

const (
	rateLimitWindow         = 5 * time.Minute
	rateLimitMaxFail        = 10
	rateLimitPruneThreshold = 1000
)

// signInLimiter counts failed sign-ins per source IP over a sliding
// window. After rateLimitMaxFail failures further attempts are refused
// until the oldest failure leaves the window.
type signInLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

func newSignInLimiter() *signInLimiter {
	return &signInLimiter{
		failures: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// limited reports whether ip is currently locked out.
func (rl *signInLimiter) limited(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rateLimitWindow)

	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

func (rl *signInLimiter) fail(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], rl.now())
	rl.mu.Unlock()
}

// reset forgets ip after a successful sign-in.
func (rl *signInLimiter) reset(ip string) {
	rl.mu.Lock()
	delete(rl.failures, ip)
	rl.mu.Unlock()
}
