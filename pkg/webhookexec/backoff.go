package webhookexec

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds the retry engine.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryPolicy matches the documented action defaults.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:   3,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
	Multiplier:   2,
	Jitter:       0.25,
}

// HardMaxRetries caps what a tenant may request.
const HardMaxRetries = 5

// Delay computes the backoff before retry k (0-indexed), jittered
// uniformly within ±Jitter of the exponential base.
func (p RetryPolicy) Delay(k int) time.Duration {
	base := float64(p.InitialDelay)
	for i := 0; i < k; i++ {
		base *= p.Multiplier
		if base >= float64(p.MaxDelay) {
			base = float64(p.MaxDelay)
			break
		}
	}
	spread := 1 + p.Jitter*(2*rand.Float64()-1)
	return time.Duration(base * spread)
}

// retryableStatus reports whether an HTTP status justifies another try.
func retryableStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
