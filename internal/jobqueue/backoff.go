package jobqueue

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

const defaultMaxBackoff = 30 * time.Second

// Delay returns the jittered wait before attempt+1, doubling opts.Backoff per
// completed attempt and capping at opts.MaxBackoff.
func Delay(opts Options, attempt int) time.Duration {
	if opts.Backoff <= 0 {
		return 0
	}
	maxDelay := opts.MaxBackoff
	if maxDelay <= 0 {
		maxDelay = defaultMaxBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(opts.Backoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + jitter(half)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
