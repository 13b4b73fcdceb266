package state

import (
	"math"
	"math/rand"
	"time"
)

// SaveBackoff governs how many times, and how long, the store retries a
// failed snapshot write before the caller escalates to an emergency
// shutdown (§7: persistence failure is critical). Adapted from the
// teacher's task-retry backoff policy and repurposed here for save
// retries instead of task retries.
type SaveBackoff struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	JitterFactor   float64
}

// DefaultSaveBackoff gives a couple of quick retries before giving up —
// persistence failures are usually a transient filesystem hiccup (disk
// full momentarily, a concurrent scan holding a lock), not a permanent
// condition, so it's worth a short retry before an emergency shutdown.
func DefaultSaveBackoff() SaveBackoff {
	return SaveBackoff{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

func (b SaveBackoff) delay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.InitialBackoff
	}
	d := float64(b.InitialBackoff) * math.Pow(b.BackoffFactor, float64(attempt))
	if d > float64(b.MaxBackoff) {
		d = float64(b.MaxBackoff)
	}
	if b.JitterFactor > 0 {
		d += d * b.JitterFactor * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = float64(b.InitialBackoff)
	}
	return time.Duration(d)
}

// Retry calls fn up to MaxAttempts times, sleeping with exponential backoff
// between attempts, returning the last error if every attempt failed.
func (b SaveBackoff) Retry(fn func() error) error {
	var err error
	for attempt := 0; attempt < b.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < b.MaxAttempts-1 {
			time.Sleep(b.delay(attempt))
		}
	}
	return err
}
