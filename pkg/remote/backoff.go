package remote

import (
	"math"
	"time"
)

// maxBackoffExponent keeps 2^attempt well inside int64
const maxBackoffExponent = 30

// Backoff computes exponential retry delays: Base * 2^attempt, where attempt
// 0 is the wait before the second overall try
type Backoff struct {
	Base time.Duration

	// Max caps the delay. Zero means no cap.
	Max time.Duration
}

// Delay returns the wait before retry number attempt+1. It never sleeps.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}

	var delay time.Duration
	factor := time.Duration(1) << attempt
	if b.Base > time.Duration(math.MaxInt64)/factor {
		delay = time.Duration(math.MaxInt64)
	} else {
		delay = b.Base * factor
	}

	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}
