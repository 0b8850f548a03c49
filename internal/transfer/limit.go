package transfer

import (
	"context"

	"mediacache/internal/core/types"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

const (
	DefaultBufferSize = 32 * humanize.KiByte
	DefaultRateBurst  = 256 * humanize.KiByte
)

// Unlimited returns a limiter that never blocks.
func Unlimited() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 0)
}

// NewRateLimiter creates a limiter shared by concurrency streams. A zero
// rate means unlimited.
func NewRateLimiter(rateLimit, rateBurst types.Bytes, concurrency int) *rate.Limiter {
	rateInt := rateLimit.Bytes()
	if rateInt == 0 {
		return Unlimited()
	}

	burstSize := int(rateBurst.Bytes()) * max(1, concurrency)

	// Keep the burst at or below a tenth of the rate so it stays smooth
	if burstSize > int(rateInt/10) {
		burstSize = int(rateInt / 10)
	}
	if burstSize < 1 {
		burstSize = 1
	}

	return rate.NewLimiter(rate.Limit(rateInt), burstSize)
}

// waitN reserves n bytes, in pieces no larger than the burst.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil || limiter.Limit() == rate.Inf {
		return nil
	}
	burst := max(1, limiter.Burst())
	for n > 0 {
		step := min(n, burst)
		if err := limiter.WaitN(ctx, step); err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return cause
			}
			return err
		}
		n -= step
	}
	return nil
}
