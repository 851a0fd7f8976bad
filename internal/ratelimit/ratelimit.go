// Package ratelimit implements the rate-limiting pieces described in
// §4.3 and §4.5: an aggregate-rate admission check performed once, at
// the CREATE_STREAMS -> TEST_START transition, and a per-stream token
// bucket used to pace a stream's send rate toward a requested value
// when SO_MAX_PACING_RATE is unavailable or insufficient on its own.
//
// The token bucket uses the same replenish-by-elapsed-time mechanics
// as a request-rate limiter, but keyed on a single stream (no
// per-IP/per-prefix map) and consuming a variable number of tokens per
// call (bytes, not fixed one-query units) so it can pace byte
// throughput rather than request counts.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/drazic/iperfd/internal/ioerr"
)

// CheckAggregate validates the sum of per-stream requested rates
// against the configured aggregate limit (§4.3, §8 invariant 5). A
// zero limit or zero requested total means "unbounded" and always
// passes. Returns ioerr.KindTotalRate if the request would exceed the
// limit.
func CheckAggregate(perStreamBitsPerSec int64, streamCount int, limitBitsPerSec int64) error {
	if limitBitsPerSec <= 0 || perStreamBitsPerSec <= 0 || streamCount <= 0 {
		return nil
	}
	total := perStreamBitsPerSec * int64(streamCount)
	if total > limitBitsPerSec {
		return ioerr.New(ioerr.KindTotalRate, nil)
	}
	return nil
}

// TokenBucket paces a single stream's send rate. Tokens are bytes;
// AllowN(n) reports whether n bytes may be sent right now, consuming
// them from the bucket if so.
type TokenBucket struct {
	rate  float64 // bytes/sec
	burst float64 // max bucket size, bytes

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewTokenBucket creates a bucket that replenishes at ratePerSec bytes
// per second up to burst bytes. A non-positive rate disables limiting
// (AllowN always succeeds).
func NewTokenBucket(ratePerSec int64, burst int64) *TokenBucket {
	b := burst
	if b <= 0 {
		b = ratePerSec
	}
	return &TokenBucket{
		rate:   float64(ratePerSec),
		burst:  float64(b),
		tokens: float64(b),
		last:   time.Now(),
	}
}

// AllowN reports whether n bytes may be sent now. If so, the tokens
// are consumed immediately.
func (b *TokenBucket) AllowN(n int) bool {
	if b == nil || b.rate <= 0 {
		return true
	}
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	if elapsed > 0 {
		b.tokens = math.Min(b.burst, b.tokens+elapsed*b.rate)
	}

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// WaitDuration estimates how long to wait before n more bytes would be
// permitted, for callers that prefer to sleep rather than spin.
func (b *TokenBucket) WaitDuration(n int) time.Duration {
	if b == nil || b.rate <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	deficit := float64(n) - b.tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / b.rate * float64(time.Second))
}
