package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drazic/iperfd/internal/ioerr"
)

func TestCheckAggregateWithinLimit(t *testing.T) {
	err := CheckAggregate(10_000_000, 4, 100_000_000)
	assert.NoError(t, err)
}

func TestCheckAggregateExceedsLimit(t *testing.T) {
	err := CheckAggregate(50_000_000, 4, 100_000_000)
	assert.True(t, ioerr.Is(err, ioerr.KindTotalRate))
}

func TestCheckAggregateUnboundedWhenLimitZero(t *testing.T) {
	err := CheckAggregate(1_000_000_000, 100, 0)
	assert.NoError(t, err)
}

func TestTokenBucketAllowsWithinBurst(t *testing.T) {
	b := NewTokenBucket(1000, 1000)
	assert.True(t, b.AllowN(500))
	assert.True(t, b.AllowN(500))
	assert.False(t, b.AllowN(1))
}

func TestTokenBucketReplenishesOverTime(t *testing.T) {
	b := NewTokenBucket(1000, 1000)
	assert.True(t, b.AllowN(1000))
	assert.False(t, b.AllowN(1))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, b.AllowN(10))
}

func TestTokenBucketDisabledWhenRateZero(t *testing.T) {
	b := NewTokenBucket(0, 0)
	assert.True(t, b.AllowN(1_000_000_000))
}

func TestTokenBucketWaitDuration(t *testing.T) {
	b := NewTokenBucket(1000, 100)
	assert.True(t, b.AllowN(100))
	d := b.WaitDuration(500)
	assert.Greater(t, d, time.Duration(0))
}
