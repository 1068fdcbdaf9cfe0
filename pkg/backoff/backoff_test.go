package backoff

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestComputeDelay_HonorsRetryAfter(t *testing.T) {
	p := New(Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5})

	hint := 10 * time.Second
	assert.Equal(t, 10*time.Second, p.ComputeDelay(1, &hint))

	// A hint above the ceiling is clamped.
	hint = 5 * time.Minute
	assert.Equal(t, 30*time.Second, p.ComputeDelay(1, &hint))

	hint = -time.Second
	assert.Equal(t, time.Duration(0), p.ComputeDelay(1, &hint))
}

func TestComputeDelay_ExponentialGrowth(t *testing.T) {
	// Fixed seed makes the jitter deterministic.
	p := NewWithSource(Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5}, rand.NewSource(42))

	prevCeiling := time.Duration(0)
	for attempts := 1; attempts <= 5; attempts++ {
		d := p.ComputeDelay(attempts, nil)
		raw := time.Second << uint(attempts-1)
		if raw > 30*time.Second {
			raw = 30 * time.Second
		}
		assert.GreaterOrEqual(t, d, raw/2, "attempt %d", attempts)
		assert.LessOrEqual(t, d, raw*3/2, "attempt %d", attempts)
		ceiling := raw * 3 / 2
		assert.GreaterOrEqual(t, ceiling, prevCeiling)
		prevCeiling = ceiling
	}
}

func TestComputeDelay_AttemptFloorAndOverflow(t *testing.T) {
	p := New(DefaultConfig())

	// Attempts <= 0 behave like the first attempt.
	zero := p.ComputeDelay(0, nil)
	assert.LessOrEqual(t, zero, 1500*time.Millisecond)

	// Huge attempt counts must not overflow the shift.
	huge := p.ComputeDelay(1 << 20, nil)
	assert.LessOrEqual(t, huge, 45*time.Second)
	assert.Greater(t, huge, time.Duration(0))
}

func TestComputeDelay_Bounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxDelay := time.Duration(rapid.Int64Range(int64(time.Second), int64(time.Minute)).Draw(t, "max"))
		p := NewWithSource(Config{
			BaseDelay:   time.Duration(rapid.Int64Range(int64(time.Millisecond), int64(5*time.Second)).Draw(t, "base")),
			MaxDelay:    maxDelay,
			MaxAttempts: 5,
		}, rand.NewSource(rapid.Int64().Draw(t, "seed")))

		attempts := rapid.IntRange(-3, 100).Draw(t, "attempts")
		d := p.ComputeDelay(attempts, nil)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, maxDelay*3/2)
	})
}

func TestShouldRetry(t *testing.T) {
	p := New(Config{MaxAttempts: 5})
	assert.True(t, p.ShouldRetry(0))
	assert.True(t, p.ShouldRetry(4))
	assert.False(t, p.ShouldRetry(5))
	assert.False(t, p.ShouldRetry(6))
}

func TestDefaults(t *testing.T) {
	p := New(Config{})
	assert.Equal(t, 30*time.Second, p.MaxDelay())
	assert.True(t, p.ShouldRetry(4))
	assert.False(t, p.ShouldRetry(5))
}
