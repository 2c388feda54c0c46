package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"contrarian-pullback-bot/config"
)

func testConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{ConsecutiveFailureThreshold: 5, CooldownMinutes: 5}
}

func TestCanTradeClosedByDefault(t *testing.T) {
	b := New(testConfig())
	ok, _ := b.CanTrade()
	assert.True(t, ok)
}

func TestTripsAfterThresholdConsecutiveFailures(t *testing.T) {
	b := New(testConfig())
	var tripped bool
	b.OnTrip(func(reason string) { tripped = true })

	for i := 0; i < 4; i++ {
		b.RecordFailure("adapter timeout")
		ok, _ := b.CanTrade()
		assert.True(t, ok, "should stay closed before threshold")
	}
	b.RecordFailure("adapter timeout")

	ok, reason := b.CanTrade()
	assert.False(t, ok)
	assert.Contains(t, reason, "adapter timeout")
	assert.True(t, tripped)
}

func TestSuccessResetsConsecutiveCounter(t *testing.T) {
	b := New(testConfig())
	b.RecordFailure("x")
	b.RecordFailure("x")
	b.RecordSuccess()
	b.RecordFailure("x")
	b.RecordFailure("x")
	b.RecordFailure("x")
	b.RecordFailure("x")
	ok, _ := b.CanTrade()
	assert.True(t, ok, "counter reset means 4 more failures shouldn't trip a threshold-5 breaker")
}

func TestOpenUntilCooldownExpires(t *testing.T) {
	b := New(config.CircuitBreakerConfig{ConsecutiveFailureThreshold: 1, CooldownMinutes: 0})
	b.cooldown = 10 * time.Millisecond
	b.RecordFailure("boom")
	ok, _ := b.CanTrade()
	assert.False(t, ok)

	time.Sleep(20 * time.Millisecond)
	ok, _ = b.CanTrade()
	assert.True(t, ok, "trading should be allowed again once now is past openUntil")
}
