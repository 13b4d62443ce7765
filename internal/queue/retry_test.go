package queue_test

import (
	"testing"

	"github.com/mkarlsen/conveyor/internal/queue"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelaySeconds(t *testing.T) {
	t.Parallel()

	policy := queue.RetryPolicy{MaxAttempts: 3, BaseDelaySeconds: 30}

	assert.Equal(t, 30, policy.DelaySeconds(1))
	assert.Equal(t, 60, policy.DelaySeconds(2))
	assert.Equal(t, 90, policy.DelaySeconds(3))

	t.Run("monotonically non-decreasing", func(t *testing.T) {
		t.Parallel()

		prev := 0
		for attempt := 1; attempt <= 10; attempt++ {
			delay := policy.DelaySeconds(attempt)
			assert.GreaterOrEqual(t, delay, prev)
			prev = delay
		}
	})

	t.Run("clamps non-positive attempt", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, 30, policy.DelaySeconds(0))
		assert.Equal(t, 30, policy.DelaySeconds(-5))
	})

	t.Run("falls back to default base", func(t *testing.T) {
		t.Parallel()

		zero := queue.RetryPolicy{}
		assert.Equal(t, queue.DefaultBaseDelaySeconds, zero.DelaySeconds(1))
	})
}

func TestRetryPolicyExhausted(t *testing.T) {
	t.Parallel()

	policy := queue.RetryPolicy{MaxAttempts: 3, BaseDelaySeconds: 30}

	assert.False(t, policy.Exhausted(1))
	assert.False(t, policy.Exhausted(2))
	assert.True(t, policy.Exhausted(3))
	assert.True(t, policy.Exhausted(4))

	t.Run("falls back to default ceiling", func(t *testing.T) {
		t.Parallel()

		zero := queue.RetryPolicy{}
		assert.False(t, zero.Exhausted(queue.DefaultMaxAttempts-1))
		assert.True(t, zero.Exhausted(queue.DefaultMaxAttempts))
	})
}

func TestDefaultRetryPolicy(t *testing.T) {
	t.Parallel()

	policy := queue.DefaultRetryPolicy()
	assert.Equal(t, queue.DefaultMaxAttempts, policy.MaxAttempts)
	assert.Equal(t, queue.DefaultBaseDelaySeconds, policy.BaseDelaySeconds)
}
