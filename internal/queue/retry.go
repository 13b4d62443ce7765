package queue

// Default retry policy values.
const (
	DefaultMaxAttempts      = 3
	DefaultBaseDelaySeconds = 30
)

// RetryPolicy decides whether a failed delivery is retried and how long the
// transport waits before redelivering. MaxAttempts is compared against the
// transport's delivery-attempt counter, not the task's own retries field;
// the dispatcher keeps the two in sync.
type RetryPolicy struct {
	MaxAttempts      int
	BaseDelaySeconds int
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      DefaultMaxAttempts,
		BaseDelaySeconds: DefaultBaseDelaySeconds,
	}
}

// DelaySeconds computes the redelivery delay for the given attempt number
// (1-based). Fixed-step backoff: the delay grows linearly with the attempt
// count, so it is monotonically non-decreasing.
func (p RetryPolicy) DelaySeconds(attempt int) int {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelaySeconds
	if base <= 0 {
		base = DefaultBaseDelaySeconds
	}
	return base * attempt
}

// Exhausted reports whether the given attempt count has reached the ceiling.
func (p RetryPolicy) Exhausted(attempt int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	return attempt >= max
}
