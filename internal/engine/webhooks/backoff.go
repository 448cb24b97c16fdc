package webhooks

import "time"

// RetryPolicy spaces failed attempts. A delivery gets len(Schedule)+1
// attempts; the delay after attempt n is Schedule[n-1].
type RetryPolicy struct {
	Schedule []time.Duration
}

func (p RetryPolicy) MaxAttempts() int {
	return len(p.Schedule) + 1
}

// Next reports the delay before the attempt following the given number of
// attempts made, or false when the delivery is exhausted.
func (p RetryPolicy) Next(attempts int) (time.Duration, bool) {
	if attempts < 1 || attempts >= p.MaxAttempts() {
		return 0, false
	}
	return p.Schedule[attempts-1], true
}
