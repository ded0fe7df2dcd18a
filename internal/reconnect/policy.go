// Package reconnect holds the retry schedule and budget shared by every
// client connection. Everything here is pure; the caller owns the counter.
package reconnect

import "time"

const (
	// DefaultMaxAttempts is the number of scheduled retries before a
	// connection gives up.
	DefaultMaxAttempts = 10
	// DefaultConnectTimeout bounds a single attempt from dial to ready.
	DefaultConnectTimeout = 10 * time.Second
)

// DefaultSchedule is the backoff for the first retries; the last entry is
// reused for every later attempt.
var DefaultSchedule = []time.Duration{
	200 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// Policy decides how long to wait before retry N and when to stop.
type Policy struct {
	Schedule       []time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
}

// Default returns the standard policy.
func Default() Policy {
	return Policy{
		Schedule:       DefaultSchedule,
		MaxAttempts:    DefaultMaxAttempts,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// Delay returns the wait before the retry that follows attempt failures
// already counted. attempt 0 is the first retry.
func (p Policy) Delay(attempt int) time.Duration {
	sched := p.Schedule
	if len(sched) == 0 {
		sched = DefaultSchedule
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(sched) {
		return sched[len(sched)-1]
	}
	return sched[attempt]
}

// Exhausted reports whether no further retry may be scheduled once attempt
// retries have already been made.
func (p Policy) Exhausted(attempt int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	return attempt >= max
}

// Timeout returns the per-attempt connect timeout.
func (p Policy) Timeout() time.Duration {
	if p.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return p.ConnectTimeout
}
