package realtime

import "time"

// Default backoff parameters. Reconnect delays apply to the push channel,
// poll delays to the health monitor.
const (
	DefaultReconnectBase = 1 * time.Second
	DefaultReconnectMax  = 30 * time.Second
	DefaultPollBase      = 60 * time.Second
	DefaultPollMax       = 300 * time.Second

	// pollErrorCap bounds the doubling exponent for poll backoff.
	pollErrorCap = 3
)

// Backoff computes retry and poll delays. Methods are pure and deterministic;
// the zero value uses the package defaults.
type Backoff struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	PollBase      time.Duration
	PollMax       time.Duration
}

// Reconnect returns the delay before reconnect attempt number attempt, where
// attempt 0 yields exactly the base delay. Delays double per attempt and are
// capped at the configured maximum.
func (b Backoff) Reconnect(attempt int) time.Duration {
	base, max := b.ReconnectBase, b.ReconnectMax
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if max <= 0 {
		max = DefaultReconnectMax
	}
	return cappedDouble(base, max, attempt)
}

// Poll returns the delay before the next health poll given the current
// consecutive-error count. Zero errors yields exactly the base interval; each
// consecutive failure doubles the interval, with the exponent capped so a
// single recovery brings the cadence back quickly.
func (b Backoff) Poll(consecutiveErrors int) time.Duration {
	base, max := b.PollBase, b.PollMax
	if base <= 0 {
		base = DefaultPollBase
	}
	if max <= 0 {
		max = DefaultPollMax
	}
	if consecutiveErrors > pollErrorCap {
		consecutiveErrors = pollErrorCap
	}
	return cappedDouble(base, max, consecutiveErrors)
}

func cappedDouble(base, max time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
