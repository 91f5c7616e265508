package streamfactory

import (
	"fmt"
	"time"

	"diagport/internal/transport"
)

// Infinite is the poll timeout used when every port is healthy.
const Infinite = transport.PollInfinite

// Default backoff bounds.
const (
	DefaultMinTimeout    = 10 * time.Millisecond
	DefaultMaxTimeout    = 500 * time.Millisecond
	DefaultFalloffFactor = 1.25
)

// Policy bounds the poll timeout used while a connect-mode port cannot reach
// its peer.
type Policy struct {
	Min     time.Duration
	Max     time.Duration
	Falloff float64
}

// DefaultPolicy returns the stock reconnect pacing.
func DefaultPolicy() Policy {
	return Policy{Min: DefaultMinTimeout, Max: DefaultMaxTimeout, Falloff: DefaultFalloffFactor}
}

// Validate reports whether the bounds describe a usable backoff.
func (p Policy) Validate() error {
	if p.Min <= 0 {
		return fmt.Errorf("minimum timeout must be positive, got %s", p.Min)
	}
	if p.Max < p.Min {
		return fmt.Errorf("maximum timeout %s is below minimum %s", p.Max, p.Min)
	}
	if p.Falloff <= 1 {
		return fmt.Errorf("falloff factor must be greater than 1, got %g", p.Falloff)
	}
	return nil
}

// Next returns the timeout that follows current on an unhealthy pass.
func (p Policy) Next(current time.Duration) time.Duration {
	if current == Infinite || current < p.Min {
		return p.Min
	}
	next := time.Duration(float64(current) * p.Falloff)
	if next > p.Max || next < current {
		return p.Max
	}
	return next
}

// pacer carries the timeout from one pass to the next within a single
// GetNextAvailableStream call.
type pacer struct {
	policy   Policy
	current  time.Duration
	forceMin bool
}

func newPacer(policy Policy) *pacer {
	return &pacer{policy: policy, current: Infinite}
}

func (p *pacer) next(allConnected bool) time.Duration {
	switch {
	case allConnected:
		p.current = Infinite
	case p.forceMin:
		p.current = p.policy.Min
	default:
		p.current = p.policy.Next(p.current)
	}
	p.forceMin = false
	return p.current
}

// hangUp makes the next unhealthy pass retry at the minimum timeout.
func (p *pacer) hangUp() {
	p.current = p.policy.Min
	p.forceMin = true
}
