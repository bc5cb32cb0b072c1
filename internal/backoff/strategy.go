package backoff

import (
	"errors"
	"fmt"
	"math"
	"time"

	retry "github.com/cenkalti/backoff/v5"
)

type Type string

const (
	Fixed       Type = "fixed"
	Exponential Type = "exponential"
)

var ErrInvalidStrategy = errors.New("invalid backoff strategy")

// Strategy governs the delay between retry attempts. Attempts are numbered
// from 1; NextDelay(n) is the wait after attempt n failed.
type Strategy struct {
	Type        Type          `mapstructure:"type" json:"type"`
	Delay       time.Duration `mapstructure:"delay" json:"delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" json:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts"`
}

// None is a single attempt with no retry.
var None = Strategy{Type: Fixed, MaxAttempts: 1}

func (s Strategy) Validate() error {
	switch s.Type {
	case Fixed, Exponential, "":
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidStrategy, s.Type)
	}
	if s.Delay < 0 || s.MaxDelay < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidStrategy)
	}
	if s.Type == Exponential && s.Delay <= 0 {
		return fmt.Errorf("%w: exponential backoff needs a positive delay", ErrInvalidStrategy)
	}
	if s.MaxDelay > 0 && s.Delay > s.MaxDelay {
		return fmt.Errorf("%w: delay %s exceeds max_delay %s", ErrInvalidStrategy, s.Delay, s.MaxDelay)
	}
	return nil
}

func (s Strategy) Attempts() int {
	if s.MaxAttempts <= 0 {
		return 1
	}
	return s.MaxAttempts
}

func (s Strategy) ShouldRetry(attempt int) bool {
	return attempt < s.Attempts()
}

func (s Strategy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if s.Type != Exponential {
		return s.capped(s.Delay)
	}

	d := s.Delay
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
		if s.MaxDelay > 0 && d >= s.MaxDelay {
			return s.MaxDelay
		}
	}
	return s.capped(d)
}

func (s Strategy) capped(d time.Duration) time.Duration {
	if s.MaxDelay > 0 && d > s.MaxDelay {
		return s.MaxDelay
	}
	return d
}

// BackOff adapts the strategy to the cenkalti BackOff interface for retry.Retry.
// NextBackOff returns retry.Stop once MaxAttempts attempts have been made.
func (s Strategy) BackOff() *Policy {
	return &Policy{strategy: s}
}

// Unbounded is like BackOff but never stops; reconnect loops use it.
func (s Strategy) Unbounded() *Policy {
	return &Policy{strategy: s, unbounded: true}
}

type Policy struct {
	strategy  Strategy
	unbounded bool
	attempt   int
}

func (p *Policy) NextBackOff() time.Duration {
	p.attempt++
	if !p.unbounded && !p.strategy.ShouldRetry(p.attempt) {
		return retry.Stop
	}
	return p.strategy.NextDelay(p.attempt)
}

func (p *Policy) Reset() {
	p.attempt = 0
}

var _ retry.BackOff = (*Policy)(nil)
