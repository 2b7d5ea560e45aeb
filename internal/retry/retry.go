package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxAttempts is returned when an attempt number exceeds the policy limit.
var ErrMaxAttempts = errors.New("retry: max attempts exceeded")

// Policy defines capped exponential backoff for reconnect and ingest loops.
// The zero value is not usable; construct with DefaultPolicy or fill all
// fields explicitly.
type Policy struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DefaultPolicy returns the backoff schedule used across all adapters:
// 1s, 2s, 4s, ... capped at 60s, giving up after 12 attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   1 * time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 12,
	}
}

// Delay returns the backoff duration for the given 1-based attempt number.
func (p Policy) Delay(attempt int) (time.Duration, error) {
	if attempt < 1 {
		return 0, fmt.Errorf("retry: attempt must be >= 1, got %d", attempt)
	}
	if attempt > p.MaxAttempts {
		return 0, ErrMaxAttempts
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay, nil
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay, nil
}

// Wait sleeps for the attempt's backoff delay. It returns early with the
// context error when the caller is cancelled, and ErrMaxAttempts once the
// attempt budget is exhausted.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	delay, err := p.Delay(attempt)
	if err != nil {
		return err
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
