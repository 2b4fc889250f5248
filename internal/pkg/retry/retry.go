package retry

import (
	"context"
	"time"
)

// Policy is a bounded retry schedule for external calls
type Policy struct {
	MaxAttempts int
	// Delays[i] is slept after failed attempt i+1, the last entry repeats
	// if the schedule is shorter than the attempt count
	Delays []time.Duration
	// Sleeper overrides waiting, used in tests
	Sleeper func(context.Context, time.Duration) error
}

// NewPolicy creates a policy with the given attempt count and linear
// delay schedule unit, 2*unit, 3*unit, ...
func NewPolicy(attempts int, unit time.Duration) *Policy {
	delays := make([]time.Duration, 0, attempts)
	for i := 1; i <= attempts; i++ {
		delays = append(delays, time.Duration(i)*unit)
	}
	return &Policy{MaxAttempts: attempts, Delays: delays}
}

// Do invokes f up to MaxAttempts times, sleeping the scheduled delay
// between attempts. f gets the 1-based attempt number. Waiting honors ctx
// and never blocks other goroutines.
func (p *Policy) Do(ctx context.Context, f func(attempt int) error) error {
	var err error
	for i := 0; i < p.MaxAttempts; i++ {
		err = f(i + 1)
		if err == nil {
			return nil
		}
		if i+1 < p.MaxAttempts {
			if sErr := p.sleep(ctx, p.delay(i)); sErr != nil {
				return sErr
			}
		}
	}
	return err
}

func (p *Policy) delay(i int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if i >= len(p.Delays) {
		return p.Delays[len(p.Delays)-1]
	}
	return p.Delays[i]
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if p.Sleeper != nil {
		return p.Sleeper(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
