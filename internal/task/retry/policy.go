// Package retry decides what happens to a task after a failed attempt.
package retry

import (
	"math/rand/v2"
	"time"
)

const DefaultBaseDelay = 30 * time.Second

// Policy is exponential backoff with optional jitter.
//
// With Jitter == 0 the schedule is deterministic: base, 2*base, 4*base, ...
type Policy struct {
	BaseDelay time.Duration
	// MaxDelay caps a single delay. 0 means uncapped.
	MaxDelay time.Duration
	// Jitter is a fraction in [0,1]; 0.2 spreads each delay by +/-20%.
	Jitter float64
}

type Decision struct {
	DeadLetter bool
	Delay      time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay < 0 {
		p.MaxDelay = 0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Decide applies the policy after a failure.
//
// failures is the retry count including the failure just recorded. The task
// is dead-lettered once failures exceeds maxRetries, so maxRetries=3 allows
// three delayed retries and the fourth failure is terminal. hint is a minimum
// delay requested by the executor (0 for none).
func (p Policy) Decide(failures, maxRetries int, hint time.Duration) Decision {
	return p.decide(failures, maxRetries, hint, rand.Float64)
}

func (p Policy) decide(failures, maxRetries int, hint time.Duration, rnd func() float64) Decision {
	if failures > maxRetries {
		return Decision{DeadLetter: true}
	}
	return Decision{Delay: p.delay(failures, hint, rnd)}
}

// Delay returns the wait before retry number failures (1-based), ignoring
// the dead-letter threshold.
func (p Policy) Delay(failures int) time.Duration {
	return p.delay(failures, 0, rand.Float64)
}

func (p Policy) delay(failures int, hint time.Duration, rnd func() float64) time.Duration {
	p = p.withDefaults()
	if failures < 1 {
		failures = 1
	}

	d := p.BaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
		// Overflow guard for very large retry counts.
		if d <= 0 {
			d = time.Duration(1<<63 - 1)
			break
		}
	}
	if p.Jitter > 0 && rnd != nil {
		r := (rnd()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if hint > d {
		d = hint
	}
	if p.MaxDelay > 0 && d > p.MaxDelay && hint <= p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
