package voice

import "time"

// Policy holds every knob of the connect retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Timeout bounds the first attempt; later attempts get
	// Timeout*TimeoutGrowth.
	Timeout       time.Duration
	TimeoutGrowth float64

	// Stabilize is how long a fresh link must stay alive before it is
	// handed out.
	Stabilize time.Duration

	// Jitter is the upper bound of the random delay before the first
	// attempt.
	Jitter time.Duration

	// RecreateAfter consecutive fatal errors cause the sink resource to be
	// destroyed and created again. Zero disables recreation.
	RecreateAfter int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   8,
		BaseDelay:     2 * time.Second,
		MaxDelay:      32 * time.Second,
		Timeout:       45 * time.Second,
		TimeoutGrowth: 1.5,
		Stabilize:     2 * time.Second,
		Jitter:        1500 * time.Millisecond,
		RecreateAfter: 6,
	}
}

// Delay returns the backoff after the given 1-based attempt:
// min(MaxDelay, BaseDelay * 2^(attempt-1)).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// TimeoutFor returns the dial timeout of the given 1-based attempt.
func (p Policy) TimeoutFor(attempt int) time.Duration {
	if attempt <= 1 || p.TimeoutGrowth <= 1 {
		return p.Timeout
	}
	return time.Duration(float64(p.Timeout) * p.TimeoutGrowth)
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
