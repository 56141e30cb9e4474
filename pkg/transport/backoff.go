package transport

import "time"

// Default reconnection parameters.
const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Policy configures reconnect backoff. Zero fields take the defaults above.
type Policy struct {
	// BaseDelay is the delay before the first reconnect. Doubles each attempt.
	BaseDelay time.Duration

	// MaxDelay caps the delay.
	MaxDelay time.Duration

	// MaxAttempts is the number of reconnects attempted after a failure
	// before the session gives up.
	MaxAttempts int
}

// DefaultPolicy returns 1s base delay, 30s cap and 5 attempts.
func DefaultPolicy() Policy {
	return Policy{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay, MaxAttempts: DefaultMaxAttempts}
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Delay returns the delay before reconnect attempt n (1-indexed):
// min(BaseDelay * 2^(n-1), MaxDelay). n < 1 is treated as 1.
func (p Policy) Delay(n int) time.Duration {
	p = p.withDefaults()
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// Backoff is [Policy.Delay] for the default policy.
func Backoff(n int) time.Duration {
	return DefaultPolicy().Delay(n)
}
