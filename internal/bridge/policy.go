package bridge

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/bloom-nucleus/synapse/internal/constants"
)

// Policy is the reconnect policy. The attempt counter lives on Manager.
type Policy struct {
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxAttempts      int
	Jitter           time.Duration
	ConfigRetryDelay time.Duration
}

// DefaultPolicy returns the stock reconnect policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:        constants.ReconnectBaseDelay,
		MaxDelay:         constants.ReconnectMaxDelay,
		MaxAttempts:      constants.ReconnectMaxAttempts,
		Jitter:           constants.ReconnectJitter,
		ConfigRetryDelay: constants.ConfigRetryDelay,
	}
}

// Validate rejects policies that cannot schedule anything sensible.
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 || p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("bridge: invalid reconnect delays base=%s max=%s", p.BaseDelay, p.MaxDelay)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("bridge: max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.Jitter < 0 || p.ConfigRetryDelay < 0 {
		return fmt.Errorf("bridge: negative jitter or config retry delay")
	}
	return nil
}

// Backoff is min(BaseDelay * 2^attempt, MaxDelay), without jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	return min(d, p.MaxDelay)
}

// Delay is Backoff(attempt) plus jitter drawn uniformly from [0, Jitter)
// using r, a source of floats in [0, 1). A nil r uses math/rand/v2.
func (p Policy) Delay(attempt int, r func() float64) time.Duration {
	if r == nil {
		r = rand.Float64
	}
	jitter := time.Duration(0)
	if p.Jitter > 0 {
		jitter = time.Duration(r() * float64(p.Jitter))
		if jitter >= p.Jitter {
			jitter = p.Jitter - 1
		}
	}
	return p.Backoff(attempt) + jitter
}
