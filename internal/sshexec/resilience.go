package sshexec

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/andrej220/remexec/internal/orchestrator"
)

// ResilienceConfig guards connecting to a host and opening channels on an
// established connection. Commands themselves are never retried: a command
// that started may have had remote side effects.
type ResilienceConfig struct {
	// ChannelRetries bounds how often opening a channel is retried.
	ChannelRetries uint64
	// NewBackOff returns a fresh backoff for one channel-open attempt.
	NewBackOff func() backoff.BackOff
	// Breaker configures the per-host breaker a Dialer keeps across jobs.
	// Name is suffixed with the host address.
	Breaker gobreaker.Settings
}

// DefaultResilienceConfig is what a Dialer uses unless told otherwise.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		ChannelRetries: 3,
		NewBackOff: func() backoff.BackOff {
			return &backoff.ExponentialBackOff{
				InitialInterval:     500 * time.Millisecond,
				MaxInterval:         5 * time.Second,
				Multiplier:          1.5,
				RandomizationFactor: 0.5,
				Stop:                backoff.Stop,
				Clock:               backoff.SystemClock,
			}
		},
		Breaker: gobreaker.Settings{
			Name:        "ssh",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		},
	}
}

// hostFailure reports whether err says something about the host itself.
// Cancellation and bad key material do not count against it.
func hostFailure(err error) bool {
	return err != nil && errors.Is(err, orchestrator.ErrConnection)
}

func (d *Dialer) breaker(addr string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[addr]; ok {
		return cb
	}
	if d.breakers == nil {
		d.breakers = make(map[string]*gobreaker.CircuitBreaker)
	}
	st := d.resilience().Breaker
	st.Name = st.Name + ":" + addr
	st.IsSuccessful = func(err error) bool { return !hostFailure(err) }
	cb := gobreaker.NewCircuitBreaker(st)
	d.breakers[addr] = cb
	return cb
}

func (d *Dialer) resilience() ResilienceConfig {
	if d.Resilience.NewBackOff == nil {
		return DefaultResilienceConfig()
	}
	return d.Resilience
}
