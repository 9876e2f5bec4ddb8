package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 30 * time.Second
	defaultMultiplier      = 2.0
	defaultRandomization   = 0.2
)

// BackoffConfig tunes the reconnect delays. Zero values take defaults; a negative
// RandomizationFactor disables jitter.
type BackoffConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// NewBackoff returns an exponential policy capped at MaxInterval that never stops on its own;
// the attempt limit is enforced by the state machine.
func NewBackoff(config BackoffConfig) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = durationOrDefault(config.InitialInterval, defaultInitialInterval)
	policy.MaxInterval = durationOrDefault(config.MaxInterval, defaultMaxInterval)
	policy.Multiplier = defaultMultiplier
	if config.Multiplier > 1 {
		policy.Multiplier = config.Multiplier
	}
	switch {
	case config.RandomizationFactor < 0:
		policy.RandomizationFactor = 0
	case config.RandomizationFactor > 0 && config.RandomizationFactor < 1:
		policy.RandomizationFactor = config.RandomizationFactor
	default:
		policy.RandomizationFactor = defaultRandomization
	}
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

func durationOrDefault(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
