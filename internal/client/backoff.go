package client

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var ErrInvalidBackoff = errors.New("client: invalid backoff config")

// BackoffConfig shapes the delay before each reconnection attempt.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoffConfig starts at ten seconds and settles at ten minutes.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 10 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Minute,
		Jitter:       true,
	}
}

func (c BackoffConfig) Validate() error {
	if c.InitialDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidBackoff)
	}
	if c.MaxDelay > 0 && c.InitialDelay > c.MaxDelay {
		return fmt.Errorf("%w: initial delay exceeds max delay", ErrInvalidBackoff)
	}
	return nil
}

// NextBackoffDelay returns the delay for attempt N (1-based). The nominal
// delay grows geometrically up to MaxDelay; jitter scales it by a factor in
// [0.5, 1.5) and never lets it exceed MaxDelay.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter && rng != nil {
		delay *= 0.5 + rng.Float64()
		if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
		}
	}
	// uncapped growth saturates instead of wrapping negative
	if delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
