package client

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/pnclient/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 0, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt0 got=%v", got)
	}
}

func TestNextBackoffDelayUncappedSaturates(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 2.0}
	rng := rand.New(rand.NewSource(7))
	for _, attempt := range []int{40, 64, 100, 5000} {
		got := NextBackoffDelay(cfg, attempt, nil)
		if got <= 0 {
			t.Fatalf("attempt%d overflowed: %v", attempt, got)
		}
		if got < NextBackoffDelay(cfg, 39, nil) {
			t.Fatalf("attempt%d shrank: %v", attempt, got)
		}
		cfg.Jitter = true
		if jittered := NextBackoffDelay(cfg, attempt, rng); jittered <= 0 {
			t.Fatalf("attempt%d jittered overflowed: %v", attempt, jittered)
		}
		cfg.Jitter = false
	}
	if got := NextBackoffDelay(cfg, 100, nil); got != time.Duration(math.MaxInt64) {
		t.Fatalf("attempt100 got=%v want saturation", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		got := NextBackoffDelay(cfg, 1, rng)
		if got < 125*time.Millisecond || got > 375*time.Millisecond {
			t.Fatalf("jitter out of range: %v", got)
		}
		if capped := NextBackoffDelay(cfg, 20, rng); capped > 5*time.Second {
			t.Fatalf("jitter exceeded cap: %v", capped)
		}
	}
}

func TestBackoffConfigValidate(t *testing.T) {
	testlog.Start(t)
	if err := DefaultBackoffConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := BackoffConfig{InitialDelay: time.Minute, MaxDelay: time.Second}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidBackoff) {
		t.Fatalf("expected ErrInvalidBackoff, got %v", err)
	}
}
