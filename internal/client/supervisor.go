package client

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type counter interface {
	Inc()
}

// Supervisor waits out a backoff delay and then resubmits the lifecycle
// chain once. At most one wait is in flight; Start while one is pending is a
// no-op.
type Supervisor struct {
	backoff  BackoffConfig
	resubmit func()
	starts   counter

	mu       sync.Mutex
	cond     *sync.Cond
	running  bool
	attempts int
	stop     chan struct{}
	rng      *rand.Rand
}

func NewSupervisor(backoff BackoffConfig, resubmit func(), starts counter) *Supervisor {
	s := &Supervisor{
		backoff:  backoff,
		resubmit: resubmit,
		starts:   starts,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start begins a backoff wait unless one is already running. It reports
// whether a new wait was started.
func (s *Supervisor) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.attempts++
	delay := NextBackoffDelay(s.backoff, s.attempts, s.rng)
	stop := make(chan struct{})
	s.stop = stop
	if s.starts != nil {
		s.starts.Inc()
	}
	log.Info().Int("attempt", s.attempts).Dur("delay", delay).Msg("client.Supervisor.Start reconnect scheduled")
	go s.wait(delay, stop)
	return true
}

func (s *Supervisor) wait(delay time.Duration, stop chan struct{}) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	fire := false
	select {
	case <-timer.C:
		fire = true
	case <-stop:
	}

	// clear the flag before resubmitting so a failure in the new chain can
	// start the next wait
	s.mu.Lock()
	s.running = false
	if s.stop == stop {
		s.stop = nil
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	if fire {
		log.Info().Msg("client.Supervisor resubmitting lifecycle")
		s.resubmit()
	}
}

// Stop cancels a pending wait and blocks until the wait goroutine exits. A
// wait whose timer already fired still resubmits.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	for s.running {
		s.cond.Wait()
	}
}

// Reset zeroes the attempt counter after a successful login.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
