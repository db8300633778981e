package taskqueue

import (
	"errors"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrPoolFull    = errors.New("taskqueue: worker pool backlog full")
	ErrPoolStopped = errors.New("taskqueue: worker pool stopped")
)

// WorkerPool is a fixed set of goroutines draining a bounded backlog.
type WorkerPool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func NewWorkerPool(workers, backlog int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	p := &WorkerPool{tasks: make(chan func(), backlog)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for fn := range p.tasks {
		run(fn)
	}
}

func run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("taskqueue.WorkerPool task panic: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
}

// Execute enqueues fn without blocking.
func (p *WorkerPool) Execute(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- fn:
		return nil
	default:
		return ErrPoolFull
	}
}

// Stop rejects new work, lets queued work finish and waits for the workers.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}
