// Package scheduler runs delayed tasks for session timers. Pool is the process-wide real-time
// implementation; Manual is a virtual clock for tests and transcript replay.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/utils/logging"
)

// Timer is a handle to a scheduled task.
type Timer interface {
	// Stop prevents the task from running. It returns false if the task already ran or was
	// stopped.
	Stop() bool
}

// Scheduler schedules fn to run once after d.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Timer
}

var ErrShutdown = goerr.New("scheduler is shut down")

// Pool runs tasks on their own goroutines via time.AfterFunc. It recovers panics raised by
// tasks and supports a graceful Shutdown.
type Pool struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool() *Pool {
	return &Pool{}
}

type stoppedTimer struct{}

func (stoppedTimer) Stop() bool { return false }

func (p *Pool) Schedule(d time.Duration, fn func()) Timer {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return stoppedTimer{}
	}

	return time.AfterFunc(d, func() {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.wg.Add(1)
		p.mu.Unlock()

		defer p.wg.Done()
		run(fn)
	})
}

// Shutdown rejects new tasks, drops timers that have not fired yet and waits for running
// tasks to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return goerr.Wrap(ErrShutdown, "running tasks did not finish", goerr.V("cause", ctx.Err()))
	}
}

func run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Default().Error("panic in scheduled task", "panic", r)
		}
	}()
	fn()
}
