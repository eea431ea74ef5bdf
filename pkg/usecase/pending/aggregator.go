// Package pending coalesces final transcripts that arrive in quick succession into one unit of
// work.
package pending

import (
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/hearken/pkg/utils/scheduler"
)

// Aggregator buffers final transcripts and hands the joined text to process once no new final
// has arrived for the debounce window. Every Enqueue restarts the window.
type Aggregator struct {
	sched    scheduler.Scheduler
	debounce time.Duration
	process  func(text string)

	mu    sync.Mutex
	buf   []string
	timer scheduler.Timer
	gen   uint64
}

// New creates an Aggregator. A zero debounce still defers processing to the scheduler.
func New(sched scheduler.Scheduler, debounce time.Duration, process func(text string)) *Aggregator {
	return &Aggregator{
		sched:    sched,
		debounce: max(debounce, 0),
		process:  process,
	}
}

func (a *Aggregator) Enqueue(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopTimer()
	a.buf = append(a.buf, text)
	gen := a.gen
	a.timer = a.sched.Schedule(a.debounce, func() { a.flush(gen) })
}

// Flush processes the buffered text now.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	a.stopTimer()
	text := a.drain()
	a.mu.Unlock()

	if text != "" {
		a.process(text)
	}
}

// Cancel stops the timer and discards the buffered text.
func (a *Aggregator) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimer()
	a.buf = nil
}

func (a *Aggregator) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.buf, " ")
}

func (a *Aggregator) flush(gen uint64) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.gen++
	text := a.drain()
	a.mu.Unlock()

	if text != "" {
		a.process(text)
	}
}

func (a *Aggregator) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
}

func (a *Aggregator) drain() string {
	text := strings.TrimSpace(strings.Join(a.buf, " "))
	a.buf = nil
	return text
}
