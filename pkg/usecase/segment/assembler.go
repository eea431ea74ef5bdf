// Package segment turns a stream of partial transcripts into committed text segments. A
// segment is committed early when it grows long enough or contains terminal punctuation, and
// otherwise after a period without new partials (soft endpoint).
package segment

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/utils/scheduler"
)

const terminalPunctuation = "？?。.!！"

// CommitFunc receives a committed segment.
type CommitFunc func(segment string) error

type Assembler struct {
	sched           scheduler.Scheduler
	softEndpoint    time.Duration
	maxSegmentChars int
	earlyPunct      bool
	onCommit        CommitFunc
	onError         func(error)

	mu      sync.Mutex
	buf     string
	timer   scheduler.Timer
	gen     uint64
	metrics Metrics
}

type Option func(*Assembler)

func WithSoftEndpoint(d time.Duration) Option {
	return func(a *Assembler) {
		a.softEndpoint = d
	}
}

func WithMaxSegmentChars(n int) Option {
	return func(a *Assembler) {
		a.maxSegmentChars = n
	}
}

func WithEarlyCommitPunctuation(enabled bool) Option {
	return func(a *Assembler) {
		a.earlyPunct = enabled
	}
}

// WithErrorHandler sets the receiver of commit failures.
func WithErrorHandler(fn func(error)) Option {
	return func(a *Assembler) {
		a.onError = fn
	}
}

// New creates an Assembler. The soft endpoint and the segment length limit are raised to their
// minimums when configured lower.
func New(sched scheduler.Scheduler, onCommit CommitFunc, opts ...Option) *Assembler {
	a := &Assembler{
		sched:           sched,
		softEndpoint:    1500 * time.Millisecond,
		maxSegmentChars: 240,
		earlyPunct:      true,
		onCommit:        onCommit,
		onError:         func(error) {},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.softEndpoint = max(a.softEndpoint, model.MinSoftEndpoint)
	a.maxSegmentChars = max(a.maxSegmentChars, model.MinMaxSegmentChars)
	return a
}

// OnPartial appends a partial transcript and either commits immediately or (re)arms the soft
// endpoint timer.
func (a *Assembler) OnPartial(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	a.mu.Lock()
	if a.buf == "" {
		a.buf = text
	} else {
		a.buf += " " + text
	}
	a.metrics.PartialChars += utf8.RuneCountInString(text)

	if a.shouldCommitEarly() {
		a.stopTimer()
		segment := a.drain()
		a.metrics.EarlyCommitFires++
		a.recordCommit(segment)
		a.mu.Unlock()

		a.commit(segment)
		return
	}

	a.stopTimer()
	gen := a.gen
	a.timer = a.sched.Schedule(a.softEndpoint, func() { a.fire(gen) })
	a.mu.Unlock()
}

func (a *Assembler) shouldCommitEarly() bool {
	if utf8.RuneCountInString(a.buf) >= a.maxSegmentChars {
		return true
	}
	return a.earlyPunct && strings.ContainsAny(a.buf, terminalPunctuation)
}

func (a *Assembler) fire(gen uint64) {
	a.mu.Lock()
	if gen != a.gen {
		// cancelled or superseded after the timer had already started
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.gen++
	segment := a.drain()
	a.metrics.SoftEndpointFires++
	if segment != "" {
		a.recordCommit(segment)
	}
	a.mu.Unlock()

	if segment != "" {
		a.commit(segment)
	}
}

// Cancel stops the soft endpoint timer without committing the buffer.
func (a *Assembler) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimer()
}

// Clear discards the buffered partial text.
func (a *Assembler) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = ""
}

// Pending returns the buffered text that has not been committed yet.
func (a *Assembler) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf
}

func (a *Assembler) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// stopTimer must be called with mu held. Bumping gen invalidates a callback that is already
// running.
func (a *Assembler) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
}

func (a *Assembler) drain() string {
	segment := strings.TrimSpace(a.buf)
	a.buf = ""
	return segment
}

func (a *Assembler) recordCommit(segment string) {
	a.metrics.SegmentsCommitted++
	a.metrics.MaxCommittedChars = max(a.metrics.MaxCommittedChars, utf8.RuneCountInString(segment))
}

func (a *Assembler) commit(segment string) {
	if segment == "" {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			a.onError(goerr.New("panic in segment commit", goerr.V("panic", r), goerr.V("segment", segment)))
		}
	}()

	if err := a.onCommit(segment); err != nil {
		a.onError(goerr.Wrap(err, "failed to commit segment", goerr.V("segment", segment)))
	}
}

// Metrics counts assembler activity for observability.
type Metrics struct {
	SegmentsCommitted int
	SoftEndpointFires int
	EarlyCommitFires  int
	PartialChars      int
	MaxCommittedChars int
}

func (m Metrics) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("segments_committed", m.SegmentsCommitted),
		slog.Int("soft_endpoint_fires", m.SoftEndpointFires),
		slog.Int("early_commit_fires", m.EarlyCommitFires),
		slog.Int("partial_chars", m.PartialChars),
		slog.Int("max_committed_chars", m.MaxCommittedChars),
	)
}
