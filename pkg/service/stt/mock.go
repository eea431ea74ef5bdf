package stt

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/utils/scheduler"
)

// DefaultScript is recited by Mock when no script is given.
var DefaultScript = []string{
	"请先做一个简单的自我介绍。",
	"你对并发编程了解多少？",
	"Go的channel和mutex分别适合什么场景？",
	"讲讲你做过的最有挑战的项目。",
}

// Mock pretends to recognize speech. Each burst of audio produces the next line of its script:
// a partial transcript with the first half of the line and then the whole line as final.
// Audio received while a burst is in progress belongs to that burst.
type Mock struct {
	sched        scheduler.Scheduler
	script       []string
	readyDelay   time.Duration
	partialDelay time.Duration
	finalDelay   time.Duration

	mu      sync.Mutex
	h       interfaces.TranscriptHandler
	started bool
	closed  bool
	next    int
	burst   uint64
	pending string
	readyT  scheduler.Timer
	timers  []scheduler.Timer
}

var (
	_ interfaces.Transcriber   = (*Mock)(nil)
	_ interfaces.ReadySignaler = (*Mock)(nil)
)

type MockOption func(*Mock)

func WithScript(lines ...string) MockOption {
	return func(m *Mock) {
		if len(lines) > 0 {
			m.script = lines
		}
	}
}

// WithDelays overrides the ready, partial and final delays.
func WithDelays(ready, partial, final time.Duration) MockOption {
	return func(m *Mock) {
		m.readyDelay = ready
		m.partialDelay = partial
		m.finalDelay = final
	}
}

func NewMock(sched scheduler.Scheduler, opts ...MockOption) *Mock {
	m := &Mock{
		sched:        sched,
		script:       DefaultScript,
		readyDelay:   300 * time.Millisecond,
		partialDelay: 300 * time.Millisecond,
		finalDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mock) SignalsReady() bool { return true }

func (m *Mock) Start(ctx context.Context, sessionID model.SessionID, h interfaces.TranscriptHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.started {
		return goerr.Wrap(ErrAlreadyStarted, "mock transcriber", goerr.V("session_id", sessionID))
	}
	m.h = h
	m.started = true
	m.readyT = m.sched.Schedule(m.readyDelay, m.ready)
	return nil
}

func (m *Mock) ready() {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()

	if !closed && m.h.OnReady != nil {
		m.h.OnReady()
	}
}

func (m *Mock) SendAudio(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return ErrClosed
	case !m.started:
		return ErrNotStarted
	case len(pcm) == 0 || m.pending != "":
		return nil
	}

	line := m.script[m.next%len(m.script)]
	m.next++
	m.burst++
	m.pending = line
	burst := m.burst

	runes := []rune(line)
	partial := string(runes[:(len(runes)+1)/2])
	m.timers = []scheduler.Timer{
		m.sched.Schedule(m.partialDelay, func() { m.emitPartial(burst, partial) }),
		m.sched.Schedule(m.finalDelay, func() { m.emitFinal(burst) }),
	}
	return nil
}

func (m *Mock) emitPartial(burst uint64, text string) {
	m.mu.Lock()
	current := !m.closed && burst == m.burst && m.pending != ""
	m.mu.Unlock()

	if current {
		m.h.OnPartial(text)
	}
}

func (m *Mock) emitFinal(burst uint64) {
	m.mu.Lock()
	if m.closed || burst != m.burst || m.pending == "" {
		m.mu.Unlock()
		return
	}
	text := m.pending
	m.pending = ""
	m.mu.Unlock()

	m.h.OnFinal(text)
}

// Flush finishes the current burst immediately.
func (m *Mock) Flush(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	text := m.pending
	m.pending = ""
	m.burst++
	m.mu.Unlock()

	if text != "" {
		m.h.OnFinal(text)
	}
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.readyT != nil {
		m.readyT.Stop()
	}
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	return nil
}
