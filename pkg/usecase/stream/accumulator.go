package stream

import (
	"strings"
	"sync"
)

// AnswerAccumulator collects the deltas of the answer being streamed.
type AnswerAccumulator struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (a *AnswerAccumulator) Append(delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf.WriteString(delta)
}

// Drain returns the accumulated answer and resets the accumulator.
func (a *AnswerAccumulator) Drain() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	return s
}
