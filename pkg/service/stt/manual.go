package stt

import (
	"context"
	"strings"
	"sync"

	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/model"
)

// Manual relays transcripts injected by its owner. Audio is accepted and discarded.
type Manual struct {
	mu      sync.Mutex
	h       interfaces.TranscriptHandler
	started bool
	closed  bool
}

var (
	_ interfaces.Transcriber        = (*Manual)(nil)
	_ interfaces.TranscriptInjector = (*Manual)(nil)
)

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Start(ctx context.Context, sessionID model.SessionID, h interfaces.TranscriptHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.h = h
	m.started = true
	return nil
}

func (m *Manual) SendAudio(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Manual) Flush(ctx context.Context) error { return nil }

func (m *Manual) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Manual) InjectPartial(text string) {
	if h, ok := m.handler(text); ok {
		h.OnPartial(text)
	}
}

func (m *Manual) InjectFinal(text string) {
	if h, ok := m.handler(text); ok {
		h.OnFinal(text)
	}
}

func (m *Manual) handler(text string) (interfaces.TranscriptHandler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.closed || strings.TrimSpace(text) == "" {
		return interfaces.TranscriptHandler{}, false
	}
	return m.h, true
}
