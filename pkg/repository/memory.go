package repository

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/model"
)

// Memory keeps everything in process memory. Stored values are copied.
type Memory struct {
	mu       sync.RWMutex
	sessions map[model.SessionID]model.Session
	messages map[model.SessionID][]model.Message
}

var _ interfaces.Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[model.SessionID]model.Session),
		messages: make(map[model.SessionID][]model.Message),
	}
}

func (r *Memory) PutSession(ctx context.Context, session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := *session
	s.Config = model.MergeConfig(nil, session.Config)
	r.sessions[session.ID] = s
	return nil
}

func (r *Memory) GetSession(ctx context.Context, id model.SessionID) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, goerr.Wrap(ErrNotFound, "session not found", goerr.V("session_id", id))
	}
	s.Config = model.MergeConfig(nil, s.Config)
	return &s, nil
}

func (r *Memory) PutMessage(ctx context.Context, msg *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := r.messages[msg.SessionID]
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i] = *msg
			return nil
		}
	}
	r.messages[msg.SessionID] = append(msgs, *msg)
	return nil
}

func (r *Memory) ListMessages(ctx context.Context, sessionID model.SessionID) ([]*model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := make([]*model.Message, 0, len(r.messages[sessionID]))
	for _, m := range r.messages[sessionID] {
		msgs = append(msgs, &m)
	}
	sortMessages(msgs)
	return msgs, nil
}

func (r *Memory) Close() error { return nil }
