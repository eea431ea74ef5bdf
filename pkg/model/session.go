package model

import (
	"time"

	"github.com/google/uuid"
)

type SessionID string

// NewSessionID generates a new unique SessionID
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func (id SessionID) String() string {
	return string(id)
}

type SessionStatus string

const (
	SessionStatusActive SessionStatus = "ACTIVE"
	SessionStatusEnded  SessionStatus = "ENDED"
)

// Session is the persisted record of an interview session.
type Session struct {
	ID        SessionID      `firestore:"id" json:"id"`
	UserID    string         `firestore:"user_id" json:"user_id"`
	Status    SessionStatus  `firestore:"status" json:"status"`
	Config    map[string]any `firestore:"config" json:"config,omitempty"`
	CreatedAt time.Time      `firestore:"created_at" json:"created_at"`
	EndedAt   time.Time      `firestore:"ended_at" json:"ended_at,omitempty"`
}

// Context returns the immutable identity handed to an agent at start.
func (s *Session) Context() *SessionContext {
	cfg := make(map[string]any, len(s.Config))
	for k, v := range s.Config {
		cfg[k] = v
	}
	return &SessionContext{ID: s.ID, UserID: s.UserID, Config: cfg}
}

// SessionContext is the per-session identity and raw configuration. It is read-only once
// created.
type SessionContext struct {
	ID     SessionID
	UserID string
	Config map[string]any
}
