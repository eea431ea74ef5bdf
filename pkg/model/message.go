package model

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// MessageID is a ULID so that lexical order follows creation time.
type MessageID string

func NewMessageID() MessageID {
	return MessageID(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID        MessageID `firestore:"id" json:"id"`
	SessionID SessionID `firestore:"session_id" json:"session_id"`
	Role      Role      `firestore:"role" json:"role"`
	Content   string    `firestore:"content" json:"content"`
	CreatedAt time.Time `firestore:"created_at" json:"created_at"`
}

func NewMessage(sessionID SessionID, role Role, content string) *Message {
	return &Message{
		ID:        NewMessageID(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}
