package interfaces

import (
	"context"

	"github.com/m-mizutani/hearken/pkg/model"
)

// Repository stores sessions and their transcript messages.
type Repository interface {
	PutSession(ctx context.Context, session *model.Session) error
	// GetSession returns an error wrapping repository.ErrNotFound for an unknown id.
	GetSession(ctx context.Context, id model.SessionID) (*model.Session, error)

	PutMessage(ctx context.Context, msg *model.Message) error
	// ListMessages returns the messages of a session in creation order.
	ListMessages(ctx context.Context, sessionID model.SessionID) ([]*model.Message, error)

	Close() error
}

// MessagePersistence stores transcript messages out of band. Calls must not block the
// caller; implementations queue and write asynchronously.
type MessagePersistence interface {
	PersistUser(sessionID model.SessionID, text string)
	PersistAssistant(sessionID model.SessionID, text string)
}
