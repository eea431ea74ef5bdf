// Package session manages the lifecycle records of interview sessions.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/repository"
	"github.com/m-mizutani/hearken/pkg/utils/logging"
)

var (
	ErrSessionNotFound  = goerr.New("session not found")
	ErrSessionNotActive = goerr.New("session is not active")
)

type UseCase struct {
	repo interfaces.Repository
	now  func() time.Time
}

func New(repo interfaces.Repository) *UseCase {
	return &UseCase{repo: repo, now: time.Now}
}

// Create stores a new active session. config is the session's own configuration; defaults are
// applied when an agent starts.
func (u *UseCase) Create(ctx context.Context, userID string, config map[string]any) (*model.Session, error) {
	session := &model.Session{
		ID:        model.NewSessionID(),
		UserID:    userID,
		Status:    model.SessionStatusActive,
		Config:    config,
		CreatedAt: u.now(),
	}
	if session.Config == nil {
		session.Config = map[string]any{}
	}

	if err := u.repo.PutSession(ctx, session); err != nil {
		return nil, goerr.Wrap(err, "failed to create session", goerr.V("user_id", userID))
	}

	logging.From(ctx).Info("session created", "session_id", session.ID, "user_id", userID)
	return session, nil
}

func (u *UseCase) Get(ctx context.Context, id model.SessionID) (*model.Session, error) {
	session, err := u.repo.GetSession(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, goerr.Wrap(ErrSessionNotFound, "no such session", goerr.V("session_id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get session", goerr.V("session_id", id))
	}
	return session, nil
}

// GetActive returns the session only when it has not ended.
func (u *UseCase) GetActive(ctx context.Context, id model.SessionID) (*model.Session, error) {
	session, err := u.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionStatusActive {
		return nil, goerr.Wrap(ErrSessionNotActive, "session has ended",
			goerr.V("session_id", id),
			goerr.V("status", session.Status))
	}
	return session, nil
}

// End marks the session as ended. Ending an ended session is a no-op.
func (u *UseCase) End(ctx context.Context, id model.SessionID) (*model.Session, error) {
	session, err := u.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == model.SessionStatusEnded {
		return session, nil
	}

	session.Status = model.SessionStatusEnded
	session.EndedAt = u.now()
	if err := u.repo.PutSession(ctx, session); err != nil {
		return nil, goerr.Wrap(err, "failed to end session", goerr.V("session_id", id))
	}

	logging.From(ctx).Info("session ended", "session_id", id, "duration", session.EndedAt.Sub(session.CreatedAt))
	return session, nil
}

// Messages returns the persisted transcript of a session.
func (u *UseCase) Messages(ctx context.Context, id model.SessionID) ([]*model.Message, error) {
	if _, err := u.Get(ctx, id); err != nil {
		return nil, err
	}
	msgs, err := u.repo.ListMessages(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list messages", goerr.V("session_id", id))
	}
	return msgs, nil
}
