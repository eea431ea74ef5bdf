package persist_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/repository"
	"github.com/m-mizutani/hearken/pkg/usecase/persist"
)

// blockingRepo holds PutMessage until release is closed.
type blockingRepo struct {
	*repository.Memory
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func newBlockingRepo() *blockingRepo {
	return &blockingRepo{
		Memory:  repository.NewMemory(),
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
}

func (r *blockingRepo) PutMessage(ctx context.Context, msg *model.Message) error {
	r.once.Do(func() { close(r.started) })
	<-r.release
	return r.Memory.PutMessage(ctx, msg)
}

type failingRepo struct {
	*repository.Memory
}

func (r *failingRepo) PutMessage(ctx context.Context, msg *model.Message) error {
	return errors.New("unavailable")
}

func TestWriterPersistsInOrder(t *testing.T) {
	repo := repository.NewMemory()
	w := persist.New(repo)
	sessionID := model.NewSessionID()

	w.PersistUser(sessionID, "你对并发编程了解多少")
	w.PersistAssistant(sessionID, "goroutine和channel")
	w.PersistUser(sessionID, "  ")
	gt.NoError(t, w.Close(context.Background()))

	msgs, err := repo.ListMessages(context.Background(), sessionID)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(2)
	gt.Equal(t, msgs[0].Role, model.RoleUser)
	gt.Equal(t, msgs[1].Role, model.RoleAssistant)
	gt.Equal(t, msgs[1].Content, "goroutine和channel")
}

func TestWriterDropsWhenFull(t *testing.T) {
	repo := newBlockingRepo()
	w := persist.New(repo, persist.WithQueueSize(2))
	sessionID := model.NewSessionID()

	w.PersistUser(sessionID, "first")
	<-repo.started // the worker holds "first"

	w.PersistUser(sessionID, "second")
	w.PersistUser(sessionID, "third")
	w.PersistUser(sessionID, "fourth")
	gt.Equal(t, w.Dropped(), int64(1))

	close(repo.release)
	gt.NoError(t, w.Close(context.Background()))

	msgs, err := repo.ListMessages(context.Background(), sessionID)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(3)
}

func TestWriterDropsAfterClose(t *testing.T) {
	w := persist.New(repository.NewMemory())
	gt.NoError(t, w.Close(context.Background()))
	gt.NoError(t, w.Close(context.Background()))

	w.PersistUser(model.NewSessionID(), "late")
	gt.Equal(t, w.Dropped(), int64(1))
}

func TestWriterCloseTimeout(t *testing.T) {
	repo := newBlockingRepo()
	w := persist.New(repo)
	w.PersistUser(model.NewSessionID(), "stuck")
	<-repo.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	gt.Error(t, w.Close(ctx))
	close(repo.release)
}

func TestWriterKeepsGoingOnError(t *testing.T) {
	w := persist.New(&failingRepo{Memory: repository.NewMemory()})
	w.PersistUser(model.NewSessionID(), "a")
	w.PersistUser(model.NewSessionID(), "b")
	gt.NoError(t, w.Close(context.Background()))
}
