package stream_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/repository"
	"github.com/m-mizutani/hearken/pkg/service/provider"
	"github.com/m-mizutani/hearken/pkg/usecase/session"
	"github.com/m-mizutani/hearken/pkg/usecase/stream"
	"github.com/m-mizutani/hearken/pkg/utils/scheduler"
)

type recordedMessage struct {
	role model.Role
	text string
}

type mockPersistence struct {
	mu   sync.Mutex
	msgs []recordedMessage
}

func (m *mockPersistence) PersistUser(sessionID model.SessionID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, recordedMessage{role: model.RoleUser, text: text})
}

func (m *mockPersistence) PersistAssistant(sessionID model.SessionID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, recordedMessage{role: model.RoleAssistant, text: text})
}

type memoryObject struct {
	bytes.Buffer
	commit func([]byte)
}

func (o *memoryObject) Close() error {
	o.commit(o.Bytes())
	return nil
}

type mockStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *mockStorage) Put(ctx context.Context, key, contentType string) (io.WriteCloser, error) {
	return &memoryObject{commit: func(b []byte) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.objects == nil {
			m.objects = map[string][]byte{}
		}
		m.objects[key] = append([]byte(nil), b...)
	}}, nil
}

func (m *mockStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return io.NopCloser(bytes.NewReader(m.objects[key])), nil
}

type eventLog struct {
	mu     sync.Mutex
	events []*model.Event
}

func (l *eventLog) Emit(ev *model.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(t model.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	svc         *stream.Service
	sessions    *session.UseCase
	sched       *scheduler.Manual
	persistence *mockPersistence
	storage     *mockStorage
}

func setup(t *testing.T) *fixture {
	t.Helper()
	sched := scheduler.NewManual()
	sessions := session.New(repository.NewMemory())
	f := &fixture{
		sessions:    sessions,
		sched:       sched,
		persistence: &mockPersistence{},
		storage:     &mockStorage{},
	}
	f.svc = stream.New(sessions, provider.New(sched), sched,
		stream.WithPersistence(f.persistence),
		stream.WithArchive(f.storage),
		stream.WithDefaultConfig(map[string]any{
			"stt": map[string]any{"provider": "manual"},
			"llm": map[string]any{"provider": "mock"},
			"context": map[string]any{
				"minCharsForDetection": 4,
				"debounceMillis":       0,
			},
		}),
	)
	return f
}

func TestServiceRoundTrip(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sess, err := f.sessions.Create(ctx, "user-1", nil)
	gt.NoError(t, err)

	var log eventLog
	gt.NoError(t, f.svc.Open(ctx, "conn-1", sess.ID, &log))
	gt.Equal(t, f.svc.Count(), 1)

	gt.NoError(t, f.svc.Inject("conn-1", "好的。你对并发编程了解多少？", true))
	f.sched.Advance(0)

	gt.Equal(t, log.count(model.EventQuestion), 1)
	gt.Equal(t, log.count(model.EventAnswerDelta), 3)
	gt.Equal(t, log.count(model.EventAnswerComplete), 1)

	f.persistence.mu.Lock()
	msgs := append([]recordedMessage(nil), f.persistence.msgs...)
	f.persistence.mu.Unlock()
	gt.A(t, msgs).Length(2)
	gt.Equal(t, msgs[0], recordedMessage{role: model.RoleUser, text: "好的。你对并发编程了解多少？"})
	gt.Equal(t, msgs[1].role, model.RoleAssistant)
	gt.S(t, msgs[1].text).Contains("你对并发编程了解多少？")

	gt.NoError(t, f.svc.Close(ctx, "conn-1"))
	gt.Equal(t, f.svc.Count(), 0)

	raw, ok := f.storage.objects[stream.ArchiveKey(sess.ID, "conn-1")]
	gt.True(t, ok)
	var archive stream.Archive
	gt.NoError(t, json.Unmarshal(raw, &archive))
	gt.Equal(t, archive.SessionID, sess.ID)
	gt.Equal(t, archive.UserID, "user-1")
	gt.A(t, archive.Entries).Length(2)
	gt.Equal(t, archive.Entries[0].Role, model.RoleUser)
}

func TestServiceSessionConfigOverridesDefaults(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sess, err := f.sessions.Create(ctx, "u", map[string]any{
		"context": map[string]any{"minCharsForDetection": 100},
	})
	gt.NoError(t, err)

	var log eventLog
	gt.NoError(t, f.svc.Open(ctx, "c", sess.ID, &log))
	gt.NoError(t, f.svc.Inject("c", "你对并发编程了解多少？", true))
	f.sched.Advance(0)

	gt.Equal(t, log.count(model.EventSTTFinal), 1)
	gt.Equal(t, log.count(model.EventQuestion), 0)
}

func TestServiceUnknownConnection(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	gt.True(t, errors.Is(f.svc.Audio("nope", []byte{1}), stream.ErrConnectionNotFound))
	gt.True(t, errors.Is(f.svc.Inject("nope", "x", true), stream.ErrConnectionNotFound))
	gt.True(t, errors.Is(f.svc.Flush(ctx, "nope"), stream.ErrConnectionNotFound))
	gt.True(t, errors.Is(f.svc.Close(ctx, "nope"), stream.ErrConnectionNotFound))
}

func TestServiceRejectsEndedSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sess, err := f.sessions.Create(ctx, "u", nil)
	gt.NoError(t, err)
	_, err = f.sessions.End(ctx, sess.ID)
	gt.NoError(t, err)

	err = f.svc.Open(ctx, "c", sess.ID, &eventLog{})
	gt.True(t, errors.Is(err, session.ErrSessionNotActive))
	gt.Equal(t, f.svc.Count(), 0)
}

func TestServiceRejectsDuplicateConnection(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sess, err := f.sessions.Create(ctx, "u", nil)
	gt.NoError(t, err)
	gt.NoError(t, f.svc.Open(ctx, "c", sess.ID, &eventLog{}))

	err = f.svc.Open(ctx, "c", sess.ID, &eventLog{})
	gt.True(t, errors.Is(err, stream.ErrConnectionExists))
}

func TestServiceStartFailureUnregisters(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sess, err := f.sessions.Create(ctx, "u", map[string]any{"stt.provider": "unknown"})
	gt.NoError(t, err)

	gt.Error(t, f.svc.Open(ctx, "c", sess.ID, &eventLog{}))
	gt.Equal(t, f.svc.Count(), 0)
}

func TestServiceCloseAll(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sess, err := f.sessions.Create(ctx, "u", nil)
	gt.NoError(t, err)
	gt.NoError(t, f.svc.Open(ctx, "a", sess.ID, &eventLog{}))
	gt.NoError(t, f.svc.Open(ctx, "b", sess.ID, &eventLog{}))

	f.svc.CloseAll(ctx)
	gt.Equal(t, f.svc.Count(), 0)
	// nothing was said, so nothing is archived
	gt.Equal(t, len(f.storage.objects), 0)
}

func TestServiceMockTranscriber(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sess, err := f.sessions.Create(ctx, "u", map[string]any{"stt.provider": "mock"})
	gt.NoError(t, err)

	var log eventLog
	gt.NoError(t, f.svc.Open(ctx, "c", sess.ID, &log))
	gt.NoError(t, f.svc.Audio("c", []byte{0, 1, 2, 3}))
	f.sched.Advance(3 * time.Second)

	gt.Equal(t, log.count(model.EventSTTReady), 1)
	gt.Equal(t, log.count(model.EventSTTFinal), 1)
	gt.Equal(t, log.count(model.EventQuestion), 1)
}

func TestAnswerAccumulator(t *testing.T) {
	var acc stream.AnswerAccumulator
	acc.Append("goroutine ")
	acc.Append("和channel ")
	gt.Equal(t, acc.Drain(), "goroutine 和channel")
	gt.Equal(t, acc.Drain(), "")
}
