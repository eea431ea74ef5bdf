// Package stream connects transport connections to agents. Each connection runs one agent for
// an active session; its transcript is persisted as it goes and archived when it closes.
package stream

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/adapter"
	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/usecase/agent"
	"github.com/m-mizutani/hearken/pkg/usecase/session"
	"github.com/m-mizutani/hearken/pkg/utils/logging"
	"github.com/m-mizutani/hearken/pkg/utils/scheduler"
)

var (
	ErrConnectionNotFound = goerr.New("connection not found")
	ErrConnectionExists   = goerr.New("connection already exists")
)

type Service struct {
	sessions    *session.UseCase
	factory     interfaces.Factory
	sched       scheduler.Scheduler
	persistence interfaces.MessagePersistence
	archive     adapter.Storage
	defaults    map[string]any
	getenv      func(string) string
	now         func() time.Time

	mu    sync.Mutex
	conns map[string]*connection
}

type Option func(*Service)

func WithPersistence(p interfaces.MessagePersistence) Option {
	return func(s *Service) {
		s.persistence = p
	}
}

// WithArchive enables writing the transcript of every closed connection to storage.
func WithArchive(storage adapter.Storage) Option {
	return func(s *Service) {
		s.archive = storage
	}
}

// WithDefaultConfig sets the configuration that each session's own configuration is merged
// onto.
func WithDefaultConfig(cfg map[string]any) Option {
	return func(s *Service) {
		s.defaults = cfg
	}
}

func WithGetenv(fn func(string) string) Option {
	return func(s *Service) {
		s.getenv = fn
	}
}

func New(sessions *session.UseCase, factory interfaces.Factory, sched scheduler.Scheduler, opts ...Option) *Service {
	s := &Service{
		sessions: sessions,
		factory:  factory,
		sched:    sched,
		getenv:   os.Getenv,
		now:      time.Now,
		conns:    make(map[string]*connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type connection struct {
	id         string
	session    *model.Session
	agent      *agent.Agent
	answer     *AnswerAccumulator
	openedAt   time.Time
	transcript *transcript
}

// Open starts an agent for connID on an active session. Events of the agent are delivered to
// sink after persistence has seen them.
func (s *Service) Open(ctx context.Context, connID string, sessionID model.SessionID, sink interfaces.EventSink) error {
	if s.lookup(connID) != nil {
		return goerr.Wrap(ErrConnectionExists, "connection is already open", goerr.V("conn_id", connID))
	}

	sess, err := s.sessions.GetActive(ctx, sessionID)
	if err != nil {
		return err
	}

	sc := &model.SessionContext{
		ID:     sess.ID,
		UserID: sess.UserID,
		Config: model.MergeConfig(s.defaults, sess.Config),
	}
	cfg := model.NewAgentConfig(sc, s.getenv)

	conn := &connection{
		id:         connID,
		session:    sess,
		agent:      agent.New(s.factory, s.sched),
		answer:     &AnswerAccumulator{},
		openedAt:   s.now(),
		transcript: &transcript{},
	}

	s.mu.Lock()
	if _, ok := s.conns[connID]; ok {
		s.mu.Unlock()
		return goerr.Wrap(ErrConnectionExists, "connection is already open", goerr.V("conn_id", connID))
	}
	s.conns[connID] = conn
	s.mu.Unlock()

	ctx = logging.With(ctx, logging.From(ctx).With("conn_id", connID))
	if err := conn.agent.Start(ctx, sc, cfg, s.persistingSink(conn, sink)); err != nil {
		s.remove(connID)
		return goerr.Wrap(err, "failed to start agent", goerr.V("conn_id", connID), goerr.V("session_id", sessionID))
	}

	logging.From(ctx).Info("stream opened", "session_id", sessionID, "stt", cfg.STT.Provider, "llm", cfg.LLM.Provider)
	return nil
}

func (s *Service) Audio(connID string, pcm []byte) error {
	conn := s.lookup(connID)
	if conn == nil {
		return goerr.Wrap(ErrConnectionNotFound, "audio for unknown connection", goerr.V("conn_id", connID))
	}
	return conn.agent.SendAudio(pcm)
}

// Inject delivers a transcript typed or recognized by the client.
func (s *Service) Inject(connID, text string, final bool) error {
	conn := s.lookup(connID)
	if conn == nil {
		return goerr.Wrap(ErrConnectionNotFound, "transcript for unknown connection", goerr.V("conn_id", connID))
	}
	return conn.agent.InjectTranscript(text, final)
}

func (s *Service) Flush(ctx context.Context, connID string) error {
	conn := s.lookup(connID)
	if conn == nil {
		return goerr.Wrap(ErrConnectionNotFound, "flush for unknown connection", goerr.V("conn_id", connID))
	}
	return conn.agent.Flush(ctx)
}

// Close stops the agent of connID and archives its transcript.
func (s *Service) Close(ctx context.Context, connID string) error {
	conn := s.remove(connID)
	if conn == nil {
		return goerr.Wrap(ErrConnectionNotFound, "close for unknown connection", goerr.V("conn_id", connID))
	}

	err := conn.agent.Close(ctx)
	if text := conn.answer.Drain(); text != "" {
		// answer interrupted by the close
		s.persistAssistant(conn, text)
	}

	if s.archive != nil {
		if aerr := s.writeArchive(ctx, conn); aerr != nil {
			logging.From(ctx).Error("failed to archive transcript", "error", aerr, "conn_id", connID)
		}
	}

	logging.From(ctx).Info("stream closed", "conn_id", connID, "session_id", conn.session.ID)
	return err
}

// CloseAll closes every open connection.
func (s *Service) CloseAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Close(ctx, id); err != nil {
			logging.From(ctx).Warn("failed to close connection", "error", err, "conn_id", id)
		}
	}
}

func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Service) lookup(connID string) *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[connID]
}

func (s *Service) remove(connID string) *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conns[connID]
	delete(s.conns, connID)
	return conn
}

func (s *Service) persistingSink(conn *connection, next interfaces.EventSink) interfaces.EventSink {
	return interfaces.EventSinkFunc(func(ev *model.Event) {
		switch ev.Type {
		case model.EventSTTFinal:
			if s.persistence != nil {
				s.persistence.PersistUser(ev.SessionID, ev.Content)
			}
			conn.transcript.add(model.RoleUser, ev.Content, s.now())
		case model.EventAnswerDelta:
			conn.answer.Append(ev.Content)
		case model.EventAnswerComplete:
			if text := conn.answer.Drain(); text != "" {
				s.persistAssistant(conn, text)
			}
		}
		next.Emit(ev)
	})
}

func (s *Service) persistAssistant(conn *connection, text string) {
	if s.persistence != nil {
		s.persistence.PersistAssistant(conn.session.ID, text)
	}
	conn.transcript.add(model.RoleAssistant, text, s.now())
}

// Archive is the document written to storage when a connection closes.
type Archive struct {
	SessionID model.SessionID `json:"session_id"`
	UserID    string          `json:"user_id"`
	ConnID    string          `json:"conn_id"`
	OpenedAt  time.Time       `json:"opened_at"`
	ClosedAt  time.Time       `json:"closed_at"`
	Entries   []ArchiveEntry  `json:"entries"`
}

type ArchiveEntry struct {
	Role    model.Role `json:"role"`
	Content string     `json:"content"`
	At      time.Time  `json:"at"`
}

// ArchiveKey is the storage key of a connection's transcript.
func ArchiveKey(sessionID model.SessionID, connID string) string {
	return "sessions/" + sessionID.String() + "/" + connID + ".json"
}

func (s *Service) writeArchive(ctx context.Context, conn *connection) error {
	doc := Archive{
		SessionID: conn.session.ID,
		UserID:    conn.session.UserID,
		ConnID:    conn.id,
		OpenedAt:  conn.openedAt,
		ClosedAt:  s.now(),
		Entries:   conn.transcript.entries(),
	}
	if len(doc.Entries) == 0 {
		return nil
	}

	key := ArchiveKey(conn.session.ID, conn.id)
	w, err := s.archive.Put(ctx, key, "application/json")
	if err != nil {
		return goerr.Wrap(err, "failed to open archive", goerr.V("key", key))
	}
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		_ = w.Close()
		return goerr.Wrap(err, "failed to write archive", goerr.V("key", key))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "failed to commit archive", goerr.V("key", key))
	}
	return nil
}

type transcript struct {
	mu   sync.Mutex
	list []ArchiveEntry
}

func (t *transcript) add(role model.Role, content string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.list = append(t.list, ArchiveEntry{Role: role, Content: content, At: at})
}

func (t *transcript) entries() []ArchiveEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ArchiveEntry(nil), t.list...)
}
