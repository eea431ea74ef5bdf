package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/usecase/agent"
	"github.com/m-mizutani/hearken/pkg/utils/logging"
)

const (
	defaultSendQueue = 256
	writeTimeout     = 10 * time.Second

	// AnswerEnd is the content of the answer message that marks a completed answer.
	AnswerEnd = "[END]"
)

// Message types sent to and received from the client.
const (
	MsgSTTPartial = "stt_partial"
	MsgSTTFinal   = "stt_final"
	MsgSTTReady   = "stt_ready"
	MsgQuestion   = "question"
	MsgAnswer     = "answer"
	MsgError      = "error"

	CmdFlush   = "flush"
	CmdPartial = "partial"
	CmdFinal   = "final"
)

type wsConfig struct {
	origins   []string
	queueSize int
}

func (w wsConfig) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  65536,
		WriteBufferSize: 65536,
		CheckOrigin: func(r *http.Request) bool {
			if len(w.origins) == 0 {
				return true
			}
			return slices.Contains(w.origins, r.Header.Get("Origin"))
		},
	}
}

// OutMessage is a JSON text frame sent to the client.
type OutMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Command is a JSON text frame sent by the client.
type Command struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func toOutMessage(ev *model.Event) (OutMessage, bool) {
	switch ev.Type {
	case model.EventSTTPartial:
		return OutMessage{Type: MsgSTTPartial, Content: ev.Content}, true
	case model.EventSTTFinal:
		return OutMessage{Type: MsgSTTFinal, Content: ev.Content}, true
	case model.EventSTTReady:
		return OutMessage{Type: MsgSTTReady}, true
	case model.EventQuestion:
		return OutMessage{Type: MsgQuestion, Content: ev.Content}, true
	case model.EventAnswerDelta:
		return OutMessage{Type: MsgAnswer, Content: ev.Content}, true
	case model.EventAnswerComplete:
		return OutMessage{Type: MsgAnswer, Content: AnswerEnd}, true
	case model.EventError:
		return OutMessage{Type: MsgError, Code: string(ev.Code), Message: ev.Message}, true
	}
	return OutMessage{}, false
}

// sender serializes writes to one socket. Emit queues and never blocks; a full queue drops
// the message.
type sender struct {
	conn  *websocket.Conn
	queue chan OutMessage
	done  chan struct{}
	ctx   context.Context

	mu     sync.Mutex
	closed bool
}

func newSender(ctx context.Context, conn *websocket.Conn, size int) *sender {
	s := &sender{
		conn:  conn,
		queue: make(chan OutMessage, size),
		done:  make(chan struct{}),
		ctx:   ctx,
	}
	go s.run()
	return s
}

func (s *sender) Emit(ev *model.Event) {
	msg, ok := toOutMessage(ev)
	if !ok {
		return
	}
	s.send(msg)
}

func (s *sender) send(msg OutMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- msg:
	default:
		logging.From(s.ctx).Warn("send queue is full, dropping message", "type", msg.Type)
	}
}

func (s *sender) run() {
	defer close(s.done)
	failed := false
	for msg := range s.queue {
		if failed {
			continue
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteJSON(msg); err != nil {
			logging.From(s.ctx).Debug("failed to write message", "error", err, "type", msg.Type)
			failed = true
		}
	}
}

// close stops accepting messages and waits until the queued ones are written.
func (s *sender) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

func (s *Server) handleAudio(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := model.SessionID(c.QueryParam("sessionId"))
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sessionId is required")
	}
	if _, err := s.sessions.GetActive(ctx, sessionID); err != nil {
		return err
	}

	conn, err := s.ws.upgrader().Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already replied
		logging.From(ctx).Debug("websocket upgrade failed", "error", err)
		return nil
	}
	defer func() { _ = conn.Close() }()

	connID := uuid.NewString()
	ctx = logging.With(context.WithoutCancel(ctx), logging.From(ctx).With("conn_id", connID))
	out := newSender(ctx, conn, s.ws.queueSize)

	if err := s.streams.Open(ctx, connID, sessionID, out); err != nil {
		logging.From(ctx).Warn("failed to open stream", "error", err, "session_id", sessionID)
		out.send(OutMessage{Type: MsgError, Code: string(model.ErrorCodeAgent), Message: "failed to start session"})
		out.close()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "start failed"),
			time.Now().Add(time.Second))
		return nil
	}

	s.readLoop(ctx, conn, connID, out)

	if err := s.streams.Flush(ctx, connID); err != nil {
		logging.From(ctx).Debug("failed to flush stream", "error", err)
	}
	if err := s.streams.Close(ctx, connID); err != nil {
		logging.From(ctx).Warn("failed to close stream", "error", err)
	}
	out.close()
	return nil
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, connID string, out *sender) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logging.From(ctx).Warn("websocket closed unexpectedly", "error", err)
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			if err := s.streams.Audio(connID, data); err != nil {
				logging.From(ctx).Debug("audio dropped", "error", err)
			}
		case websocket.TextMessage:
			if err := s.handleCommand(ctx, connID, data); err != nil {
				logging.From(ctx).Debug("command rejected", "error", err)
				out.send(OutMessage{Type: MsgError, Code: string(model.ErrorCodeAgent), Message: commandError(err)})
			}
		}
	}
}

var errUnknownCommand = goerr.New("unknown command")

func (s *Server) handleCommand(ctx context.Context, connID string, data []byte) error {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return goerr.Wrap(err, "invalid command")
	}

	switch cmd.Type {
	case CmdFlush:
		return s.streams.Flush(ctx, connID)
	case CmdPartial:
		return s.streams.Inject(connID, cmd.Text, false)
	case CmdFinal:
		return s.streams.Inject(connID, cmd.Text, true)
	default:
		return goerr.Wrap(errUnknownCommand, "unsupported command", goerr.V("type", cmd.Type))
	}
}

func commandError(err error) string {
	switch {
	case errors.Is(err, errUnknownCommand):
		return "unknown command"
	case errors.Is(err, agent.ErrInjectNotSupported):
		return "transcript injection is not supported by the speech provider"
	default:
		return "invalid command"
	}
}
