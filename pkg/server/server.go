// Package server exposes sessions and the audio stream over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/usecase/session"
	"github.com/m-mizutani/hearken/pkg/usecase/stream"
	"github.com/m-mizutani/hearken/pkg/utils/logging"
)

type Server struct {
	echo     *echo.Echo
	sessions *session.UseCase
	streams  *stream.Service
	ws       wsConfig
}

type Option func(*Server)

// WithAllowedOrigins restricts the origins accepted by the WebSocket upgrade. Any origin is
// accepted when none is given.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.ws.origins = origins
	}
}

// WithSendQueue sets how many outgoing messages are buffered per connection.
func WithSendQueue(size int) Option {
	return func(s *Server) {
		if size > 0 {
			s.ws.queueSize = size
		}
	}
}

func New(sessions *session.UseCase, streams *stream.Service, opts ...Option) *Server {
	s := &Server{
		echo:     echo.New(),
		sessions: sessions,
		streams:  streams,
		ws:       wsConfig{queueSize: defaultSendQueue},
	}
	for _, opt := range opts {
		opt(s)
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger := logging.From(c.Request().Context())
			if v.Error != nil {
				logger.Warn("request failed", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "error", v.Error)
				return nil
			}
			logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/sessions", s.createSession)
	e.GET("/sessions/:id", s.getSession)
	e.GET("/sessions/:id/messages", s.listMessages)
	e.POST("/sessions/:id/end", s.endSession)
	e.GET("/ws/audio", s.handleAudio)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

type createSessionRequest struct {
	UserID string         `json:"userId"`
	Config map[string]any `json:"config"`
}

func (s *Server) createSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}

	sess, err := s.sessions.Create(c.Request().Context(), req.UserID, req.Config)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.sessions.Get(c.Request().Context(), model.SessionID(c.Param("id")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) listMessages(c echo.Context) error {
	msgs, err := s.sessions.Messages(c.Request().Context(), model.SessionID(c.Param("id")))
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) endSession(c echo.Context) error {
	sess, err := s.sessions.End(c.Request().Context(), model.SessionID(c.Param("id")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	msg := "internal error"

	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		status = httpErr.Code
		if m, ok := httpErr.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(status)
		}
	case errors.Is(err, session.ErrSessionNotFound):
		status, msg = http.StatusNotFound, "session not found"
	case errors.Is(err, session.ErrSessionNotActive):
		status, msg = http.StatusConflict, "session is not active"
	default:
		logging.From(c.Request().Context()).Error("unhandled error", "error", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, errorResponse{Error: msg})
	}
	if err != nil {
		logging.From(c.Request().Context()).Warn("failed to write error response", "error", err)
	}
}

// Shutdown closes every open stream. The caller stops the listener.
func (s *Server) Shutdown(ctx context.Context) {
	s.streams.CloseAll(ctx)
}
