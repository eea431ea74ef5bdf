package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/model"
	_ "modernc.org/sqlite"
)

// SQLite stores sessions and messages in a local database file.
type SQLite struct {
	db *sql.DB
}

var _ interfaces.Repository = (*SQLite)(nil)

func NewSQLite(ctx context.Context, dbPath string) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, goerr.Wrap(err, "failed to create database directory", goerr.V("path", dbPath))
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite", goerr.V("path", dbPath))
	}

	r := &SQLite{db: db}
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLite) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		status     TEXT NOT NULL,
		config     TEXT,
		created_at TEXT NOT NULL,
		ended_at   TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return goerr.Wrap(err, "failed to migrate sqlite schema")
	}
	return nil
}

func (r *SQLite) PutSession(ctx context.Context, session *model.Session) error {
	cfg, err := json.Marshal(session.Config)
	if err != nil {
		return goerr.Wrap(err, "failed to encode session config", goerr.V("session_id", session.ID))
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, status, config, created_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id = excluded.user_id,
		   status = excluded.status,
		   config = excluded.config,
		   ended_at = excluded.ended_at`,
		session.ID.String(), session.UserID, string(session.Status), string(cfg),
		formatTime(session.CreatedAt), formatTime(session.EndedAt))
	if err != nil {
		return goerr.Wrap(err, "failed to put session", goerr.V("session_id", session.ID))
	}
	return nil
}

func (r *SQLite) GetSession(ctx context.Context, id model.SessionID) (*model.Session, error) {
	var (
		session            model.Session
		status             string
		cfg                sql.NullString
		createdAt, endedAt sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, config, created_at, ended_at FROM sessions WHERE id = ?`,
		id.String()).Scan(&session.ID, &session.UserID, &status, &cfg, &createdAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(ErrNotFound, "session not found", goerr.V("session_id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get session", goerr.V("session_id", id))
	}

	session.Status = model.SessionStatus(status)
	session.CreatedAt = parseTime(createdAt)
	session.EndedAt = parseTime(endedAt)
	if cfg.Valid && cfg.String != "" && cfg.String != "null" {
		if err := json.Unmarshal([]byte(cfg.String), &session.Config); err != nil {
			return nil, goerr.Wrap(err, "failed to decode session config", goerr.V("session_id", id))
		}
	}
	return &session, nil
}

func (r *SQLite) PutMessage(ctx context.Context, msg *model.Message) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET content = excluded.content`,
		string(msg.ID), msg.SessionID.String(), string(msg.Role), msg.Content, formatTime(msg.CreatedAt))
	if err != nil {
		return goerr.Wrap(err, "failed to put message",
			goerr.V("session_id", msg.SessionID),
			goerr.V("message_id", msg.ID))
	}
	return nil
}

func (r *SQLite) ListMessages(ctx context.Context, sessionID model.SessionID) ([]*model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY id`,
		sessionID.String())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query messages", goerr.V("session_id", sessionID))
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		var (
			msg       model.Message
			role      string
			createdAt sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan message", goerr.V("session_id", sessionID))
		}
		msg.Role = model.Role(role)
		msg.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate messages", goerr.V("session_id", sessionID))
	}
	return msgs, nil
}

func (r *SQLite) Close() error {
	return r.db.Close()
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
