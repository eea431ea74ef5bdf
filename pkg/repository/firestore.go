package repository

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionSessions = "sessions"
	collectionMessages = "messages"
)

// Firestore stores sessions in the "sessions" collection and their messages in a "messages"
// subcollection of each session document.
type Firestore struct {
	client *firestore.Client
}

var _ interfaces.Repository = (*Firestore)(nil)

func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}
	return &Firestore{client: client}, nil
}

func (r *Firestore) session(id model.SessionID) *firestore.DocumentRef {
	return r.client.Collection(collectionSessions).Doc(id.String())
}

func (r *Firestore) PutSession(ctx context.Context, session *model.Session) error {
	if _, err := r.session(session.ID).Set(ctx, session); err != nil {
		return goerr.Wrap(err, "failed to put session", goerr.V("session_id", session.ID))
	}
	return nil
}

func (r *Firestore) GetSession(ctx context.Context, id model.SessionID) (*model.Session, error) {
	doc, err := r.session(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(ErrNotFound, "session not found", goerr.V("session_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get session", goerr.V("session_id", id))
	}

	var session model.Session
	if err := doc.DataTo(&session); err != nil {
		return nil, goerr.Wrap(err, "failed to decode session", goerr.V("session_id", id))
	}
	return &session, nil
}

func (r *Firestore) PutMessage(ctx context.Context, msg *model.Message) error {
	ref := r.session(msg.SessionID).Collection(collectionMessages).Doc(string(msg.ID))
	if _, err := ref.Set(ctx, msg); err != nil {
		return goerr.Wrap(err, "failed to put message",
			goerr.V("session_id", msg.SessionID),
			goerr.V("message_id", msg.ID))
	}
	return nil
}

func (r *Firestore) ListMessages(ctx context.Context, sessionID model.SessionID) ([]*model.Message, error) {
	iter := r.session(sessionID).Collection(collectionMessages).
		OrderBy("id", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var msgs []*model.Message
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate messages", goerr.V("session_id", sessionID))
		}

		var msg model.Message
		if err := doc.DataTo(&msg); err != nil {
			return nil, goerr.Wrap(err, "failed to decode message", goerr.V("doc_id", doc.Ref.ID))
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

func (r *Firestore) Close() error {
	if err := r.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close firestore client")
	}
	return nil
}
