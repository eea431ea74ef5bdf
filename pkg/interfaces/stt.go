package interfaces

import (
	"context"

	"github.com/m-mizutani/hearken/pkg/model"
)

// TranscriptHandler receives transcription results. Handlers may be called from any goroutine
// but never before Start returns.
type TranscriptHandler struct {
	OnPartial func(text string)
	OnFinal   func(text string)
	OnError   func(err error)
	// OnReady is called at most once.
	OnReady func()
}

// Transcriber is a streaming speech-to-text session. Credentials, model, sample rate and
// language are given when it is created.
type Transcriber interface {
	Start(ctx context.Context, sessionID model.SessionID, h TranscriptHandler) error
	SendAudio(pcm []byte) error
	Flush(ctx context.Context) error
	Close() error
}

// ReadySignaler is implemented by a Transcriber that calls OnReady once it accepts audio.
// Audio sent before that is buffered by the caller.
type ReadySignaler interface {
	SignalsReady() bool
}

// Factory creates the collaborators of an agent from its configuration.
type Factory interface {
	NewTranscriber(ctx context.Context, cfg *model.AgentConfig) (Transcriber, error)
	NewLLM(ctx context.Context, cfg *model.AgentConfig) (LLM, error)
}

// TranscriptInjector is implemented by a Transcriber whose transcripts are supplied by the
// caller instead of being recognized from audio.
type TranscriptInjector interface {
	InjectPartial(text string)
	InjectFinal(text string)
}
