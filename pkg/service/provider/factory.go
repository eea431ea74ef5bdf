// Package provider creates the transcriber and language model of an agent from its
// configuration.
package provider

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/adapter"
	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/service/llm"
	"github.com/m-mizutani/hearken/pkg/service/stt"
	"github.com/m-mizutani/hearken/pkg/utils/scheduler"
)

const (
	STTMock   = "mock"
	STTManual = "manual"
	LLMGemini = "gemini"
	LLMMock   = "mock"
)

var ErrUnknownProvider = goerr.New("unknown provider")

type Factory struct {
	sched    scheduler.Scheduler
	gemini   *adapter.GeminiClient
	mockOpts []stt.MockOption
}

var _ interfaces.Factory = (*Factory)(nil)

type Option func(*Factory)

// WithGemini sets the shared Gemini client. Sessions without their own API key use it with
// their configured model.
func WithGemini(client *adapter.GeminiClient) Option {
	return func(f *Factory) {
		f.gemini = client
	}
}

func WithMockTranscriber(opts ...stt.MockOption) Option {
	return func(f *Factory) {
		f.mockOpts = opts
	}
}

func New(sched scheduler.Scheduler, opts ...Option) *Factory {
	f := &Factory{sched: sched}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) NewTranscriber(ctx context.Context, cfg *model.AgentConfig) (interfaces.Transcriber, error) {
	switch cfg.STT.Provider {
	case STTMock:
		return stt.NewMock(f.sched, f.mockOpts...), nil
	case STTManual:
		return stt.NewManual(), nil
	default:
		return nil, goerr.Wrap(ErrUnknownProvider, "unsupported stt provider", goerr.V("provider", cfg.STT.Provider))
	}
}

func (f *Factory) NewLLM(ctx context.Context, cfg *model.AgentConfig) (interfaces.LLM, error) {
	switch cfg.LLM.Provider {
	case LLMMock:
		return llm.NewMock(cfg.LLM.Model), nil

	case LLMGemini:
		if cfg.LLM.APIKey != "" {
			client, err := adapter.NewGeminiWithAPIKey(ctx, cfg.LLM.APIKey, adapter.WithGenerativeModel(cfg.LLM.Model))
			if err != nil {
				return nil, goerr.Wrap(err, "failed to create gemini client for session")
			}
			return llm.NewGemini(client, cfg.LLM), nil
		}
		if f.gemini == nil {
			return nil, goerr.New("gemini is not configured, set an API key or a project", goerr.V("model", cfg.LLM.Model))
		}
		return llm.NewGemini(f.gemini.WithModel(cfg.LLM.Model), cfg.LLM), nil

	default:
		return nil, goerr.Wrap(ErrUnknownProvider, "unsupported llm provider", goerr.V("provider", cfg.LLM.Provider))
	}
}
