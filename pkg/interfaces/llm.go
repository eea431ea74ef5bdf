package interfaces

import (
	"context"

	"github.com/m-mizutani/hearken/pkg/model"
)

// StreamHandler receives a streamed answer. OnDelta is called in arrival order; exactly one of
// OnComplete or OnError is called last.
type StreamHandler struct {
	OnDelta    func(delta string)
	OnComplete func()
	OnError    func(err error)
}

// LLM is the language model used by an agent.
type LLM interface {
	// ExtractQuestion returns the question found in text, or model.NoQuestion.
	ExtractQuestion(ctx context.Context, text, contextStr string) (string, error)
	GenerateAnswer(ctx context.Context, question, contextStr string) (string, error)
	// GenerateAnswerStream blocks until the answer is finished and reports through h.
	GenerateAnswerStream(ctx context.Context, question, contextStr string, h StreamHandler)
	Close() error
}

// QuestionJudge is implemented by an LLM that can judge how utterances relate to the current
// question. A nil result without error means the judgment is not available.
type QuestionJudge interface {
	JudgeQuestionEquivalence(ctx context.Context, lastQuestion, candidate, contextStr string) (*model.EquivalenceResult, error)
	JudgeSegmentRelation(ctx context.Context, lastQuestion, segment, contextStr string) (*model.EquivalenceResult, error)
}

// MemoryUpdater is implemented by an LLM that can digest the current question's elaboration
// into a summary and key facts. A nil result without error means not available.
type MemoryUpdater interface {
	UpdateContextMemory(ctx context.Context, question, accumulated, recent string) (*model.MemoryUpdate, error)
}
