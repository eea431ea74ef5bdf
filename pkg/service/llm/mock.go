package llm

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/utils/similarity"
)

// Mock is a deterministic LLM for local runs and replays. It treats the last sentence of the
// text as the question, reports no question for a sentence it has already extracted, and
// answers with a fixed template. It has no judgment capability, so agents fall back to
// heuristics.
type Mock struct {
	model string

	mu    sync.Mutex
	asked map[string]struct{}
}

var _ interfaces.LLM = (*Mock)(nil)

func NewMock(modelName string) *Mock {
	if modelName == "" {
		modelName = "mock"
	}
	return &Mock{model: modelName, asked: make(map[string]struct{})}
}

func (m *Mock) ExtractQuestion(ctx context.Context, text, contextStr string) (string, error) {
	q := lastSentence(text)
	key := similarity.Normalize(q)
	if key == "" {
		return model.NoQuestion, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.asked[key]; ok {
		return model.NoQuestion, nil
	}
	m.asked[key] = struct{}{}
	return q, nil
}

func (m *Mock) GenerateAnswer(ctx context.Context, question, contextStr string) (string, error) {
	return "[" + m.model + "] 建议回答：" + question, nil
}

// GenerateAnswerStream delivers the answer in three chunks.
func (m *Mock) GenerateAnswerStream(ctx context.Context, question, contextStr string, h interfaces.StreamHandler) {
	answer, _ := m.GenerateAnswer(ctx, question, contextStr)
	runes := []rune(answer)
	size := (len(runes) + 2) / 3

	for start := 0; start < len(runes); start += size {
		if err := ctx.Err(); err != nil {
			h.OnError(err)
			return
		}
		end := min(start+size, len(runes))
		h.OnDelta(string(runes[start:end]))
	}
	h.OnComplete()
}

func (m *Mock) Close() error {
	return nil
}

// lastSentence returns the last non-empty sentence of text, keeping its terminal punctuation.
func lastSentence(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	end := len(text)
	trimmed := strings.TrimRightFunc(text, isSentenceEnd)
	if trimmed == "" {
		return ""
	}
	start := strings.LastIndexFunc(trimmed, isSentenceEnd)
	if start < 0 {
		return strings.TrimSpace(text[:end])
	}
	_, size := utf8.DecodeRuneInString(trimmed[start:])
	return strings.TrimSpace(text[start+size : end])
}

func isSentenceEnd(r rune) bool {
	return strings.ContainsRune("。！？!?.", r)
}
