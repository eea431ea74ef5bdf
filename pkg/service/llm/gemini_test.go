package llm_test

import (
	"context"
	"errors"
	"iter"
	"os"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/hearken/pkg/adapter"
	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/service/llm"
	"google.golang.org/genai"
)

type mockGemini struct {
	generateFunc func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	streamFunc   func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

func (m *mockGemini) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return m.generateFunc(ctx, contents, config)
}

func (m *mockGemini) GenerateContentStream(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	return m.streamFunc(ctx, contents, config)
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: genai.NewContentFromText(text, genai.RoleModel)},
		},
	}
}

func respondWith(text string) *mockGemini {
	return &mockGemini{
		generateFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			return textResponse(text), nil
		},
	}
}

func promptOf(contents []*genai.Content) string {
	var sb strings.Builder
	for _, c := range contents {
		for _, p := range c.Parts {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func newGemini(client adapter.Gemini) *llm.Gemini {
	return llm.NewGemini(client, model.DefaultAgentConfig().LLM)
}

func TestExtractQuestion(t *testing.T) {
	var prompt string
	client := &mockGemini{
		generateFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			prompt = promptOf(contents)
			return textResponse("  你对并发编程了解多少？\n"), nil
		},
	}

	q, err := newGemini(client).ExtractQuestion(context.Background(), "嗯那个你对并发编程了解多少", "最近问题：自我介绍")
	gt.NoError(t, err)
	gt.Equal(t, q, "你对并发编程了解多少？")
	gt.S(t, prompt).Contains("嗯那个你对并发编程了解多少")
	gt.S(t, prompt).Contains("最近问题：自我介绍")
}

func TestExtractQuestionEmptyIsNoQuestion(t *testing.T) {
	q, err := newGemini(respondWith("   ")).ExtractQuestion(context.Background(), "好的", "")
	gt.NoError(t, err)
	gt.Equal(t, q, model.NoQuestion)
}

func TestExtractQuestionError(t *testing.T) {
	client := &mockGemini{
		generateFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			return nil, errors.New("unavailable")
		},
	}
	_, err := newGemini(client).ExtractQuestion(context.Background(), "你好吗", "")
	gt.Error(t, err)
}

func TestGenerateAnswerEmptyResponse(t *testing.T) {
	client := &mockGemini{
		generateFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			return &genai.GenerateContentResponse{}, nil
		},
	}
	_, err := newGemini(client).GenerateAnswer(context.Background(), "什么是channel", "")
	gt.Error(t, err)
}

func TestJudgeQuestionEquivalence(t *testing.T) {
	testCases := map[string]struct {
		raw       string
		class     model.EquivalenceClass
		canonical string
	}{
		"plain json": {
			raw:       `{"class":"NEW","canonical":"原问题的规范化表达","reason":"topic changed"}`,
			class:     model.EquivalenceNew,
			canonical: "原问题的规范化表达",
		},
		"wrapped in text": {
			raw:   "判断如下：\n```json\n{\"class\":\"ELABORATION\",\"reason\":\"detail\"}\n```",
			class: model.EquivalenceElaboration,
		},
		"lower case class": {
			raw:   `{"class":"none","reason":"chit chat"}`,
			class: model.EquivalenceNone,
		},
		"unknown class": {
			raw:   `{"class":"MAYBE","reason":"?"}`,
			class: model.EquivalenceSame,
		},
		"not json": {
			raw:   "I cannot decide",
			class: model.EquivalenceSame,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			result, err := newGemini(respondWith(tc.raw)).JudgeQuestionEquivalence(context.Background(), "上一个问题", "候选问题", "")
			gt.NoError(t, err)
			gt.V(t, result).NotNil()
			gt.Equal(t, result.Class, tc.class)
			gt.Equal(t, result.Canonical, tc.canonical)
		})
	}
}

func TestJudgeQuestionEquivalenceUsesSchema(t *testing.T) {
	var cfg *genai.GenerateContentConfig
	client := &mockGemini{
		generateFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			cfg = config
			return textResponse(`{"class":"SAME","reason":"same"}`), nil
		},
	}
	_, err := newGemini(client).JudgeQuestionEquivalence(context.Background(), "a", "b", "")
	gt.NoError(t, err)
	gt.Equal(t, cfg.ResponseMIMEType, "application/json")
	gt.V(t, cfg.ResponseSchema).NotNil()
}

func TestJudgeSegmentRelation(t *testing.T) {
	testCases := map[string]struct {
		raw   string
		class model.EquivalenceClass
	}{
		"elaboration": {raw: `{"class":"ELABORATION","reason":"adds detail"}`, class: model.EquivalenceElaboration},
		"none":        {raw: `{"class":"NONE","reason":"unrelated"}`, class: model.EquivalenceNone},
		"same":        {raw: `{"class":"SAME","reason":"?"}`, class: model.EquivalenceNone},
		"broken":      {raw: `{"class":`, class: model.EquivalenceNone},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			result, err := newGemini(respondWith(tc.raw)).JudgeSegmentRelation(context.Background(), "上一个问题", "补充说明", "")
			gt.NoError(t, err)
			gt.Equal(t, result.Class, tc.class)
		})
	}
}

func TestUpdateContextMemory(t *testing.T) {
	t.Run("facts as list", func(t *testing.T) {
		raw := `{"summary":" 关注高并发 ","facts":[{"key":"语言","value":"Go"},{"key":"场景","value":"支付"}]}`
		update, err := newGemini(respondWith(raw)).UpdateContextMemory(context.Background(), "q", "acc", "recent")
		gt.NoError(t, err)
		gt.Equal(t, update.Summary, "关注高并发")
		gt.Equal(t, update.Facts, map[string]string{"语言": "Go", "场景": "支付"})
	})

	t.Run("broken response", func(t *testing.T) {
		update, err := newGemini(respondWith("no idea")).UpdateContextMemory(context.Background(), "q", "acc", "recent")
		gt.NoError(t, err)
		gt.Equal(t, update.Summary, "")
		gt.Equal(t, len(update.Facts), 0)
	})
}

func TestParseMemoryUpdateFactsAsMap(t *testing.T) {
	update, err := llm.ParseMemoryUpdateForTest(`{"summary":"s","facts":{"years":3,"lang":"Go","none":null}}`)
	gt.NoError(t, err)
	gt.Equal(t, update.Facts, map[string]string{"years": "3", "lang": "Go"})
}

func TestParseMemoryUpdateNullFacts(t *testing.T) {
	update, err := llm.ParseMemoryUpdateForTest(`{"summary":"s","facts":null}`)
	gt.NoError(t, err)
	gt.Equal(t, update.Summary, "s")
	gt.Equal(t, len(update.Facts), 0)
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Class string `json:"class"`
	}
	gt.NoError(t, llm.DecodeJSONForTest(`result: {"class":"NEW"} done`, &v))
	gt.Equal(t, v.Class, "NEW")

	gt.Error(t, llm.DecodeJSONForTest(`no object`, &v))
	gt.Error(t, llm.DecodeJSONForTest(`} reversed {`, &v))
}

func streamOf(chunks []string, err error) func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	return func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			for _, c := range chunks {
				if !yield(textResponse(c), nil) {
					return
				}
			}
			if err != nil {
				yield(nil, err)
			}
		}
	}
}

type recorder struct {
	events []string
}

func (r *recorder) handler() interfaces.StreamHandler {
	return interfaces.StreamHandler{
		OnDelta:    func(delta string) { r.events = append(r.events, "delta:"+delta) },
		OnComplete: func() { r.events = append(r.events, "complete") },
		OnError:    func(err error) { r.events = append(r.events, "error") },
	}
}

func TestGenerateAnswerStreamOrder(t *testing.T) {
	client := &mockGemini{streamFunc: streamOf([]string{"Go的", "goroutine", "很轻量"}, nil)}

	var rec recorder
	newGemini(client).GenerateAnswerStream(context.Background(), "什么是goroutine", "", rec.handler())
	gt.Equal(t, rec.events, []string{"delta:Go的", "delta:goroutine", "delta:很轻量", "complete"})
}

func TestGenerateAnswerStreamError(t *testing.T) {
	client := &mockGemini{streamFunc: streamOf([]string{"部分"}, errors.New("reset"))}

	var rec recorder
	newGemini(client).GenerateAnswerStream(context.Background(), "q", "", rec.handler())
	gt.Equal(t, rec.events, []string{"delta:部分", "error"})
}

func TestGeminiIntegration(t *testing.T) {
	apiKey := os.Getenv("TEST_GEMINI_API_KEY")
	if apiKey == "" {
		t.Skip("TEST_GEMINI_API_KEY is not set")
	}
	ctx := context.Background()

	client, err := adapter.NewGeminiWithAPIKey(ctx, apiKey)
	gt.NoError(t, err)
	g := newGemini(client)

	q, err := g.ExtractQuestion(ctx, "好的，那我们开始吧。你能介绍一下Go的调度器是怎么工作的吗", "")
	gt.NoError(t, err)
	t.Log("question:", q)
	gt.False(t, model.IsNoQuestion(q))

	result, err := g.JudgeQuestionEquivalence(ctx, "你对并发编程了解多少", "你了解并发编程吗", "")
	gt.NoError(t, err)
	t.Log("equivalence:", result.Class, result.Reason)

	var rec recorder
	g.GenerateAnswerStream(ctx, q, "", rec.handler())
	gt.A(t, rec.events).Longer(1)
	gt.Equal(t, rec.events[len(rec.events)-1], "complete")
}
