// Package llm implements the language model used by agents: Gemini for production and a
// deterministic mock for local development.
package llm

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/adapter"
	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/utils/logging"
	"google.golang.org/genai"
)

var (
	//go:embed prompt/extract_question.md
	extractQuestionPromptRaw string
	//go:embed prompt/answer.md
	answerPromptRaw string
	//go:embed prompt/equivalence.md
	equivalencePromptRaw string
	//go:embed prompt/segment_relation.md
	segmentRelationPromptRaw string
	//go:embed prompt/memory_update.md
	memoryUpdatePromptRaw string
)

var (
	extractQuestionPromptTmpl = template.Must(template.New("extract_question").Parse(extractQuestionPromptRaw))
	answerPromptTmpl          = template.Must(template.New("answer").Parse(answerPromptRaw))
	equivalencePromptTmpl     = template.Must(template.New("equivalence").Parse(equivalencePromptRaw))
	segmentRelationPromptTmpl = template.Must(template.New("segment_relation").Parse(segmentRelationPromptRaw))
	memoryUpdatePromptTmpl    = template.Must(template.New("memory_update").Parse(memoryUpdatePromptRaw))
)

var errEmptyResponse = goerr.New("empty response from gemini")

// Gemini implements interfaces.LLM, interfaces.QuestionJudge and interfaces.MemoryUpdater.
type Gemini struct {
	client      adapter.Gemini
	temperature float32
	topP        float32
	maxTokens   int32
}

var (
	_ interfaces.LLM           = (*Gemini)(nil)
	_ interfaces.QuestionJudge = (*Gemini)(nil)
	_ interfaces.MemoryUpdater = (*Gemini)(nil)
)

func NewGemini(client adapter.Gemini, cfg model.LLMConfig) *Gemini {
	return &Gemini{
		client:      client,
		temperature: float32(cfg.Temperature),
		topP:        float32(cfg.TopP),
		maxTokens:   int32(cfg.MaxTokens),
	}
}

func render(tmpl *template.Template, data map[string]any) ([]*genai.Content, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, goerr.Wrap(err, "failed to execute prompt template", goerr.V("template", tmpl.Name()))
	}
	return []*genai.Content{genai.NewContentFromText(buf.String(), genai.RoleUser)}, nil
}

func (g *Gemini) textConfig() *genai.GenerateContentConfig {
	thinkingBudget := int32(0)
	return &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.temperature),
		TopP:            genai.Ptr(g.topP),
		MaxOutputTokens: g.maxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &thinkingBudget,
		},
	}
}

func jsonConfig(schema *genai.Schema) *genai.GenerateContentConfig {
	thinkingBudget := int32(0)
	return &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0)),
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &thinkingBudget,
		},
	}
}

func (g *Gemini) generateText(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (string, error) {
	resp, err := g.client.GenerateContent(ctx, contents, config)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", goerr.Wrap(errEmptyResponse, "invalid response structure from gemini")
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (g *Gemini) ExtractQuestion(ctx context.Context, text, contextStr string) (string, error) {
	contents, err := render(extractQuestionPromptTmpl, map[string]any{
		"Text":    text,
		"Context": contextStr,
	})
	if err != nil {
		return "", err
	}

	question, err := g.generateText(ctx, contents, extractConfig())
	if err != nil {
		return "", goerr.Wrap(err, "failed to extract question")
	}
	if question == "" {
		return model.NoQuestion, nil
	}
	return question, nil
}

func extractConfig() *genai.GenerateContentConfig {
	thinkingBudget := int32(0)
	return &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(0)),
		MaxOutputTokens: 256,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &thinkingBudget,
		},
	}
}

func (g *Gemini) GenerateAnswer(ctx context.Context, question, contextStr string) (string, error) {
	contents, err := render(answerPromptTmpl, map[string]any{
		"Question": question,
		"Context":  contextStr,
	})
	if err != nil {
		return "", err
	}

	answer, err := g.generateText(ctx, contents, g.textConfig())
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate answer")
	}
	return answer, nil
}

func (g *Gemini) GenerateAnswerStream(ctx context.Context, question, contextStr string, h interfaces.StreamHandler) {
	contents, err := render(answerPromptTmpl, map[string]any{
		"Question": question,
		"Context":  contextStr,
	})
	if err != nil {
		h.OnError(err)
		return
	}

	for resp, err := range g.client.GenerateContentStream(ctx, contents, g.textConfig()) {
		if err != nil {
			h.OnError(goerr.Wrap(err, "failed to stream answer"))
			return
		}
		if delta := resp.Text(); delta != "" {
			h.OnDelta(delta)
		}
	}
	h.OnComplete()
}

var equivalenceSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"class": {
			Type:        genai.TypeString,
			Description: "Relation of the candidate question to the previous question",
			Enum:        []string{"SAME", "ELABORATION", "NEW", "NONE"},
		},
		"canonical": {
			Type:        genai.TypeString,
			Description: "Canonical form of the candidate question when class is NEW",
		},
		"reason": {
			Type:        genai.TypeString,
			Description: "Short reason of the judgment",
		},
	},
	Required: []string{"class", "reason"},
}

var segmentRelationSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"class": {
			Type:        genai.TypeString,
			Description: "ELABORATION if the segment elaborates the previous question, otherwise NONE",
			Enum:        []string{"ELABORATION", "NONE"},
		},
		"reason": {
			Type:        genai.TypeString,
			Description: "Short reason of the judgment",
		},
	},
	Required: []string{"class", "reason"},
}

var memoryUpdateSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"summary": {
			Type:        genai.TypeString,
			Description: "Summary of the current question and its elaboration",
		},
		"facts": {
			Type:        genai.TypeArray,
			Description: "Key facts extracted from the conversation",
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"key":   {Type: genai.TypeString},
					"value": {Type: genai.TypeString},
				},
				Required: []string{"key", "value"},
			},
		},
	},
	Required: []string{"summary", "facts"},
}

// JudgeQuestionEquivalence returns SAME when the response cannot be parsed.
func (g *Gemini) JudgeQuestionEquivalence(ctx context.Context, lastQuestion, candidate, contextStr string) (*model.EquivalenceResult, error) {
	contents, err := render(equivalencePromptTmpl, map[string]any{
		"LastQuestion": lastQuestion,
		"Candidate":    candidate,
		"Context":      contextStr,
	})
	if err != nil {
		return nil, err
	}

	raw, err := g.generateText(ctx, contents, jsonConfig(equivalenceSchema))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to judge question equivalence")
	}

	var result model.EquivalenceResult
	if err := decodeJSON(raw, &result); err != nil {
		logging.From(ctx).Debug("unparsable equivalence judgment", "raw", raw, "error", err)
		return &model.EquivalenceResult{Class: model.EquivalenceSame, Reason: "parse error"}, nil
	}
	result.Class = model.ParseEquivalenceClass(string(result.Class), model.EquivalenceSame)
	return &result, nil
}

// JudgeSegmentRelation returns NONE when the response cannot be parsed.
func (g *Gemini) JudgeSegmentRelation(ctx context.Context, lastQuestion, segment, contextStr string) (*model.EquivalenceResult, error) {
	contents, err := render(segmentRelationPromptTmpl, map[string]any{
		"LastQuestion": lastQuestion,
		"Segment":      segment,
		"Context":      contextStr,
	})
	if err != nil {
		return nil, err
	}

	raw, err := g.generateText(ctx, contents, jsonConfig(segmentRelationSchema))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to judge segment relation")
	}

	var result model.EquivalenceResult
	if err := decodeJSON(raw, &result); err != nil {
		logging.From(ctx).Debug("unparsable segment relation", "raw", raw, "error", err)
		return &model.EquivalenceResult{Class: model.EquivalenceNone, Reason: "parse error"}, nil
	}
	if c := model.ParseEquivalenceClass(string(result.Class), model.EquivalenceNone); c != model.EquivalenceElaboration {
		result.Class = model.EquivalenceNone
	} else {
		result.Class = c
	}
	return &result, nil
}

// UpdateContextMemory returns an empty update when the response cannot be parsed.
func (g *Gemini) UpdateContextMemory(ctx context.Context, question, accumulated, recent string) (*model.MemoryUpdate, error) {
	contents, err := render(memoryUpdatePromptTmpl, map[string]any{
		"Question":    question,
		"Accumulated": accumulated,
		"Recent":      recent,
	})
	if err != nil {
		return nil, err
	}

	raw, err := g.generateText(ctx, contents, jsonConfig(memoryUpdateSchema))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to update context memory")
	}

	update, err := parseMemoryUpdate(raw)
	if err != nil {
		logging.From(ctx).Debug("unparsable memory update", "raw", raw, "error", err)
		return &model.MemoryUpdate{Facts: map[string]string{}}, nil
	}
	return update, nil
}

func (g *Gemini) Close() error {
	return nil
}

// decodeJSON parses raw, retrying with the outermost {...} when the model wrapped the object
// in extra text.
func decodeJSON(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return goerr.New("no JSON object in response", goerr.V("raw", raw))
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), v); err != nil {
		return goerr.Wrap(err, "failed to parse JSON response", goerr.V("raw", raw))
	}
	return nil
}

// parseMemoryUpdate accepts facts either as [{"key","value"}] or as {"key": "value"}.
func parseMemoryUpdate(raw string) (*model.MemoryUpdate, error) {
	var data struct {
		Summary string          `json:"summary"`
		Facts   json.RawMessage `json:"facts"`
	}
	if err := decodeJSON(raw, &data); err != nil {
		return nil, err
	}

	update := &model.MemoryUpdate{
		Summary: strings.TrimSpace(data.Summary),
		Facts:   map[string]string{},
	}
	if len(data.Facts) == 0 || string(data.Facts) == "null" {
		return update, nil
	}

	var list []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data.Facts, &list); err == nil {
		for _, f := range list {
			update.Facts[f.Key] = f.Value
		}
		return update, nil
	}

	var m map[string]any
	if err := json.Unmarshal(data.Facts, &m); err != nil {
		return nil, goerr.Wrap(err, "invalid facts in memory update", goerr.V("facts", string(data.Facts)))
	}
	for k, v := range m {
		if s, ok := v.(string); ok {
			update.Facts[k] = s
		} else if v != nil {
			b, _ := json.Marshal(v)
			update.Facts[k] = string(b)
		}
	}
	return update, nil
}
