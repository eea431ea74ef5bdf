package model

import (
	"math"
	"strings"
	"time"

	"github.com/m-mizutani/hearken/pkg/utils/logging"
	"github.com/spf13/cast"
)

type STTConfig struct {
	Provider               string
	APIKey                 string
	Model                  string
	SampleRate             int
	Language               string
	SoftEndpoint           time.Duration
	MaxSegmentChars        int
	EarlyCommitPunctuation bool
}

type LLMConfig struct {
	Provider    string
	APIKey      string
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
	Streaming   bool
}

// SimilarityConfig controls LLM-based question equivalence judgment.
type SimilarityConfig struct {
	Enabled       bool
	PromptVersion string
	Timeout       time.Duration
}

type ContextConfig struct {
	WindowSize           int
	MaxUtterances        int
	Debounce             time.Duration
	SimilarityThreshold  float64
	AnswerOnlyOnQuestion bool
	MinCharsForDetection int
	AdaptiveSuppression  bool
}

// AgentConfig is the typed snapshot of a session's configuration. It is built once when the
// agent starts and never changes afterwards.
type AgentConfig struct {
	STT        STTConfig
	LLM        LLMConfig
	Similarity SimilarityConfig
	Context    ContextConfig
	Prompt     string
}

const (
	MinSoftEndpoint    = 300 * time.Millisecond
	MinMaxSegmentChars = 50
)

// DefaultAgentConfig returns the configuration used for keys a session does not set.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		STT: STTConfig{
			Provider:               "mock",
			Model:                  "gummy-realtime-v1",
			SampleRate:             16000,
			Language:               "zh-CN",
			SoftEndpoint:           1500 * time.Millisecond,
			MaxSegmentChars:        240,
			EarlyCommitPunctuation: true,
		},
		LLM: LLMConfig{
			Provider:    "gemini",
			Model:       "gemini-2.5-flash",
			Temperature: 0.5,
			TopP:        0.9,
			MaxTokens:   512,
			Streaming:   true,
		},
		Similarity: SimilarityConfig{
			Enabled:       true,
			PromptVersion: "v1",
			Timeout:       2000 * time.Millisecond,
		},
		Context: ContextConfig{
			WindowSize:           3,
			MaxUtterances:        5,
			Debounce:             1200 * time.Millisecond,
			SimilarityThreshold:  0.85,
			AnswerOnlyOnQuestion: true,
			MinCharsForDetection: 20,
			AdaptiveSuppression:  true,
		},
	}
}

// NewAgentConfig builds an AgentConfig from the raw session configuration. Keys may be given
// flat ("context.windowSize") or nested ({"context": {"windowSize": 3}}). Values that cannot be
// coerced fall back to their defaults and numeric values are clamped to their minimums.
// getenv resolves apiKeyEnv references; nil disables the lookup.
func NewAgentConfig(sc *SessionContext, getenv func(string) string) *AgentConfig {
	cfg := DefaultAgentConfig()
	var raw map[string]any
	if sc != nil {
		raw = sc.Config
	}
	r := &configReader{raw: raw}

	cfg.STT.Provider = r.str("stt.provider", cfg.STT.Provider)
	cfg.STT.APIKey = resolveAPIKey(r, "stt", "DASHSCOPE_API_KEY", getenv)
	cfg.STT.Model = r.str("stt.model", cfg.STT.Model)
	cfg.STT.SampleRate = r.integer("stt.sampleRate", cfg.STT.SampleRate)
	cfg.STT.Language = r.str("stt.language", cfg.STT.Language)
	cfg.STT.SoftEndpoint = max(r.millis("stt.softEndpointMillis", cfg.STT.SoftEndpoint), MinSoftEndpoint)
	cfg.STT.MaxSegmentChars = max(r.integer("stt.maxSegmentChars", cfg.STT.MaxSegmentChars), MinMaxSegmentChars)
	cfg.STT.EarlyCommitPunctuation = r.boolean("stt.earlyCommitPunctuation", cfg.STT.EarlyCommitPunctuation)

	cfg.LLM.Provider = r.str("llm.provider", cfg.LLM.Provider)
	cfg.LLM.APIKey = resolveAPIKey(r, "llm", "GEMINI_API_KEY", getenv)
	cfg.LLM.Model = r.str("llm.model", cfg.LLM.Model)
	cfg.LLM.Temperature = r.float("llm.temperature", cfg.LLM.Temperature)
	cfg.LLM.TopP = r.float("llm.topP", cfg.LLM.TopP)
	cfg.LLM.MaxTokens = max(r.integer("llm.maxTokens", cfg.LLM.MaxTokens), 1)
	cfg.LLM.Streaming = r.boolean("llm.streaming", cfg.LLM.Streaming)

	cfg.Similarity.Enabled = r.boolean("llmSimilarity.enabled", cfg.Similarity.Enabled)
	cfg.Similarity.PromptVersion = r.str("llmSimilarity.promptVersion", cfg.Similarity.PromptVersion)
	cfg.Similarity.Timeout = max(r.millis("llmSimilarity.timeoutMillis", cfg.Similarity.Timeout), 0)

	cfg.Context.WindowSize = max(r.integer("context.windowSize", cfg.Context.WindowSize), 1)
	cfg.Context.MaxUtterances = max(r.integer("context.maxUtterances", cfg.Context.MaxUtterances), 1)
	cfg.Context.Debounce = max(r.millis("context.debounceMillis", cfg.Context.Debounce), 0)
	cfg.Context.SimilarityThreshold = clamp01(r.float("context.similarityThreshold", cfg.Context.SimilarityThreshold))
	cfg.Context.AnswerOnlyOnQuestion = r.boolean("context.answerOnlyOnQuestion", cfg.Context.AnswerOnlyOnQuestion)
	cfg.Context.MinCharsForDetection = max(r.integer("context.minCharsForDetection", cfg.Context.MinCharsForDetection), 1)
	cfg.Context.AdaptiveSuppression = r.boolean("context.adaptiveSuppression", cfg.Context.AdaptiveSuppression)

	cfg.Prompt = r.str("prompt", "")

	return cfg
}

func resolveAPIKey(r *configReader, prefix, defaultEnv string, getenv func(string) string) string {
	if key := r.str(prefix+".apiKey", ""); key != "" {
		return key
	}
	if getenv == nil {
		return ""
	}
	return getenv(r.str(prefix+".apiKeyEnv", defaultEnv))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, 0), 1)
}

type configReader struct {
	raw map[string]any
}

func (r *configReader) lookup(key string) (any, bool) {
	if r.raw == nil {
		return nil, false
	}
	if v, ok := r.raw[key]; ok && v != nil {
		return v, true
	}

	var cur any = r.raw
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func (r *configReader) invalid(key string, v any, err error) {
	logging.Default().Debug("invalid config value, using default", "key", key, "value", v, "error", err)
}

func (r *configReader) str(key, def string) string {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		r.invalid(key, v, err)
		return def
	}
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}

func (r *configReader) integer(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		r.invalid(key, v, err)
		return def
	}
	return n
}

func (r *configReader) float(key string, def float64) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		r.invalid(key, v, err)
		return def
	}
	return f
}

func (r *configReader) boolean(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		r.invalid(key, v, err)
		return def
	}
	return b
}

func (r *configReader) millis(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		r.invalid(key, v, err)
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// MergeConfig returns a copy of base overlaid with override. Nested maps are merged key by key.
func MergeConfig(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if om, ok := v.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = MergeConfig(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}
