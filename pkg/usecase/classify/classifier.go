// Package classify decides whether a committed utterance asks a new question, repeats or
// elaborates the current one, or holds no question at all, and whether it should be answered.
package classify

import (
	"context"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/usecase/dedup"
	"github.com/m-mizutani/hearken/pkg/usecase/memory"
	"github.com/m-mizutani/hearken/pkg/utils/logging"
	"github.com/m-mizutani/hearken/pkg/utils/scheduler"
	"github.com/m-mizutani/hearken/pkg/utils/similarity"
)

type Action int

const (
	// ActionSkip means the text was dropped before any LLM call.
	ActionSkip Action = iota
	// ActionIgnore means the text was classified but needs no answer.
	ActionIgnore
	// ActionAnswer means an answer should be generated from Decision.AnswerInput.
	ActionAnswer
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionIgnore:
		return "ignore"
	case ActionAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

type SkipReason string

const (
	SkipTooShort  SkipReason = "too_short"
	SkipDuplicate SkipReason = "duplicate"
)

type Decision struct {
	Action     Action
	SkipReason SkipReason

	// Normalized is the normalized input text, recorded for deduplication once answered.
	Normalized string
	// Question is the extracted question, replaced by its canonical form when the judge
	// supplied one.
	Question    string
	NoQuestion  bool
	NewQuestion bool
	Elaboration bool
	AnswerInput string
}

// Classifier holds the current question of one session. Classify calls are expected to be
// serialized by the caller; internal state is still guarded for readers.
type Classifier struct {
	llm   interfaces.LLM
	store *memory.Store
	ring  *dedup.Ring
	sched scheduler.Scheduler
	cfg   *model.AgentConfig

	mu           sync.Mutex
	lastQuestion string
	// generation changes whenever lastQuestion does. A memory update started for an older
	// generation is discarded.
	generation uint64
}

func New(llm interfaces.LLM, store *memory.Store, ring *dedup.Ring, sched scheduler.Scheduler, cfg *model.AgentConfig) *Classifier {
	if cfg == nil {
		cfg = model.DefaultAgentConfig()
	}
	return &Classifier{
		llm:   llm,
		store: store,
		ring:  ring,
		sched: sched,
		cfg:   cfg,
	}
}

func (c *Classifier) LastQuestion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastQuestion
}

// Remember records an answered text so that a repeat is skipped.
func (c *Classifier) Remember(normalized string) {
	c.ring.Remember(normalized)
}

// Classify runs the decision procedure for one committed text. Returned errors come from
// question extraction; judgment failures fall back to heuristics and are only logged.
func (c *Classifier) Classify(ctx context.Context, text string) (*Decision, error) {
	logger := logging.From(ctx)
	ctxCfg := c.cfg.Context

	norm := similarity.Normalize(text)
	d := &Decision{Action: ActionSkip, Normalized: norm}

	if similarity.Length(norm) < ctxCfg.MinCharsForDetection {
		d.SkipReason = SkipTooShort
		logger.Debug("skip short text", "text", text, "min_chars", ctxCfg.MinCharsForDetection)
		return d, nil
	}
	if ctxCfg.AdaptiveSuppression && c.ring.Contains(norm) {
		d.SkipReason = SkipDuplicate
		logger.Debug("skip duplicated text", "text", text)
		return d, nil
	}

	contextStr := c.store.BuildContext()
	lastQuestion := c.LastQuestion()

	question, err := c.llm.ExtractQuestion(ctx, text, contextStr)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to extract question", goerr.V("text", text))
	}
	question = strings.TrimSpace(question)
	d.NoQuestion = model.IsNoQuestion(question)
	if !d.NoQuestion {
		d.Question = question
	}
	normQ := similarity.Normalize(d.Question)

	if !d.NoQuestion && normQ != "" {
		judged := false
		if judge, ok := c.judge(); ok {
			result := c.judgeEquivalence(ctx, judge, lastQuestion, d.Question, contextStr)
			if result != nil {
				judged = true
				switch result.Class {
				case model.EquivalenceNone:
					d.NoQuestion = true
					d.Question = ""
				case model.EquivalenceNew:
					d.NewQuestion = true
					if canonical := strings.TrimSpace(result.Canonical); canonical != "" {
						d.Question = canonical
						normQ = similarity.Normalize(canonical)
					}
				case model.EquivalenceElaboration:
					d.Elaboration = true
					c.elaborate(ctx, text, contextStr)
				}
				logger.Debug("question equivalence judged", "class", result.Class, "reason", result.Reason)
			}
		}

		if !judged {
			d.NewQuestion = isNewQuestion(normQ, similarity.Normalize(lastQuestion), ctxCfg.SimilarityThreshold)
		}
	}

	if d.NoQuestion && lastQuestion != "" {
		if judge, ok := c.judge(); ok {
			result, err := judge.JudgeSegmentRelation(ctx, lastQuestion, text, contextStr)
			switch {
			case err != nil:
				logger.Warn("failed to judge segment relation", "error", err)
			case result != nil && result.Class == model.EquivalenceElaboration:
				d.Elaboration = true
				c.elaborate(ctx, text, contextStr)
			}
		}
	}

	if !d.NoQuestion && d.NewQuestion {
		c.setQuestion(d.Question, normQ)
		logger.Info("new question", "question", d.Question)
	}

	d.Action = ActionIgnore
	if ctxCfg.AnswerOnlyOnQuestion && (d.NoQuestion || !d.NewQuestion) {
		return d, nil
	}

	d.Action = ActionAnswer
	if !d.NoQuestion && d.Question != "" {
		d.AnswerInput = d.Question
	} else {
		d.AnswerInput = text
	}
	return d, nil
}

// setQuestion replaces the current question and resets its elaboration. Both happen under mu so
// that a memory update cannot land in between.
func (c *Classifier) setQuestion(question, normalized string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastQuestion = question
	c.generation++
	c.store.AddRecentQuestion(normalized)
}

// judge returns the question judge when LLM gating is enabled and the LLM supports it.
func (c *Classifier) judge() (interfaces.QuestionJudge, bool) {
	if !c.cfg.Similarity.Enabled {
		return nil, false
	}
	judge, ok := c.llm.(interfaces.QuestionJudge)
	return judge, ok
}

// judgeEquivalence returns nil when no judgment is available, which selects the heuristic.
func (c *Classifier) judgeEquivalence(ctx context.Context, judge interfaces.QuestionJudge, lastQuestion, candidate, contextStr string) *model.EquivalenceResult {
	if timeout := c.cfg.Similarity.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := judge.JudgeQuestionEquivalence(ctx, lastQuestion, candidate, contextStr)
	if err != nil {
		logging.From(ctx).Warn("failed to judge question equivalence, using heuristic", "error", err)
		return nil
	}
	if result == nil {
		return nil
	}
	result.Class = model.ParseEquivalenceClass(string(result.Class), model.EquivalenceSame)
	return result
}

// elaborate attaches text to the current question and refreshes the rolling memory in the
// background. The memory update never reports failure to the caller.
func (c *Classifier) elaborate(ctx context.Context, text, contextStr string) {
	c.store.AddElaboration(text)

	updater, ok := c.llm.(interfaces.MemoryUpdater)
	if !ok {
		return
	}
	c.mu.Lock()
	question, gen := c.lastQuestion, c.generation
	c.mu.Unlock()
	summary := c.store.RollingSummary()

	c.sched.Schedule(0, func() {
		c.updateMemory(ctx, updater, gen, question, summary, contextStr)
	})
}

func (c *Classifier) updateMemory(ctx context.Context, updater interfaces.MemoryUpdater, gen uint64, question, summary, contextStr string) {
	logger := logging.From(ctx)

	result, err := updater.UpdateContextMemory(ctx, question, summary, contextStr)
	if err != nil {
		logger.Debug("memory update failed", "error", err)
		return
	}
	if result == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		logger.Debug("drop memory update of previous question", "question", question)
		return
	}

	if s := strings.TrimSpace(result.Summary); s != "" {
		c.store.AddElaboration(s)
	}
	c.store.MergeFacts(result.Facts)
}

func isNewQuestion(normQ, normLast string, threshold float64) bool {
	if normQ == "" || normQ == normLast {
		return false
	}
	return similarity.Jaccard(normQ, normLast) < threshold
}
