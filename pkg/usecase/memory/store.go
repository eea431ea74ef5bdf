// Package memory keeps the bounded conversational context of one session: recent questions,
// recent utterances, elaboration of the current question and extracted facts.
package memory

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	MaxElaborationChars = 500
	MaxFacts            = 20

	elaborationSeparator = " | "
	listSeparator        = " | "
)

const (
	labelUserPrompt  = "用户提示词："
	labelQuestions   = "最近问题："
	labelElaboration = "当前问题补充："
	labelUtterances  = "最近陈述："
	labelFacts       = "关键事实："
)

// Store is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	windowSize    int
	maxUtterances int
	userPrompt    string

	metrics Metrics

	questions   []string
	utterances  []string
	elaboration string
	factKeys    []string
	facts       map[string]string
}

type Option func(*Store)

func WithUserPrompt(prompt string) Option {
	return func(s *Store) {
		s.userPrompt = strings.TrimSpace(prompt)
	}
}

// New creates a Store holding at most windowSize questions and maxUtterances utterances.
// Sizes below 1 are raised to 1.
func New(windowSize, maxUtterances int, opts ...Option) *Store {
	s := &Store{
		windowSize:    max(windowSize, 1),
		maxUtterances: max(maxUtterances, 1),
		facts:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddRecentQuestion records a new current question and resets its elaboration. Empty input and
// a repeat of the latest question are ignored.
func (s *Store) AddRecentQuestion(q string) {
	q = strings.TrimSpace(q)
	if q == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.questions); n > 0 && s.questions[n-1] == q {
		return
	}
	s.questions = pushBounded(s.questions, q, s.windowSize)
	s.elaboration = ""
	s.metrics.QuestionAdds++
}

func (s *Store) AddRecentUtterance(u string) {
	u = strings.TrimSpace(u)
	if u == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.utterances = pushBounded(s.utterances, u, s.maxUtterances)
	s.metrics.UtteranceAdds++
}

// AddElaboration appends text to the elaboration of the current question, keeping at most
// MaxElaborationChars characters.
func (s *Store) AddElaboration(text string) {
	text = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(text))
	if text == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.elaboration == "" {
		s.elaboration = text
	} else {
		s.elaboration += elaborationSeparator + text
	}
	s.elaboration = truncateRunes(s.elaboration, MaxElaborationChars)
}

// MergeFacts upserts facts. New keys are appended in sorted key order; updating an existing key
// keeps its original position. An empty value is stored as is. When the table grows beyond
// MaxFacts, the earliest inserted keys are evicted.
func (s *Store) MergeFacts(facts map[string]string) {
	if len(facts) == 0 {
		return
	}

	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		key := strings.TrimSpace(k)
		value := strings.TrimSpace(facts[k])
		if key == "" {
			continue
		}
		if _, ok := s.facts[key]; !ok {
			s.factKeys = append(s.factKeys, key)
		}
		s.facts[key] = value
	}

	for len(s.factKeys) > MaxFacts {
		delete(s.facts, s.factKeys[0])
		s.factKeys = s.factKeys[1:]
	}
}

// BuildContext renders the whole context as prompt text. It returns "" when the store holds
// nothing.
func (s *Store) BuildContext() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sections []string
	if s.userPrompt != "" {
		sections = append(sections, labelUserPrompt+s.userPrompt)
	}
	if len(s.questions) > 0 {
		sections = append(sections, labelQuestions+strings.Join(s.questions, listSeparator))
	}
	if s.elaboration != "" {
		sections = append(sections, labelElaboration+s.elaboration)
	}
	if len(s.utterances) > 0 {
		sections = append(sections, labelUtterances+strings.Join(s.utterances, listSeparator))
	}
	if facts := s.renderFacts(); facts != "" {
		sections = append(sections, labelFacts+facts)
	}
	return strings.Join(sections, "\n")
}

// RollingSummary renders only the elaboration and facts. It is the input to memory updates.
func (s *Store) RollingSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sections []string
	if s.elaboration != "" {
		sections = append(sections, labelElaboration+s.elaboration)
	}
	if facts := s.renderFacts(); facts != "" {
		sections = append(sections, labelFacts+facts)
	}
	return strings.Join(sections, "\n")
}

func (s *Store) renderFacts() string {
	pairs := make([]string, 0, len(s.factKeys))
	for _, k := range s.factKeys {
		pairs = append(pairs, k+"="+s.facts[k])
	}
	return strings.Join(pairs, listSeparator)
}

func (s *Store) RecentQuestions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.questions...)
}

func (s *Store) RecentUtterances() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.utterances...)
}

func (s *Store) Elaboration() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elaboration
}

// Fact is one entry of the fact table.
type Fact struct {
	Key   string
	Value string
}

// Facts returns the fact table in insertion order.
func (s *Store) Facts() []Fact {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Fact, 0, len(s.factKeys))
	for _, k := range s.factKeys {
		out = append(out, Fact{Key: k, Value: s.facts[k]})
	}
	return out
}

// Metrics is a snapshot of store activity and current sizes.
type Metrics struct {
	QuestionAdds     int
	UtteranceAdds    int
	Questions        int
	Utterances       int
	ElaborationChars int
	Facts            int
}

func (m Metrics) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("question_adds", m.QuestionAdds),
		slog.Int("utterance_adds", m.UtteranceAdds),
		slog.Int("questions", m.Questions),
		slog.Int("utterances", m.Utterances),
		slog.Int("elaboration_chars", m.ElaborationChars),
		slog.Int("facts", m.Facts),
	)
}

func (s *Store) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.metrics
	m.Questions = len(s.questions)
	m.Utterances = len(s.utterances)
	m.ElaborationChars = utf8.RuneCountInString(s.elaboration)
	m.Facts = len(s.factKeys)
	return m
}

func pushBounded(list []string, v string, capacity int) []string {
	list = append(list, v)
	if over := len(list) - capacity; over > 0 {
		list = append([]string(nil), list[over:]...)
	}
	return list
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
