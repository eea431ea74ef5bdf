package model

import "strings"

// EquivalenceClass is the relation between a new utterance and the current question.
type EquivalenceClass string

const (
	EquivalenceSame        EquivalenceClass = "SAME"
	EquivalenceElaboration EquivalenceClass = "ELABORATION"
	EquivalenceNew         EquivalenceClass = "NEW"
	EquivalenceNone        EquivalenceClass = "NONE"
)

// ParseEquivalenceClass maps a raw class label to a known class. Unknown labels yield
// fallback.
func ParseEquivalenceClass(s string, fallback EquivalenceClass) EquivalenceClass {
	switch c := EquivalenceClass(strings.ToUpper(strings.TrimSpace(s))); c {
	case EquivalenceSame, EquivalenceElaboration, EquivalenceNew, EquivalenceNone:
		return c
	default:
		return fallback
	}
}

type EquivalenceResult struct {
	Class     EquivalenceClass `json:"class"`
	Canonical string           `json:"canonical,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// MemoryUpdate is the digest returned for the current question: a short summary and
// extracted key facts.
type MemoryUpdate struct {
	Summary string            `json:"summary"`
	Facts   map[string]string `json:"facts"`
}

// NoQuestion is returned by question extraction when the text holds no question.
const NoQuestion = "无问题"

// IsNoQuestion reports whether an extraction result means "no question".
func IsNoQuestion(q string) bool {
	q = strings.TrimSpace(q)
	return q == "" || q == NoQuestion
}
