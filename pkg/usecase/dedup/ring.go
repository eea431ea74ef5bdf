// Package dedup remembers the most recently committed texts so that repeated commits can be
// skipped before any LLM call.
package dedup

import (
	"sync"

	"github.com/m-mizutani/hearken/pkg/utils/similarity"
)

const (
	DefaultCapacity  = 3
	DefaultThreshold = 0.85
)

// Ring is a bounded FIFO of normalized texts. It is safe for concurrent use.
type Ring struct {
	mu        sync.Mutex
	capacity  int
	threshold float64
	items     []string
}

type Option func(*Ring)

// WithThreshold sets the Jaccard similarity at which a text counts as a repeat.
func WithThreshold(v float64) Option {
	return func(r *Ring) {
		r.threshold = v
	}
}

func New(opts ...Option) *Ring {
	r := &Ring{
		capacity:  DefaultCapacity,
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Contains reports whether norm equals a remembered text or is similar enough to one.
func (r *Ring) Contains(norm string) bool {
	if norm == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range r.items {
		if similarity.Similar(item, norm, r.threshold) {
			return true
		}
	}
	return false
}

// Remember records norm, evicting the oldest entry when full.
func (r *Ring) Remember(norm string) {
	if norm == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, norm)
	if over := len(r.items) - r.capacity; over > 0 {
		r.items = append([]string(nil), r.items[over:]...)
	}
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
