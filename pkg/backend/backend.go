// Package backend provides the small query/index/plan/status façade
// the Gateway consumes. SPEC_FULL.md §4.7 keeps the real planner,
// embedding, and knowledge-store backends out of scope; this package
// is the minimal honest-echo implementation needed to drive the
// Gateway end to end and satisfy the round-trip law:
// index(text)=doc_id ⇒ query(text).hits[0].doc_id=doc_id.
package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Hit is one query result.
type Hit struct {
	DocID string  `json:"doc_id"`
	Score float64 `json:"score"`
	Text  string  `json:"text"`
}

// Action is one step of a plan.
type Action struct {
	Name            string         `json:"name"`
	Payload         map[string]any `json:"payload,omitempty"`
	Sensitive       bool           `json:"sensitive"`
	PreviewRequired bool           `json:"preview_required"`
}

type document struct {
	id     string
	text   string
	source string
}

// Backend is an in-memory, case-insensitive substring-match echo
// implementation of the façade.
type Backend struct {
	mu   sync.RWMutex
	docs []document
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{}
}

// Index stores text (tagged with source) and returns a freshly minted
// doc_id.
func (b *Backend) Index(_ context.Context, text, source string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("text is required")
	}
	if source == "" {
		source = "http"
	}
	id := uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs = append(b.docs, document{id: id, text: text, source: source})
	return id, nil
}

// Query returns up to k documents whose text contains q (case
// insensitive), most-recently-indexed first, with a score of 1.0 for
// an exact match and 0.5 for a substring match — enough to satisfy the
// testable round-trip property without pretending to rank relevance.
func (b *Backend) Query(_ context.Context, q string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 5
	}
	needle := strings.ToLower(strings.TrimSpace(q))

	b.mu.RLock()
	defer b.mu.RUnlock()

	var hits []Hit
	for i := len(b.docs) - 1; i >= 0 && len(hits) < k; i-- {
		d := b.docs[i]
		haystack := strings.ToLower(d.text)
		if needle == "" || !strings.Contains(haystack, needle) {
			continue
		}
		score := 0.5
		if haystack == needle {
			score = 1.0
		}
		hits = append(hits, Hit{DocID: d.id, Score: score, Text: d.text})
	}
	return hits, nil
}

// Plan returns a single descriptive no-op action naming goal, standing
// in for the out-of-scope planner backend.
func (b *Backend) Plan(_ context.Context, goal string, params map[string]any) ([]Action, error) {
	if goal == "" {
		return nil, fmt.Errorf("goal is required")
	}
	return []Action{{
		Name:            "describe",
		Payload:         map[string]any{"goal": goal, "params": params},
		Sensitive:       false,
		PreviewRequired: false,
	}}, nil
}

// DocumentCount returns the number of indexed documents.
func (b *Backend) DocumentCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.docs)
}
