package backend

import (
	"context"
	"testing"
)

func TestIndexThenQueryRoundTrip(t *testing.T) {
	b := New()
	ctx := context.Background()

	docID, err := b.Index(ctx, "hello world", "t")
	if err != nil {
		t.Fatalf("Index() error = %v", err)
	}

	hits, err := b.Query(ctx, "hello", 1)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if hits[0].DocID != docID {
		t.Errorf("hits[0].DocID = %q, want %q", hits[0].DocID, docID)
	}
	if hits[0].Score < 0.5 {
		t.Errorf("hits[0].Score = %v, want >= 0.5", hits[0].Score)
	}
}

func TestQueryNoMatch(t *testing.T) {
	b := New()
	b.Index(context.Background(), "completely unrelated", "t")

	hits, err := b.Query(context.Background(), "nowhere to be found", 5)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits, got %d", len(hits))
	}
}

func TestIndexRequiresText(t *testing.T) {
	b := New()
	if _, err := b.Index(context.Background(), "", "t"); err == nil {
		t.Error("expected an error when indexing empty text")
	}
}

func TestPlanReturnsAction(t *testing.T) {
	b := New()
	actions, err := b.Plan(context.Background(), "tidy desktop", map[string]any{"dry_run": true})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(actions) == 0 {
		t.Fatal("expected at least one action")
	}
}

func TestDocumentCount(t *testing.T) {
	b := New()
	if b.DocumentCount() != 0 {
		t.Fatal("expected zero documents initially")
	}
	b.Index(context.Background(), "one", "t")
	b.Index(context.Background(), "two", "t")
	if b.DocumentCount() != 2 {
		t.Errorf("DocumentCount() = %d, want 2", b.DocumentCount())
	}
}
