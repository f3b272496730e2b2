package retrieval

import (
	"context"
	"strings"
	"testing"
)

type fakeSource struct {
	docs []Document
}

func (f *fakeSource) Search(ctx context.Context, query string) ([]Document, error) {
	return f.docs, nil
}

func TestApply_SkipPolicyReturnsNothing(t *testing.T) {
	o := New(PolicySkip, &fakeSource{docs: []Document{{Content: "doc"}}}, nil)
	got, err := o.Apply(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != "" {
		t.Errorf("expected no override for skip policy, got %q", got)
	}
}

func TestApply_NoSourceConfiguredReturnsNothing(t *testing.T) {
	o := New(PolicySimple, nil, nil)
	got, err := o.Apply(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != "" {
		t.Errorf("expected no override with nil source, got %q", got)
	}
}

func TestApply_SimplePolicySplicesContext(t *testing.T) {
	o := New(PolicySimple, &fakeSource{docs: []Document{{Content: "relevant fact"}}}, nil)
	got, err := o.Apply(context.Background(), []Message{{Role: "user", Content: "what is the fact?"}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !strings.Contains(got, "relevant fact") || !strings.Contains(got, "what is the fact?") {
		t.Errorf("expected spliced context and question, got %q", got)
	}
}

func TestApply_EmptyDocsReturnsNothing(t *testing.T) {
	o := New(PolicySimple, &fakeSource{docs: nil}, nil)
	got, err := o.Apply(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != "" {
		t.Errorf("expected no override for empty doc set, got %q", got)
	}
}

func TestSummarizeQuery_ShortQueryWidensWithHistory(t *testing.T) {
	o := New(PolicySummarizing, &fakeSource{}, nil)
	messages := []Message{
		{Role: "user", Content: "earlier context"},
		{Role: "assistant", Content: "a reply"},
		{Role: "user", Content: "short"},
	}
	got, err := o.summarizeQuery(context.Background(), messages, "short")
	if err != nil {
		t.Fatalf("summarizeQuery: %v", err)
	}
	if !strings.Contains(got, "earlier context") {
		t.Errorf("expected widened query to include chat history, got %q", got)
	}
}

func TestSummarizeQuery_LongQueryCallsHelper(t *testing.T) {
	var calledReason string
	helper := func(ctx context.Context, reason, systemMessage, userPrompt string) (string, error) {
		calledReason = reason
		return "a useful summary of the important terms here, long enough to pass the threshold check: " + strings.Repeat("terms ", 10), nil
	}
	o := New(PolicySummarizing, &fakeSource{}, helper)
	long := strings.Repeat("x", maxRetrievalQueryChars+1)
	got, err := o.summarizeQuery(context.Background(), []Message{{Role: "user", Content: long}}, long)
	if err != nil {
		t.Fatalf("summarizeQuery: %v", err)
	}
	if calledReason != "summarize prompt for retrieval" {
		t.Errorf("expected summarize reason, got %q", calledReason)
	}
	if got == long {
		t.Error("expected summarized query, got verbatim long query")
	}
}

func TestReduceDocuments_UnderBudgetJoinsVerbatim(t *testing.T) {
	o := New(PolicySimple, nil, nil)
	docs := []Document{{Content: "a"}, {Content: "b"}}
	got, err := o.reduceDocuments(context.Background(), "q", docs)
	if err != nil {
		t.Fatalf("reduceDocuments: %v", err)
	}
	if got != "a\n\nb" {
		t.Errorf("got %q", got)
	}
}

func TestReduceDocuments_OverBudgetTruncates(t *testing.T) {
	o := New(PolicySimple, nil, nil)
	big := strings.Repeat("y", maxDocumentBudgetChars+1000)
	got, err := o.reduceDocuments(context.Background(), "q", []Document{{Content: big}})
	if err != nil {
		t.Fatalf("reduceDocuments: %v", err)
	}
	if len(got) > maxDocumentBudgetChars {
		t.Errorf("expected truncated output, got length %d", len(got))
	}
}
