package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBeginFinish_CommitsRow(t *testing.T) {
	s := newTestSink(t)
	ev := s.Begin("trace-1", "POST", "/ollama-proxy/api/chat", "127.0.0.1", 128)
	if err := s.Finish(context.Background(), ev, 200, 256, []byte(`{"model":"llama3"}`), []byte(`{"done":true}`)); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT count(*) FROM http_events WHERE trace_id = ?`, "trace-1").Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 http_events row, got %d", count)
	}
}

func TestScrubForAudit_RemovesContextVector(t *testing.T) {
	body := []byte(`{"response":"hi","context":[1,2,3,4,5]}`)
	got := scrubForAudit(body)
	if strings.Contains(got, "context") {
		t.Errorf("expected context field to be scrubbed, got %q", got)
	}
	if !strings.Contains(got, "hi") {
		t.Errorf("expected response field preserved, got %q", got)
	}
}

func TestScrubForAudit_SummarizesImages(t *testing.T) {
	body := []byte(`{"images":["aGVsbG8=","d29ybGQ="]}`)
	got := scrubForAudit(body)
	if strings.Contains(got, "aGVsbG8=") {
		t.Errorf("expected image payload omitted, got %q", got)
	}
	if !strings.Contains(got, "2 image") {
		t.Errorf("expected image count summary, got %q", got)
	}
}

func TestScrubForAudit_NonJSONBody(t *testing.T) {
	got := scrubForAudit([]byte("not json at all"))
	if !strings.Contains(got, "_unparsed_bytes") {
		t.Errorf("expected unparsed-bytes summary, got %q", got)
	}
}

func TestScrubForAudit_Empty(t *testing.T) {
	if got := scrubForAudit(nil); got != "" {
		t.Errorf("expected empty string for nil body, got %q", got)
	}
}
