package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/nugget/gatehouse/internal/config"
	"github.com/nugget/gatehouse/internal/history"
	"github.com/nugget/gatehouse/internal/provider"
)

type fakeProvider struct {
	label     string
	reply     string
	reachable bool
}

func (f *fakeProvider) Label() string                      { return f.label }
func (f *fakeProvider) Available(ctx context.Context) bool { return f.reachable }
func (f *fakeProvider) MakeRecord(ctx context.Context) (*history.ProviderRecord, error) {
	return &history.ProviderRecord{Label: f.label, Kind: "fake"}, nil
}
func (f *fakeProvider) ListModels(ctx context.Context) ([]*history.FoundationModel, error) {
	return nil, nil
}
func (f *fakeProvider) DoChatNolog(ctx context.Context, model string, messages []provider.Message) (*provider.ChatResult, error) {
	return &provider.ChatResult{Model: model, Content: "Tab title: Test Sequence", Done: true}, nil
}
func (f *fakeProvider) DoChat(ctx context.Context, model string, messages []provider.Message, onChunk func(provider.ChatChunk) error) (*provider.ChatResult, error) {
	if err := onChunk(provider.ChatChunk{Content: f.reply}); err != nil {
		return nil, err
	}
	final := &provider.ChatResult{Model: model, Content: f.reply, Done: true, PromptTokens: 3, CompletionTokens: 1}
	onChunk(provider.ChatChunk{Done: true, Final: final})
	return final, nil
}
func (f *fakeProvider) Generate(ctx context.Context, model, prompt string, onChunk func(provider.GenerateChunk) error) (*provider.ChatResult, error) {
	if err := onChunk(provider.GenerateChunk{Content: f.reply}); err != nil {
		return nil, err
	}
	final := &provider.ChatResult{Model: model, Content: f.reply, Done: true, PromptTokens: 3, CompletionTokens: 1}
	onChunk(provider.GenerateChunk{Done: true, Final: final})
	return final, nil
}

var _ provider.Provider = (*fakeProvider)(nil)

func newTestServer(t *testing.T) (*Server, *fakeProvider) {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"), slog.Default())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fp := &fakeProvider{label: "fake", reply: "hello back", reachable: true}

	reg := provider.NewRegistry(map[string]provider.Factory{
		"fake": func(label, baseURL string) (provider.Provider, error) { return fp, nil },
	})
	if err := reg.Register("fake", "fake", "http://fake.invalid"); err != nil {
		t.Fatalf("register: %v", err)
	}

	cfg := config.Default()
	cfg.Providers = []config.ProviderEntry{{Label: "fake", Kind: "fake", BaseURL: "http://fake.invalid"}}

	s := New(cfg, store, nil, reg, slog.Default())
	return s, fp
}

func readNDJSON(t *testing.T, body *bytes.Buffer) []wireChunk {
	t.Helper()
	var chunks []wireChunk
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var c wireChunk
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			t.Fatalf("decode ndjson line %q: %v", line, err)
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func TestHandleChat_StreamsPromptAndFinalChunk(t *testing.T) {
	s, _ := newTestServer(t)
	if _, err := s.History.GetOrCreateFoundationModel("llama3", "fake", "{{ if .Prompt }}User: {{ .Prompt }}\n{{ end }}Assistant: {{ .Response }}", nil); err != nil {
		t.Fatalf("seed foundation model: %v", err)
	}

	body := `{"model":"llama3","messages":[{"role":"user","content":"hi there"}]}`
	req := httptest.NewRequest(http.MethodPost, "/ollama-proxy/api/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	chunks := readNDJSON(t, rec.Body)
	if len(chunks) == 0 || chunks[0].PromptWithTemplating == "" {
		t.Fatalf("expected first chunk to carry templated prompt, got %+v", chunks)
	}
	final := chunks[len(chunks)-1]
	if !final.Done || final.NewSequenceID == nil || final.NewMessageID == nil {
		t.Fatalf("expected terminal chunk with ids, got %+v", final)
	}
}

func TestHandleChat_MissingTemplateReturnsError(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"model":"untemplated","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/ollama-proxy/api/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusInternalServerError, rec.Body.String())
	}
}

func TestHandleCreateMessage_IsIdempotent(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"role":"user","content":"hello"}`
	req1 := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(body))
	rec1 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusCreated {
		t.Fatalf("first create status = %d, body = %s", rec1.Code, rec1.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(body))
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("second create status = %d, want 200 (existing), body = %s", rec2.Code, rec2.Body.String())
	}

	var v1, v2 messageView
	json.Unmarshal(rec1.Body.Bytes(), &v1)
	json.Unmarshal(rec2.Body.Bytes(), &v2)
	if v1.ID != v2.ID {
		t.Errorf("expected same message id, got %d and %d", v1.ID, v2.ID)
	}
}

func TestHandleGetMessage_NotFound(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/messages/999", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleCreateSequence_IsIdempotent(t *testing.T) {
	s, _ := newTestServer(t)
	msg, err := s.History.GetOrCreateMessage("user", "root message")
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}

	body, _ := json.Marshal(map[string]any{"current_message_id": msg.ID})
	req1 := httptest.NewRequest(http.MethodPost, "/sequences", bytes.NewReader(body))
	rec1 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusCreated {
		t.Fatalf("first create status = %d, body = %s", rec1.Code, rec1.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodPost, "/sequences", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("second create status = %d, want 200, body = %s", rec2.Code, rec2.Body.String())
	}
}

func TestHandleGetSequence_WalksFullHistory(t *testing.T) {
	s, _ := newTestServer(t)
	root, err := s.History.GetOrCreateMessage("user", "first turn")
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
	rootID, err := s.History.CreateSequence(&history.ChatSequence{CurrentMessageID: root.ID, UserPinned: true})
	if err != nil {
		t.Fatalf("create sequence: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sequences/"+itoa(rootID), nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var view sequenceView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Messages) != 1 || view.Messages[0].Content != "first turn" {
		t.Fatalf("expected one message in walk, got %+v", view.Messages)
	}
}

func TestHandleRecentSequenceIDs(t *testing.T) {
	s, _ := newTestServer(t)
	msg, _ := s.History.GetOrCreateMessage("user", "hi")
	id, err := s.History.CreateSequence(&history.ChatSequence{CurrentMessageID: msg.ID})
	if err != nil {
		t.Fatalf("create sequence: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sequences/.recent/as-ids", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var ids []int64
	if err := json.Unmarshal(rec.Body.Bytes(), &ids); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, got := range ids {
		if got == id {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %d among recent ids %v", id, ids)
	}
}

func TestHandleListProviders_ReportsReachability(t *testing.T) {
	s, fp := newTestServer(t)
	fp.reachable = false

	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var views []providerView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].Reachable {
		t.Fatalf("expected one unreachable provider, got %+v", views)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
