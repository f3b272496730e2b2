package provider

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/nugget/gatehouse/internal/history"
)

type fakeProvider struct {
	label     string
	available bool
	record    *history.ProviderRecord
	models    []*history.FoundationModel
}

func (f *fakeProvider) Label() string { return f.label }
func (f *fakeProvider) Available(ctx context.Context) bool { return f.available }
func (f *fakeProvider) MakeRecord(ctx context.Context) (*history.ProviderRecord, error) {
	return f.record, nil
}
func (f *fakeProvider) ListModels(ctx context.Context) ([]*history.FoundationModel, error) {
	return f.models, nil
}
func (f *fakeProvider) DoChatNolog(ctx context.Context, model string, messages []Message) (*ChatResult, error) {
	return &ChatResult{Model: model, Content: "fake", Done: true}, nil
}
func (f *fakeProvider) DoChat(ctx context.Context, model string, messages []Message, onChunk func(ChatChunk) error) (*ChatResult, error) {
	final := &ChatResult{Model: model, Content: "fake", Done: true}
	if err := onChunk(ChatChunk{Content: "fake", Done: true, Final: final}); err != nil {
		return nil, err
	}
	return final, nil
}
func (f *fakeProvider) Generate(ctx context.Context, model, prompt string, onChunk func(GenerateChunk) error) (*ChatResult, error) {
	final := &ChatResult{Model: model, Content: "fake", Done: true}
	if err := onChunk(GenerateChunk{Content: "fake", Done: true, Final: final}); err != nil {
		return nil, err
	}
	return final, nil
}

func newTestStore(t *testing.T) *history.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := history.Open(path, slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegistry_RegisterAndByLabel(t *testing.T) {
	r := NewRegistry(map[string]Factory{
		"fake": func(label, baseURL string) (Provider, error) {
			return &fakeProvider{label: label, available: true}, nil
		},
	})
	if err := r.Register("primary", "fake", "http://localhost:1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	p, ok := r.ByLabel("primary")
	if !ok || p.Label() != "primary" {
		t.Fatalf("ByLabel failed: %+v %v", p, ok)
	}
}

func TestRegistry_RegisterUnknownKind(t *testing.T) {
	r := NewRegistry(map[string]Factory{})
	if err := r.Register("primary", "bogus", "http://x"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestRegistry_Discover_BindsRecordAndModels(t *testing.T) {
	store := newTestStore(t)
	fp := &fakeProvider{
		label:     "primary",
		available: true,
		record:    &history.ProviderRecord{Label: "primary", Kind: "fake", Identifiers: map[string]any{"version": "1"}},
		models:    []*history.FoundationModel{{HumanID: "llama3", Template: "{{ .Prompt }}"}},
	}
	r := NewRegistry(map[string]Factory{
		"fake": func(label, baseURL string) (Provider, error) { return fp, nil },
	})
	if err := r.Register("primary", "fake", "http://localhost:1"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	errs := r.Discover(context.Background(), store)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	record, err := store.GetOrCreateProvider("primary", "fake", nil)
	if err != nil {
		t.Fatalf("GetOrCreateProvider: %v", err)
	}
	bound, ok := r.ByRecord(record.ID)
	if !ok || bound.Label() != "primary" {
		t.Fatalf("ByRecord failed: %+v %v", bound, ok)
	}

	model, err := store.GetOrCreateFoundationModel("llama3", "primary", "", nil)
	if err != nil {
		t.Fatalf("GetOrCreateFoundationModel: %v", err)
	}
	if model.Template != "{{ .Prompt }}" {
		t.Errorf("expected discovered template to persist, got %q", model.Template)
	}
}

func TestRegistry_Discover_UnavailableProviderReportsError(t *testing.T) {
	store := newTestStore(t)
	r := NewRegistry(map[string]Factory{
		"fake": func(label, baseURL string) (Provider, error) {
			return &fakeProvider{label: label, available: false}, nil
		},
	})
	if err := r.Register("primary", "fake", "http://localhost:1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	errs := r.Discover(context.Background(), store)
	if errs["primary"] == nil {
		t.Fatal("expected an error for unavailable provider")
	}
}
