package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/gatehouse/internal/adapter"
	"github.com/nugget/gatehouse/internal/history"
	"github.com/nugget/gatehouse/internal/provider"
)

func TestNormalizeAutoname(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Tab title: Weekend Plans\n", "Tab title: Weekend Plans"},
		{`"Quoted Title"`, "Quoted Title"},
		{`Dangling quote"`, "Dangling quote"},
		{"\n\n  indented line  \nsecond line", "indented line"},
		{"", ""},
	}
	for _, c := range cases {
		got := normalizeAutoname(c.in)
		if got != c.want {
			t.Errorf("normalizeAutoname(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeAutoname_TruncatesToMaxRunes(t *testing.T) {
	long := ""
	for i := 0; i < 400; i++ {
		long += "x"
	}
	got := normalizeAutoname(long)
	if len([]rune(got)) != maxAutonameRunes {
		t.Errorf("expected truncation to %d runes, got %d", maxAutonameRunes, len([]rune(got)))
	}
}

func TestStatusHolder_SetGet(t *testing.T) {
	s := NewStatusHolder("idle")
	if s.Get() != "idle" {
		t.Fatalf("got %q", s.Get())
	}
	s.Set("busy")
	if s.Get() != "busy" {
		t.Fatalf("got %q", s.Get())
	}
}

func TestStatusContext_RestoresPriorStatus(t *testing.T) {
	s := NewStatusHolder("idle")
	StatusContext(s, "working", func() {
		if s.Get() != "working" {
			t.Errorf("expected status set during context, got %q", s.Get())
		}
	})
	if s.Get() != "idle" {
		t.Errorf("expected status restored after context, got %q", s.Get())
	}
}

type fakeChatProvider struct {
	label string
}

func (f *fakeChatProvider) Label() string                                 { return f.label }
func (f *fakeChatProvider) Available(ctx context.Context) bool            { return true }
func (f *fakeChatProvider) MakeRecord(ctx context.Context) (*history.ProviderRecord, error) {
	return &history.ProviderRecord{Label: f.label, Kind: "fake"}, nil
}
func (f *fakeChatProvider) ListModels(ctx context.Context) ([]*history.FoundationModel, error) {
	return nil, nil
}
func (f *fakeChatProvider) DoChatNolog(ctx context.Context, model string, messages []provider.Message) (*provider.ChatResult, error) {
	return &provider.ChatResult{Model: model, Content: "Tab title: Generated Title", Done: true}, nil
}
func (f *fakeChatProvider) DoChat(ctx context.Context, model string, messages []provider.Message, onChunk func(provider.ChatChunk) error) (*provider.ChatResult, error) {
	for _, tok := range []string{"Hel", "lo"} {
		if err := onChunk(provider.ChatChunk{Content: tok}); err != nil {
			return nil, err
		}
	}
	final := &provider.ChatResult{Model: model, Content: "Hello", Done: true, PromptTokens: 5, CompletionTokens: 2}
	onChunk(provider.ChatChunk{Done: true, Final: final})
	return final, nil
}
func (f *fakeChatProvider) Generate(ctx context.Context, model, prompt string, onChunk func(provider.GenerateChunk) error) (*provider.ChatResult, error) {
	for _, tok := range []string{"Hel", "lo"} {
		if err := onChunk(provider.GenerateChunk{Content: tok}); err != nil {
			return nil, err
		}
	}
	final := &provider.ChatResult{Model: model, Content: "Hello", Done: true, PromptTokens: 5, CompletionTokens: 2}
	onChunk(provider.GenerateChunk{Done: true, Final: final})
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

func TestRun_EmitsPromptTokensAndFinalChunk(t *testing.T) {
	store := newTestStore(t)

	root, err := store.GetOrCreateMessage("user", "hello there")
	if err != nil {
		t.Fatalf("GetOrCreateMessage: %v", err)
	}
	rootSeq := &history.ChatSequence{CurrentMessageID: root.ID, UserPinned: true}
	rootID, err := store.CreateSequence(rootSeq)
	if err != nil {
		t.Fatalf("CreateSequence: %v", err)
	}

	deps := Deps{History: store, Log: slog.Default()}
	fp := &fakeChatProvider{label: "fake"}

	req := Request{
		ParentSequenceID: rootID,
		Provider:         fp,
		ProviderLabel:    "fake",
		Model:            "llama3",
		ModelTemplate:    "{{ if .Prompt }}User: {{ .Prompt }}\n{{ end }}Assistant: {{ .Response }}",
		Messages:         []adapter.Message{{Role: "user", Content: "hello there"}},
		AutonameProvider: fp,
		AutonameModel:    "llama3",
	}

	var chunks []Chunk
	err = deps.Run(context.Background(), req, nil, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(chunks) == 0 || chunks[0].PromptText == "" {
		t.Fatalf("expected first chunk to carry prompt text, got %+v", chunks)
	}

	final := chunks[len(chunks)-1]
	if !final.Done || final.NewSequenceID == nil || final.NewMessageID == nil {
		t.Fatalf("expected terminal chunk with sequence/message ids, got %+v", final)
	}
	if final.Autoname != "Generated Title" {
		t.Errorf("autoname = %q, want %q", final.Autoname, "Generated Title")
	}

	newSeq, err := store.GetSequence(*final.NewSequenceID)
	if err != nil {
		t.Fatalf("GetSequence: %v", err)
	}
	if !newSeq.UserPinned {
		t.Error("expected new sequence to be pinned")
	}

	oldSeq, err := store.GetSequence(rootID)
	if err != nil {
		t.Fatalf("GetSequence(root): %v", err)
	}
	if oldSeq.UserPinned {
		t.Error("expected root sequence to be unpinned after extension")
	}
	if oldSeq.HumanDesc != "Generated Title" {
		t.Errorf("expected autoname stored on parent, got %q", oldSeq.HumanDesc)
	}
}

func TestRunWithKeepalive_FiresSyntheticStatusChunk(t *testing.T) {
	status := NewStatusHolder("waiting")
	stream := RunWithKeepalive(context.Background(), 5*time.Millisecond, status, func(onChunk func(Chunk) error) error {
		time.Sleep(50 * time.Millisecond)
		return onChunk(Chunk{MessageContent: "done", Done: true})
	})

	first, ok, err := stream.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if first.Status != "waiting" {
		t.Errorf("expected synthetic keep-alive chunk with status, got %+v", first)
	}
}
