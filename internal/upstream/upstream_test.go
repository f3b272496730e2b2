package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nugget/gatehouse/internal/provider"
)

func TestAvailable_RespondsOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o := New("test", srv.URL, nil)
	if !o.Available(context.Background()) {
		t.Error("expected Available to return true")
	}
}

func TestAvailable_Unreachable(t *testing.T) {
	o := New("test", "http://127.0.0.1:1", nil)
	if o.Available(context.Background()) {
		t.Error("expected Available to return false for unreachable host")
	}
}

func TestListModels_ReconcilesShow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			json.NewEncoder(w).Encode(tagsResponse{Models: []struct {
				Name string `json:"name"`
			}{{Name: "llama3"}}})
		case "/api/show":
			json.NewEncoder(w).Encode(showResponse{Template: "{{ .Prompt }}"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	o := New("test", srv.URL, nil)
	models, err := o.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 || models[0].HumanID != "llama3" || models[0].Template != "{{ .Prompt }}" {
		t.Errorf("got %+v", models)
	}
}

func TestDoChatNolog_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatWireRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("expected non-streaming request for DoChatNolog")
		}
		json.NewEncoder(w).Encode(chatWireChunk{
			Model:   req.Model,
			Message: wireMessage{Role: "assistant", Content: "hi there"},
			Done:    true,
		})
	}))
	defer srv.Close()

	o := New("test", srv.URL, nil)
	result, err := o.DoChatNolog(context.Background(), "llama3", []provider.Message{{Role: "user", Content: "hello"}})
	if err != nil {
		t.Fatalf("DoChatNolog: %v", err)
	}
	if result.Content != "hi there" || !result.Done {
		t.Errorf("got %+v", result)
	}
}

func TestDoChat_StreamsChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(chatWireChunk{Model: "llama3", Message: wireMessage{Role: "assistant", Content: "Hel"}})
		enc.Encode(chatWireChunk{Model: "llama3", Message: wireMessage{Content: "lo"}})
		enc.Encode(chatWireChunk{Model: "llama3", Done: true, EvalCount: 3})
	}))
	defer srv.Close()

	o := New("test", srv.URL, nil)
	var chunks []string
	result, err := o.DoChat(context.Background(), "llama3", []provider.Message{{Role: "user", Content: "hi"}}, func(c provider.ChatChunk) error {
		chunks = append(chunks, c.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("DoChat: %v", err)
	}
	if result.Content != "Hello" {
		t.Errorf("content = %q, want %q", result.Content, "Hello")
	}
	if len(chunks) != 3 {
		t.Errorf("expected 3 chunks observed, got %d: %v", len(chunks), chunks)
	}
}

func TestGenerate_PostsRawPromptAndStreamsChunks(t *testing.T) {
	var gotReq generateWireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		enc := json.NewEncoder(w)
		enc.Encode(generateWireChunk{Model: "llama3", Response: "Hel"})
		enc.Encode(generateWireChunk{Model: "llama3", Response: "lo"})
		enc.Encode(generateWireChunk{Model: "llama3", Done: true, EvalCount: 3})
	}))
	defer srv.Close()

	o := New("test", srv.URL, nil)
	var chunks []string
	result, err := o.Generate(context.Background(), "llama3", "User: hi\nAssistant:", func(c provider.GenerateChunk) error {
		chunks = append(chunks, c.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !gotReq.Raw {
		t.Error("expected raw=true on the forwarded request")
	}
	if gotReq.Prompt != "User: hi\nAssistant:" {
		t.Errorf("prompt = %q, want the rendered prompt forwarded unchanged", gotReq.Prompt)
	}
	if result.Content != "Hello" {
		t.Errorf("content = %q, want %q", result.Content, "Hello")
	}
	if len(chunks) != 3 {
		t.Errorf("expected 3 chunks observed, got %d: %v", len(chunks), chunks)
	}
}
