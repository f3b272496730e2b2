// Package provider implements the ProviderRegistry: an in-process
// lookup of inference backends by label or by the ProviderRecord a
// backend identified itself as.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/nugget/gatehouse/internal/history"
)

// Message is a single role/content turn, provider-neutral.
type Message struct {
	Role    string
	Content string
}

// ChatResult is a provider's response to a Chat call.
type ChatResult struct {
	Model            string
	Content          string
	Done             bool
	PromptTokens     int
	CompletionTokens int
}

// ChatChunk is one token or terminal event of a streaming chat response.
type ChatChunk struct {
	Content string
	Done    bool
	Final   *ChatResult
}

// GenerateChunk is one token or terminal event of a streaming raw-prompt
// /api/generate response — the shape ChatToGenerateAdapter's forwarded
// call actually produces, distinct from ChatChunk's message-shaped wire
// format.
type GenerateChunk struct {
	Content string
	Done    bool
	Final   *ChatResult
}

// Provider is the capability surface every inference backend implements.
type Provider interface {
	// Label is the backend's configured name, matching a ProviderRecord.
	Label() string
	// Available reports whether the backend is currently reachable.
	Available(ctx context.Context) bool
	// MakeRecord returns the ProviderRecord this provider identifies as,
	// querying the backend if it hasn't been cached yet.
	MakeRecord(ctx context.Context) (*history.ProviderRecord, error)
	// ListModels returns the model names currently available.
	ListModels(ctx context.Context) ([]*history.FoundationModel, error)
	// DoChatNolog performs a chat call without any audit/history side
	// effects — used by internal callers (retrieval summarization,
	// autoname) that don't want their own call logged as a user turn.
	DoChatNolog(ctx context.Context, model string, messages []Message) (*ChatResult, error)
	// DoChat performs a chat call and streams chunks to onChunk as they
	// arrive; the final chunk carries Final.
	DoChat(ctx context.Context, model string, messages []Message, onChunk func(ChatChunk) error) (*ChatResult, error)
	// Generate performs a raw-prompt call — the templated prompt
	// ChatToGenerateAdapter produces, forwarded to /api/generate with
	// raw=true — streaming chunks to onChunk as they arrive. This is the
	// call the ContinuationPipeline actually makes; DoChat/DoChatNolog
	// exist for callers (retrieval, autoname) that want ordinary chat
	// semantics without templating.
	Generate(ctx context.Context, model, prompt string, onChunk func(GenerateChunk) error) (*ChatResult, error)
}

// Factory constructs a Provider from its configured label/base URL.
type Factory func(label, baseURL string) (Provider, error)

// Registry is the ProviderRegistry: it holds constructed providers
// keyed both by label and, once discovered, by the backend's own
// ProviderRecord id.
type Registry struct {
	mu        sync.RWMutex
	byLabel   map[string]Provider
	byRecord  map[int64]Provider
	factories map[string]Factory
}

// NewRegistry returns an empty registry with the given kind→Factory map
// (e.g. "ollama" → upstream.NewFactory(log)).
func NewRegistry(factories map[string]Factory) *Registry {
	return &Registry{
		byLabel:   make(map[string]Provider),
		byRecord:  make(map[int64]Provider),
		factories: factories,
	}
}

// Register constructs and registers a provider of the given kind.
func (r *Registry) Register(label, kind, baseURL string) error {
	factory, ok := r.factories[kind]
	if !ok {
		return fmt.Errorf("provider: unknown kind %q for label %q", kind, label)
	}
	p, err := factory(label, baseURL)
	if err != nil {
		return fmt.Errorf("provider: construct %q: %w", label, err)
	}
	r.mu.Lock()
	r.byLabel[label] = p
	r.mu.Unlock()
	return nil
}

// ByLabel returns the provider registered under label, if any.
func (r *Registry) ByLabel(label string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byLabel[label]
	return p, ok
}

// BindRecord associates a discovered ProviderRecord id with a provider,
// so future lookups by record id (e.g. resuming a chat whose foundation
// model names a provider_label) resolve to the live Provider instance.
func (r *Registry) BindRecord(recordID int64, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRecord[recordID] = p
}

// ByRecord returns the provider bound to the given ProviderRecord id.
func (r *Registry) ByRecord(recordID int64) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byRecord[recordID]
	return p, ok
}

// All returns every registered provider, in no particular order.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.byLabel))
	for _, p := range r.byLabel {
		out = append(out, p)
	}
	return out
}

// Discover queries every registered provider for availability and model
// list, recording each as a ProviderRecord/FoundationModel pair in
// store. Errors contacting an individual provider are swallowed (logged
// by the caller via the returned per-provider error map) since one
// unreachable backend shouldn't prevent using the others.
func (r *Registry) Discover(ctx context.Context, store *history.Store) map[string]error {
	errs := make(map[string]error)
	for _, p := range r.All() {
		if !p.Available(ctx) {
			errs[p.Label()] = fmt.Errorf("provider %q unavailable", p.Label())
			continue
		}
		record, err := p.MakeRecord(ctx)
		if err != nil {
			errs[p.Label()] = err
			continue
		}
		stored, err := store.GetOrCreateProvider(record.Label, record.Kind, record.Identifiers)
		if err != nil {
			errs[p.Label()] = err
			continue
		}
		r.BindRecord(stored.ID, p)

		models, err := p.ListModels(ctx)
		if err != nil {
			errs[p.Label()] = err
			continue
		}
		for _, m := range models {
			if _, err := store.GetOrCreateFoundationModel(m.HumanID, stored.Label, m.Template, m.ModelParams); err != nil {
				errs[p.Label()] = err
			}
		}
	}
	return errs
}
