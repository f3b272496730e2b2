// Package upstream implements the OllamaUpstream provider: it speaks
// Ollama's own wire protocol directly over HTTP rather than through a
// client library, the same way the rest of this codebase's HTTP clients
// are built on httpkit instead of a generated SDK.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/gatehouse/internal/history"
	"github.com/nugget/gatehouse/internal/httpkit"
	"github.com/nugget/gatehouse/internal/provider"
	"github.com/nugget/gatehouse/internal/streamutil"
)

// connectTimeout bounds dialing the upstream daemon. Once a request is
// in flight there is no read deadline: a local model can legitimately
// take minutes to finish generating.
const connectTimeout = 2 * time.Second

// showTimeout widens the deadline for /api/show, which on a cold daemon
// can block noticeably longer than a plain /api/tags call.
const showTimeout = 10 * time.Second

// Ollama is the OllamaUpstream: a Provider backed by a real Ollama (or
// Ollama-compatible) daemon reachable at baseURL.
type Ollama struct {
	label      string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// New constructs an Ollama upstream provider for the given label/base URL.
func New(label, baseURL string, log *slog.Logger) *Ollama {
	if log == nil {
		log = slog.Default()
	}
	t := httpkit.NewTransport()
	t.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
	t.DisableKeepAlives = true // Connection: close — a new connection per request
	return &Ollama{
		label:   label,
		baseURL: baseURL,
		log:     log.With("provider", label),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0), // unbounded read; generation has no fixed upper bound
			httpkit.WithTransport(t),
			httpkit.WithLogger(log),
		),
	}
}

// NewFactory adapts New to the provider.Factory signature for registration.
func NewFactory(log *slog.Logger) provider.Factory {
	return func(label, baseURL string) (provider.Provider, error) {
		return New(label, baseURL, log), nil
	}
}

func (o *Ollama) Label() string { return o.label }

// BaseURL returns the upstream daemon's address, for callers (the HTTP
// passthrough routes) that need to reach endpoints this Provider
// interface doesn't expose directly.
func (o *Ollama) BaseURL() string { return o.baseURL }

// RawRequest forwards an arbitrary method/path/body to the upstream
// daemon unmodified and returns the raw response for the caller to
// relay — used by the transparent passthrough routes (/api/generate,
// /api/tags, /api/show, HEAD) that spec.md describes as audited but
// otherwise unprocessed. Connection: close matches every other outbound
// call this provider makes, for the same event-loop-reuse reason.
func (o *Ollama) RawRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("upstream: build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Connection", "close")
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s %s: %w", method, path, err)
	}
	return resp, nil
}

// Available pings /api/tags with a short-lived context.
func (o *Ollama) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Connection", "close")
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return false
	}
	httpkit.DrainAndClose(resp.Body, 1<<20)
	return resp.StatusCode == http.StatusOK
}

// MakeRecord identifies this upstream as a ProviderRecord. Ollama has no
// version-introspection endpoint distinct from its daemon root, so the
// identifiers carry only the base URL the provider was configured with.
func (o *Ollama) MakeRecord(ctx context.Context) (*history.ProviderRecord, error) {
	return &history.ProviderRecord{
		Label:       o.label,
		Kind:        "ollama",
		Identifiers: map[string]any{"base_url": o.baseURL},
	}, nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type showRequest struct {
	Name string `json:"name"`
}

type showResponse struct {
	Template   string         `json:"template"`
	Parameters string         `json:"parameters"`
	ModelInfo  map[string]any `json:"model_info"`
}

// ListModels calls /api/tags, then /api/show for each model, returning
// the reconciled FoundationModel set — template and params come from
// /api/show since /api/tags only names what's installed.
func (o *Ollama) ListModels(ctx context.Context) ([]*history.FoundationModel, error) {
	tagsReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build /api/tags request: %w", err)
	}
	resp, err := o.httpClient.Do(tagsReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: /api/tags: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream: /api/tags returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("upstream: decode /api/tags: %w", err)
	}

	models := make([]*history.FoundationModel, 0, len(tags.Models))
	for _, m := range tags.Models {
		fm, err := o.show(ctx, m.Name)
		if err != nil {
			o.log.Warn("show failed, listing model with no template", "model", m.Name, "error", err)
			fm = &history.FoundationModel{HumanID: m.Name, ProviderLabel: o.label}
		}
		models = append(models, fm)
	}
	return models, nil
}

func (o *Ollama) show(ctx context.Context, name string) (*history.FoundationModel, error) {
	ctx, cancel := context.WithTimeout(ctx, showTimeout)
	defer cancel()

	body, _ := json.Marshal(showRequest{Name: name})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("show returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var sr showResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode show response: %w", err)
	}

	params := map[string]any{"parameters": sr.Parameters}
	for k, v := range sr.ModelInfo {
		params[k] = v
	}
	return &history.FoundationModel{
		HumanID:       name,
		Template:      sr.Template,
		ModelParams:   params,
		ProviderLabel: o.label,
	}, nil
}

// wireMessage is a single chat turn on the wire.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatWireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatWireChunk struct {
	Model           string      `json:"model"`
	CreatedAt       string      `json:"created_at"`
	Message         wireMessage `json:"message"`
	Done            bool        `json:"done"`
	EvalCount       int         `json:"eval_count"`
	PromptEvalCount int         `json:"prompt_eval_count"`
}

// DoChatNolog performs a non-streaming chat call, consolidating the
// whole response server-side before returning — used for internal
// helper calls (retrieval summarization, autoname) that never stream to
// an end user and shouldn't appear in the audit trail as a user turn.
func (o *Ollama) DoChatNolog(ctx context.Context, model string, messages []provider.Message) (*provider.ChatResult, error) {
	return o.doChat(ctx, model, messages, nil)
}

// DoChat performs a streaming chat call, delivering each chunk to onChunk.
func (o *Ollama) DoChat(ctx context.Context, model string, messages []provider.Message, onChunk func(provider.ChatChunk) error) (*provider.ChatResult, error) {
	return o.doChat(ctx, model, messages, onChunk)
}

func (o *Ollama) doChat(ctx context.Context, model string, messages []provider.Message, onChunk func(provider.ChatChunk) error) (*provider.ChatResult, error) {
	wireMsgs := make([]wireMessage, len(messages))
	for i, m := range messages {
		wireMsgs[i] = wireMessage{Role: m.Role, Content: m.Content}
	}

	stream := onChunk != nil
	reqBody, err := json.Marshal(chatWireRequest{Model: model, Messages: wireMsgs, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("upstream: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "close")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream: chat returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	src := streamutil.Stream[streamutil.OllamaChunk](&ndjsonChatStream{dec: json.NewDecoder(resp.Body)})

	var final *provider.ChatResult
	consolidated, err := streamutil.ConsolidateChunks(ctx, streamutil.Tap(src, func(c streamutil.OllamaChunk) {
		if onChunk == nil {
			return
		}
		chunk := provider.ChatChunk{Content: c.MessageContent, Done: c.DoneSet && c.Done}
		if chunk.Done {
			chunk.Final = &provider.ChatResult{Model: c.Model}
		}
		onChunk(chunk)
	}), func(msg string) { o.log.Warn(msg) })
	if err != nil {
		return nil, fmt.Errorf("upstream: consolidate chat stream: %w", err)
	}
	if consolidated == nil {
		return nil, fmt.Errorf("upstream: empty chat response")
	}

	final = &provider.ChatResult{
		Model:            consolidated.Model,
		Content:          consolidated.MessageContent,
		Done:             consolidated.Done,
		PromptTokens:     consolidated.PromptEvalCount,
		CompletionTokens: consolidated.EvalCount,
	}
	return final, nil
}

// ndjsonChatStream adapts a JSON decoder reading newline-delimited
// /api/chat chunks to a streamutil.Stream.
type ndjsonChatStream struct {
	dec *json.Decoder
}

func (n *ndjsonChatStream) Next(ctx context.Context) (streamutil.OllamaChunk, bool, error) {
	var zero streamutil.OllamaChunk
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	var wc chatWireChunk
	if err := n.dec.Decode(&wc); err != nil {
		if err == io.EOF {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("decode chat chunk: %w", err)
	}
	return streamutil.OllamaChunk{
		Model:           wc.Model,
		CreatedAt:       wc.CreatedAt,
		HasMessage:      wc.Message.Content != "" || wc.Message.Role != "",
		MessageRole:     wc.Message.Role,
		MessageContent:  wc.Message.Content,
		Done:            wc.Done,
		DoneSet:         true,
		EvalCount:       wc.EvalCount,
		PromptEvalCount: wc.PromptEvalCount,
	}, true, nil
}

// generateWireRequest is the /api/generate body ChatToGenerateAdapter's
// rendered prompt gets wrapped in: raw=true means the upstream applies
// no template of its own — the prompt bytes are sent exactly as built.
type generateWireRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Raw    bool   `json:"raw"`
	Stream bool   `json:"stream"`
}

type generateWireChunk struct {
	Model           string `json:"model"`
	CreatedAt       string `json:"created_at"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	EvalCount       int    `json:"eval_count"`
	PromptEvalCount int    `json:"prompt_eval_count"`
}

// Generate performs the raw-prompt /api/generate call that backs
// ChatToGenerateAdapter: the templated prompt is sent as-is, and the
// upstream's "response" fragments are streamed back to onChunk.
func (o *Ollama) Generate(ctx context.Context, model, prompt string, onChunk func(provider.GenerateChunk) error) (*provider.ChatResult, error) {
	stream := onChunk != nil
	reqBody, err := json.Marshal(generateWireRequest{Model: model, Prompt: prompt, Raw: true, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("upstream: build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "close")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: generate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream: generate returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	src := streamutil.Stream[streamutil.OllamaChunk](&ndjsonGenerateStream{dec: json.NewDecoder(resp.Body)})

	consolidated, err := streamutil.ConsolidateChunks(ctx, streamutil.Tap(src, func(c streamutil.OllamaChunk) {
		if onChunk == nil {
			return
		}
		chunk := provider.GenerateChunk{Content: c.Response, Done: c.DoneSet && c.Done}
		if chunk.Done {
			chunk.Final = &provider.ChatResult{Model: c.Model}
		}
		onChunk(chunk)
	}), func(msg string) { o.log.Warn(msg) })
	if err != nil {
		return nil, fmt.Errorf("upstream: consolidate generate stream: %w", err)
	}
	if consolidated == nil {
		return nil, fmt.Errorf("upstream: empty generate response")
	}

	return &provider.ChatResult{
		Model:            consolidated.Model,
		Content:          consolidated.Response,
		Done:             consolidated.Done,
		PromptTokens:     consolidated.PromptEvalCount,
		CompletionTokens: consolidated.EvalCount,
	}, nil
}

// ndjsonGenerateStream adapts a JSON decoder reading newline-delimited
// /api/generate chunks to a streamutil.Stream.
type ndjsonGenerateStream struct {
	dec *json.Decoder
}

func (n *ndjsonGenerateStream) Next(ctx context.Context) (streamutil.OllamaChunk, bool, error) {
	var zero streamutil.OllamaChunk
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	var wc generateWireChunk
	if err := n.dec.Decode(&wc); err != nil {
		if err == io.EOF {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("decode generate chunk: %w", err)
	}
	return streamutil.OllamaChunk{
		Model:           wc.Model,
		CreatedAt:       wc.CreatedAt,
		Response:        wc.Response,
		Done:            wc.Done,
		DoneSet:         true,
		EvalCount:       wc.EvalCount,
		PromptEvalCount: wc.PromptEvalCount,
	}, true, nil
}

var _ provider.Provider = (*Ollama)(nil)
