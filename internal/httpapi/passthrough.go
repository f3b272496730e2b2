package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/nugget/gatehouse/internal/upstream"
)

// parseTagNames extracts model names from a raw /api/tags response body.
func parseTagNames(body []byte) ([]string, error) {
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, err
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// parseShowRequestName extracts the model name from a raw /api/show
// request body.
func parseShowRequestName(body []byte) (string, error) {
	var req struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", err
	}
	if req.Name != "" {
		return req.Name, nil
	}
	return req.Model, nil
}

// parseShowResponse extracts the template and parameters from a raw
// /api/show response body.
func parseShowResponse(body []byte) (string, map[string]any, error) {
	var resp struct {
		Template   string         `json:"template"`
		Parameters string         `json:"parameters"`
		ModelInfo  map[string]any `json:"model_info"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", nil, err
	}
	params := map[string]any{"parameters": resp.Parameters}
	for k, v := range resp.ModelInfo {
		params[k] = v
	}
	return resp.Template, params, nil
}

// ollamaUpstream narrows the default provider down to the concrete type
// that exposes RawRequest/BaseURL — the passthrough routes address "the"
// Ollama daemon directly rather than going through the Provider
// interface's chat-shaped surface.
func (s *Server) ollamaUpstream() (*upstream.Ollama, bool) {
	p, ok := s.defaultProvider()
	if !ok {
		return nil, false
	}
	o, ok := p.(*upstream.Ollama)
	return o, ok
}

// relay copies resp's status, headers, and body to w unmodified.
func relay(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleGenerate implements POST /ollama-proxy/api/generate: an audited,
// otherwise-unprocessed passthrough to the upstream daemon. Unlike
// /api/chat, /api/generate carries no chat history for this gateway to
// capture, so there is nothing to template or retrieve against.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	o, ok := s.ollamaUpstream()
	if !ok {
		writeErrorJSON(w, http.StatusInternalServerError, ErrUpstreamUnavailable.Error())
		return
	}
	resp, err := o.RawRequest(r.Context(), http.MethodPost, "/api/generate", r.Body)
	if err != nil {
		writeErrorJSON(w, http.StatusBadGateway, ErrUpstreamUnavailable.Error())
		return
	}
	relay(w, resp)
}

// handleTags implements GET /ollama-proxy/api/tags: relays the raw
// response to the client, and separately reconciles each named model
// into the HistoryStore as a FoundationModel stub (template reconciled
// later by /api/show, per spec.md §6).
func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	o, ok := s.ollamaUpstream()
	if !ok {
		writeErrorJSON(w, http.StatusInternalServerError, ErrUpstreamUnavailable.Error())
		return
	}
	resp, err := o.RawRequest(r.Context(), http.MethodGet, "/api/tags", nil)
	if err != nil {
		writeErrorJSON(w, http.StatusBadGateway, ErrUpstreamUnavailable.Error())
		return
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		writeErrorJSON(w, http.StatusBadGateway, "read upstream response: "+err.Error())
		return
	}

	if resp.StatusCode == http.StatusOK {
		names, perr := parseTagNames(body)
		if perr != nil {
			s.Log.Warn("tags reconciliation: parse failed", "error", perr)
		} else {
			for _, name := range names {
				if _, err := s.History.GetOrCreateFoundationModel(name, o.Label(), "", nil); err != nil {
					s.Log.Warn("tags reconciliation: store failed", "model", name, "error", err)
				}
			}
		}
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

// handleShow implements POST /ollama-proxy/api/show: relays the raw
// response, and upgrades the named FoundationModel's template/params
// from it — the reconciliation step handleTags defers.
func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	o, ok := s.ollamaUpstream()
	if !ok {
		writeErrorJSON(w, http.StatusInternalServerError, ErrUpstreamUnavailable.Error())
		return
	}

	body, err := captureBody(r)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}

	resp, err := o.RawRequest(r.Context(), http.MethodPost, "/api/show", r.Body)
	if err != nil {
		writeErrorJSON(w, http.StatusBadGateway, ErrUpstreamUnavailable.Error())
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		writeErrorJSON(w, http.StatusBadGateway, "read upstream response: "+err.Error())
		return
	}

	if resp.StatusCode == http.StatusOK {
		name, terr := parseShowRequestName(body)
		template, params, serr := parseShowResponse(respBody)
		switch {
		case terr != nil:
			s.Log.Warn("show reconciliation: parse request failed", "error", terr)
		case serr != nil:
			s.Log.Warn("show reconciliation: parse response failed", "error", serr)
		default:
			if _, err := s.History.GetOrCreateFoundationModel(name, o.Label(), template, params); err != nil {
				s.Log.Warn("show reconciliation: store failed", "model", name, "error", err)
			}
		}
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

// handlePassthroughHead relays a HEAD request for any /ollama-proxy path
// unaudited, matching spec.md §6's passthrough row.
func (s *Server) handlePassthroughHead(w http.ResponseWriter, r *http.Request) {
	o, ok := s.ollamaUpstream()
	if !ok {
		writeErrorJSON(w, http.StatusInternalServerError, ErrUpstreamUnavailable.Error())
		return
	}
	path := r.URL.Path[len("/ollama-proxy"):]
	resp, err := o.RawRequest(r.Context(), http.MethodHead, path, nil)
	if err != nil {
		writeErrorJSON(w, http.StatusBadGateway, ErrUpstreamUnavailable.Error())
		return
	}
	relay(w, resp)
}
