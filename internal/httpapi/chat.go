package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nugget/gatehouse/internal/adapter"
	"github.com/nugget/gatehouse/internal/history"
	"github.com/nugget/gatehouse/internal/pipeline"
	"github.com/nugget/gatehouse/internal/provider"
	"github.com/nugget/gatehouse/internal/retrieval"
)

// chatWireMessage is one message in an inbound Ollama /api/chat request.
type chatWireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the inbound Ollama /api/chat request body. RAG
// selection rides along as an options field, since Ollama's wire
// protocol has no dedicated slot for it and "options" is already a
// free-form bag clients pass through untouched.
type chatRequest struct {
	Model    string            `json:"model"`
	Messages []chatWireMessage `json:"messages"`
	Options  map[string]any    `json:"options,omitempty"`
}

func (r chatRequest) retrievalPolicy(forceRAG bool, defaultPolicy string) string {
	if r.Options != nil {
		if p, ok := r.Options["retrieval_policy"].(string); ok && p != "" {
			return p
		}
	}
	if forceRAG {
		return retrieval.PolicySimple
	}
	return defaultPolicy
}

// handleChat implements POST /ollama-proxy/api/chat: the transparent
// capture-from-third-party flow. Every message in the request is
// persisted into (or matched against) a ChatSequence chain, then the
// same ContinuationPipeline used by the gateway's own
// /sequences/{id}/continue drives the upstream call.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeErrorJSON(w, http.StatusBadRequest, "model and messages are required")
		return
	}

	p, ok := s.defaultProvider()
	if !ok {
		writeErrorJSON(w, http.StatusInternalServerError, ErrUpstreamUnavailable.Error())
		return
	}

	leafID, err := s.captureChatMessages(req.Messages)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, "capture chat history: "+err.Error())
		return
	}

	fm, err := s.History.GetOrCreateFoundationModel(req.Model, p.Label(), "", nil)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if fm.Template == "" {
		writeErrorJSON(w, http.StatusInternalServerError, ErrModelTemplateMissing.Error())
		return
	}

	messages := make([]adapter.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = adapter.Message{Role: m.Role, Content: m.Content}
	}
	systemMessage, messages := adapter.ResolveSystemMessage("", messages)

	policy := req.retrievalPolicy(s.Cfg.Retrieval.ForceOllamaRAG, s.Cfg.Retrieval.DefaultPolicy)
	orchestrator := retrieval.New(policy, s.DocumentSource, retrieval.HelperFromProvider(p, req.Model))

	autonameProvider, autonameModel := s.autonameTarget()

	status := pipeline.NewStatusHolder("preparing")
	deps := pipeline.Deps{History: s.History, Log: s.Log}
	pipelineReq := pipeline.Request{
		ParentSequenceID: leafID,
		Provider:         p,
		ProviderLabel:    p.Label(),
		Model:            req.Model,
		ModelTemplate:    fm.Template,
		SystemMessage:    systemMessage,
		Messages:         messages,
		Retrieval:        orchestrator,
		AutonameProvider: autonameProvider,
		AutonameModel:    autonameModel,
	}

	s.runAndStream(w, r, req.Model, http.StatusOK, status, func(onChunk func(pipeline.Chunk) error) error {
		return deps.Run(r.Context(), pipelineReq, status, onChunk)
	})
}

// captureChatMessages implements capture_chat_messages: each inbound
// message is deduplicated via GetOrCreateMessage, and the resulting
// ChatSequence chain reuses any existing sequence whose parent chain
// matches exactly, rather than growing a duplicate branch every time a
// client resends its whole history. System-role messages are captured
// like any other turn — original_source's special-casing here is only
// about system-message priority at template time (see
// adapter.ResolveSystemMessage), not about how the sequence chain is
// built; see DESIGN.md's Open Question decision.
func (s *Server) captureChatMessages(messages []chatWireMessage) (int64, error) {
	var parent *int64
	for _, m := range messages {
		msg, err := s.History.GetOrCreateMessage(m.Role, m.Content)
		if err != nil {
			return 0, err
		}
		existing, err := s.History.FindSequenceByMessageAndParent(msg.ID, parent)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			parent = &existing.ID
			continue
		}
		newID, err := s.History.CreateSequence(&history.ChatSequence{
			CurrentMessageID: msg.ID,
			ParentSequenceID: parent,
		})
		if err != nil {
			return 0, err
		}
		parent = &newID
	}
	if parent == nil {
		return 0, errors.New("no messages to capture")
	}
	return *parent, nil
}

// autonameTarget resolves the provider/model the autoname sub-request
// should use, or (nil, "") if autoname is disabled (no model configured).
func (s *Server) autonameTarget() (provider.Provider, string) {
	if s.Cfg.Autoname.Model == "" {
		return nil, ""
	}
	label := s.Cfg.Autoname.ProviderLabel
	if label == "" && len(s.Cfg.Providers) > 0 {
		label = s.Cfg.Providers[0].Label
	}
	p, ok := s.Registry.ByLabel(label)
	if !ok {
		return nil, ""
	}
	return p, s.Cfg.Autoname.Model
}
