package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/nugget/gatehouse/internal/adapter"
	"github.com/nugget/gatehouse/internal/history"
	"github.com/nugget/gatehouse/internal/pipeline"
	"github.com/nugget/gatehouse/internal/retrieval"
)

// continuationOptions is the common body shape /continue and /extend
// accept beyond their own required fields: an optional model override
// (otherwise the nearest ancestor's model is reused) and a retrieval
// policy override riding along in options, same as /api/chat.
type continuationOptions struct {
	Model   string         `json:"model,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

func (c continuationOptions) retrievalPolicy(forceRAG bool, defaultPolicy string) string {
	if c.Options != nil {
		if p, ok := c.Options["retrieval_policy"].(string); ok && p != "" {
			return p
		}
	}
	if forceRAG {
		return retrieval.PolicySimple
	}
	return defaultPolicy
}

// resolveContinuationModel picks the FoundationModel a continuation
// should run against: the caller's override if given, otherwise the
// nearest ancestor's model in the lineage.
func (s *Server) resolveContinuationModel(sequenceID int64, override string) (*history.FoundationModel, error) {
	if override != "" {
		p, ok := s.defaultProvider()
		if !ok {
			return nil, ErrUpstreamUnavailable
		}
		return s.History.GetOrCreateFoundationModel(override, p.Label(), "", nil)
	}
	fm, err := s.History.SelectContinuationModel(sequenceID)
	if err != nil {
		return nil, err
	}
	if fm == nil {
		return nil, ErrModelNotFound
	}
	return fm, nil
}

// runContinuation drives the ContinuationPipeline for sequenceID with
// the given model, streaming the HTTP 218 "augmented stream" response
// shared by /continue and /extend.
func (s *Server) runContinuation(w http.ResponseWriter, r *http.Request, sequenceID int64, opts continuationOptions) {
	fm, err := s.resolveContinuationModel(sequenceID, opts.Model)
	if err != nil {
		writeContinuationError(w, err)
		return
	}
	if fm.Template == "" {
		writeErrorJSON(w, http.StatusUnprocessableEntity, ErrModelTemplateMissing.Error())
		return
	}

	p, ok := s.Registry.ByLabel(fm.ProviderLabel)
	if !ok {
		writeErrorJSON(w, http.StatusUnprocessableEntity, ErrProviderNotFound.Error())
		return
	}

	chatMessages, err := s.History.FetchMessagesForSequence(sequenceID, true)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}

	messages := make([]adapter.Message, len(chatMessages))
	for i, m := range chatMessages {
		messages[i] = adapter.Message{Role: m.Role, Content: m.Content}
	}
	systemMessage, messages := adapter.ResolveSystemMessage("", messages)

	policy := opts.retrievalPolicy(s.Cfg.Retrieval.ForceOllamaRAG, s.Cfg.Retrieval.DefaultPolicy)
	orchestrator := retrieval.New(policy, s.DocumentSource, retrieval.HelperFromProvider(p, fm.HumanID))

	autonameProvider, autonameModel := s.autonameTarget()

	status := pipeline.NewStatusHolder("preparing")
	deps := pipeline.Deps{History: s.History, Log: s.Log}
	pipelineReq := pipeline.Request{
		ParentSequenceID: sequenceID,
		Provider:         p,
		ProviderLabel:    p.Label(),
		Model:            fm.HumanID,
		ModelTemplate:    fm.Template,
		SystemMessage:    systemMessage,
		Messages:         messages,
		Retrieval:        orchestrator,
		AutonameProvider: autonameProvider,
		AutonameModel:    autonameModel,
	}

	const statusAugmentedStream = 218
	s.runAndStream(w, r, fm.HumanID, statusAugmentedStream, status, func(onChunk func(pipeline.Chunk) error) error {
		return deps.Run(r.Context(), pipelineReq, status, onChunk)
	})
}

func writeContinuationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrModelNotFound):
		writeErrorJSON(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrUpstreamUnavailable):
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, history.ErrSequenceNotFound):
		writeErrorJSON(w, http.StatusNotFound, err.Error())
	default:
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
	}
}

// handleContinue implements POST /sequences/{id}/continue: re-run
// inference from an existing sequence's point in the lineage, without
// adding a new user turn first.
func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	var opts continuationOptions
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeErrorJSON(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if _, err := s.History.GetSequence(id); err != nil {
		writeContinuationError(w, err)
		return
	}
	s.runContinuation(w, r, id, opts)
}

// extendRequest is the body for POST /sequences/{id}/extend: a new
// user turn to append before continuing.
type extendRequest struct {
	continuationOptions
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// handleExtend implements POST /sequences/{id}/extend: append a new
// message as a child of the given sequence, then continue from there.
func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Content == "" {
		writeErrorJSON(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}

	if _, err := s.History.GetSequence(id); err != nil {
		writeContinuationError(w, err)
		return
	}

	msg, err := s.History.GetOrCreateMessage(req.Role, req.Content)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	existing, err := s.History.FindSequenceByMessageAndParent(msg.ID, &id)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	newID := int64(0)
	if existing != nil {
		newID = existing.ID
	} else {
		newID, err = s.History.CreateSequence(&history.ChatSequence{CurrentMessageID: msg.ID, ParentSequenceID: &id})
		if err != nil {
			writeErrorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	s.runContinuation(w, r, newID, req.continuationOptions)
}

// autonameRequest is the body for POST /sequences/{id}/autoname.
type autonameRequest struct {
	WaitForResponse bool `json:"wait_for_response"`
}

// handleAutoname implements POST /sequences/{id}/autoname: triggers
// (or re-triggers) auto-generation of a sequence's display title.
// wait_for_response=true streams the single resulting chunk back the
// same way /continue does; otherwise the work runs in the background
// and the call returns immediately.
func (s *Server) handleAutoname(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	var req autonameRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorJSON(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	autonameProvider, autonameModel := s.autonameTarget()
	if autonameProvider == nil {
		writeErrorJSON(w, http.StatusUnprocessableEntity, "autoname is not configured")
		return
	}

	chatMessages, err := s.History.FetchMessagesForSequence(id, false)
	if err != nil {
		writeContinuationError(w, err)
		return
	}
	messages := make([]adapter.Message, len(chatMessages))
	for i, m := range chatMessages {
		messages[i] = adapter.Message{Role: m.Role, Content: m.Content}
	}

	run := func(ctx context.Context) (string, error) {
		name, err := pipeline.Autoname(ctx, autonameProvider, autonameModel, messages)
		if err != nil {
			return "", err
		}
		if name != "" {
			if err := s.History.SetSequenceHumanDesc(id, name); err != nil {
				return "", err
			}
		}
		return name, nil
	}

	if !req.WaitForResponse {
		go func() {
			if _, err := run(context.WithoutCancel(r.Context())); err != nil {
				s.Log.Warn("background autoname failed", "sequence_id", id, "error", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"sequence_id": id, "status": "autoname scheduled"})
		return
	}

	name, err := run(r.Context())
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	nw := newNDJSONWriter(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	nw.Write(wireChunk{Done: true, Autoname: name})
}

// handleRecentSequenceIDs implements GET /sequences/.recent/as-ids.
func (s *Server) handleRecentSequenceIDs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	ids, err := s.History.RecentSequenceIDs(limit)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// sequenceMessageView is one entry of a full sequence walk's message list.
type sequenceMessageView struct {
	ID      int64  `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// sequenceView is the full response shape for GET /sequences/{id}: the
// sequence's own fields plus its complete root-to-leaf message walk,
// a supplemented feature beyond the streaming endpoints.
type sequenceView struct {
	ID          int64                 `json:"id"`
	HumanDesc   string                `json:"human_desc"`
	UserPinned  bool                  `json:"user_pinned"`
	ParentID    *int64                `json:"parent_sequence_id,omitempty"`
	GeneratedAt string                `json:"generated_at"`
	Messages    []sequenceMessageView `json:"messages"`
}

// handleGetSequence implements GET /sequences/{id}: the sequence's
// metadata plus its full root-to-leaf message walk.
func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	seq, err := s.History.GetSequence(id)
	if err != nil {
		writeContinuationError(w, err)
		return
	}
	msgs, err := s.History.FetchMessagesForSequence(id, true)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	view := sequenceView{
		ID:          seq.ID,
		HumanDesc:   seq.HumanDesc,
		UserPinned:  seq.UserPinned,
		ParentID:    seq.ParentSequenceID,
		GeneratedAt: seq.GeneratedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
	view.Messages = make([]sequenceMessageView, len(msgs))
	for i, m := range msgs {
		view.Messages[i] = sequenceMessageView{ID: m.ID, Role: m.Role, Content: m.Content}
	}
	writeJSON(w, http.StatusOK, view)
}

// createSequenceRequest is the body for POST /sequences.
type createSequenceRequest struct {
	CurrentMessageID int64  `json:"current_message_id"`
	ParentSequenceID *int64 `json:"parent_sequence_id,omitempty"`
}

// handleCreateSequence implements POST /sequences: idempotent create —
// a request naming a (message, parent) pair that already exists returns
// the existing row with 200 rather than growing a duplicate branch.
func (s *Server) handleCreateSequence(w http.ResponseWriter, r *http.Request) {
	var req createSequenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.CurrentMessageID == 0 {
		writeErrorJSON(w, http.StatusBadRequest, "current_message_id is required")
		return
	}
	if _, err := s.History.GetMessage(req.CurrentMessageID); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "current_message_id: "+err.Error())
		return
	}

	existing, err := s.History.FindSequenceByMessageAndParent(req.CurrentMessageID, req.ParentSequenceID)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing != nil {
		writeJSON(w, http.StatusOK, map[string]int64{"id": existing.ID})
		return
	}

	id, err := s.History.CreateSequence(&history.ChatSequence{
		CurrentMessageID: req.CurrentMessageID,
		ParentSequenceID: req.ParentSequenceID,
	})
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}
