package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nugget/gatehouse/internal/history"
)

// messageView is the response shape for a single ChatMessage.
type messageView struct {
	ID        int64  `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func toMessageView(m *history.ChatMessage) messageView {
	return messageView{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00")}
}

// handleGetMessage implements GET /messages/{id}.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	msg, err := s.History.GetMessage(id)
	if err != nil {
		if errors.Is(err, history.ErrMessageNotFound) {
			writeErrorJSON(w, http.StatusNotFound, err.Error())
			return
		}
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toMessageView(msg))
}

// createMessageRequest is the body for POST /messages.
type createMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleCreateMessage implements POST /messages: idempotent insert —
// deduplicated by (role, content) like every other message path in this
// gateway. A pre-existing match returns 200; a genuinely new message
// returns 201.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Role == "" || req.Content == "" {
		writeErrorJSON(w, http.StatusBadRequest, "role and content are required")
		return
	}

	existing, err := s.History.LookupMessage(req.Role, req.Content)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing != nil {
		writeJSON(w, http.StatusOK, toMessageView(existing))
		return
	}

	msg, err := s.History.GetOrCreateMessage(req.Role, req.Content)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toMessageView(msg))
}
