package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/nugget/gatehouse/internal/config"
	"github.com/nugget/gatehouse/internal/pipeline"
)

// wireMessage is the {role, content} shape every Ollama chunk's
// "message" field carries.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// wireChunk is one NDJSON line of a streaming response: the standard
// Ollama fields plus gatehouse's augmented keys (status,
// prompt_with_templating, new_sequence_id, new_message_id, autoname),
// per spec.md §6's wire format table.
type wireChunk struct {
	Model                string       `json:"model,omitempty"`
	CreatedAt            string       `json:"created_at,omitempty"`
	Message              *wireMessage `json:"message,omitempty"`
	Done                 bool         `json:"done"`
	Status               string       `json:"status,omitempty"`
	PromptWithTemplating string       `json:"prompt_with_templating,omitempty"`
	NewMessageID         *int64       `json:"new_message_id,omitempty"`
	NewSequenceID        *int64       `json:"new_sequence_id,omitempty"`
	Autoname             string       `json:"autoname,omitempty"`
	Error                string       `json:"error,omitempty"`
}

// chunkToWire renders one pipeline.Chunk into its wire shape. Exactly
// one of PromptText/Status/MessageContent/Done is meaningful per chunk,
// matching the pipeline's own phase-by-phase emission order.
func chunkToWire(model string, c pipeline.Chunk) wireChunk {
	wc := wireChunk{
		Model:     model,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Done:      c.Done,
	}
	switch {
	case c.PromptText != "":
		wc.PromptWithTemplating = c.PromptText
	case c.Done:
		wc.NewMessageID = c.NewMessageID
		wc.NewSequenceID = c.NewSequenceID
		wc.Autoname = c.Autoname
	case c.Status != "":
		wc.Status = c.Status
		wc.Message = &wireMessage{Role: "assistant", Content: ""}
	default:
		wc.Message = &wireMessage{Role: "assistant", Content: c.MessageContent}
	}
	return wc
}

// runAndStream drives a pipeline invocation to completion, writing each
// chunk to w as NDJSON. The background run is given context.Background()
// rather than r.Context(), and stream.Next is always called with
// context.Background() too — per spec.md's client-disconnect policy,
// a client going away must never cancel in-flight inference or the
// finalisation commit. When the request context has been cancelled,
// this loop keeps draining the stream (so the producer goroutine isn't
// blocked forever on a full channel) but stops writing bytes to the
// dead connection.
func (s *Server) runAndStream(w http.ResponseWriter, r *http.Request, model string, statusCode int, status *pipeline.StatusHolder, run func(onChunk func(pipeline.Chunk) error) error) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(statusCode)
	nw := newNDJSONWriter(w)

	stream := pipeline.RunWithKeepalive(context.Background(), config.KeepAliveInterval, status, run)

	for {
		chunk, ok, err := stream.Next(context.Background())
		if err != nil {
			if r.Context().Err() == nil {
				nw.Write(wireChunk{Model: model, Done: true, Error: err.Error()})
			}
			s.Log.Error("stream aborted", "error", err)
			return
		}
		if !ok {
			return
		}
		if r.Context().Err() == nil {
			if err := nw.Write(chunkToWire(model, chunk)); err != nil {
				s.Log.Debug("client write failed, continuing to drain", "error", err)
			}
		}
		if chunk.Done {
			return
		}
	}
}
