package streamutil

import (
	"context"
	"fmt"
)

// OllamaChunk is the subset of an Ollama streaming response chunk that
// ConsolidateChunks understands. Fields absent from a given chunk are
// left at their zero value and not merged.
type OllamaChunk struct {
	Model            string
	CreatedAt        string
	Response         string // /api/generate
	MessageRole      string // /api/chat
	MessageContent   string // /api/chat
	HasMessage       bool
	Done             bool
	DoneSet          bool
	EvalCount        int
	PromptEvalCount  int
}

// Consolidated is the single JSON-shaped object produced by folding a
// stream of OllamaChunks together.
type Consolidated struct {
	Model             string
	CreatedAt         string
	TerminalCreatedAt string
	Response          string
	MessageRole       string
	MessageContent    string
	HasMessage        bool
	Done              bool
	EvalCount         int
	PromptEvalCount   int
}

// ConsolidateChunks folds every chunk of s into a single Consolidated
// value. The merge rules mirror the original per-key consolidation
// logic exactly:
//   - a repeated "created_at" is renamed to "terminal_created_at"
//   - a repeated "done=true" is a warning, not an error (warnFn is
//     called, consolidation continues)
//   - a "model" mismatch between chunks is a hard error
//   - "response" (generate) and message content (chat) concatenate
//   - any other repeated scalar overwrites with the latest value
func ConsolidateChunks(ctx context.Context, s Stream[OllamaChunk], warnFn func(string)) (*Consolidated, error) {
	if warnFn == nil {
		warnFn = func(string) {}
	}

	var out *Consolidated
	for {
		chunk, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}

		if out == nil {
			out = &Consolidated{
				Model:           chunk.Model,
				CreatedAt:       chunk.CreatedAt,
				Response:        chunk.Response,
				MessageRole:     chunk.MessageRole,
				MessageContent:  chunk.MessageContent,
				HasMessage:      chunk.HasMessage,
				Done:            chunk.DoneSet && chunk.Done,
				EvalCount:       chunk.EvalCount,
				PromptEvalCount: chunk.PromptEvalCount,
			}
			continue
		}

		if chunk.Model != "" && chunk.Model != out.Model {
			return out, fmt.Errorf("streamutil: model changed mid-stream from %q to %q", out.Model, chunk.Model)
		}

		if chunk.CreatedAt != "" {
			out.TerminalCreatedAt = chunk.CreatedAt
		}

		if chunk.DoneSet {
			if out.Done {
				warnFn(fmt.Sprintf("received additional JSON after streaming indicated done=%v", chunk.Done))
			}
			out.Done = chunk.Done
		}

		if chunk.Response != "" {
			out.Response += chunk.Response
		}

		if chunk.HasMessage {
			if out.MessageRole != "" && chunk.MessageRole != "" && chunk.MessageRole != out.MessageRole {
				warnFn(fmt.Sprintf("received content for unexpected role %q, continuing anyway", chunk.MessageRole))
			}
			if chunk.MessageRole != "" {
				out.MessageRole = chunk.MessageRole
			}
			out.MessageContent += chunk.MessageContent
			out.HasMessage = true
		}

		if chunk.EvalCount != 0 {
			out.EvalCount = chunk.EvalCount
		}
		if chunk.PromptEvalCount != 0 {
			out.PromptEvalCount = chunk.PromptEvalCount
		}
	}

	return out, nil
}
