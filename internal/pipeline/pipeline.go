// Package pipeline implements the ContinuationPipeline: the top-level
// orchestrator that turns a chat history plus a model into a streamed
// response and a committed ChatSequence. It composes history, template,
// adapter, retrieval, and streamutil into the PREPARE/RETRIEVE/
// TEMPLATE&FORWARD/STREAM/FINALISE state machine.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/gatehouse/internal/adapter"
	"github.com/nugget/gatehouse/internal/history"
	"github.com/nugget/gatehouse/internal/provider"
	"github.com/nugget/gatehouse/internal/retrieval"
)

// placeholderError is recorded on an InferenceEvent the instant it's
// created, so a crash mid-stream leaves visible evidence rather than a
// silently-incomplete row.
const placeholderError = "[haven't received/finalized response info yet]"

// Chunk is one unit of the client-facing response stream.
type Chunk struct {
	// PromptText, when set, is the synthetic first chunk exposing the
	// fully-templated prompt that was actually sent upstream.
	PromptText string
	// MessageContent is a token of assistant output.
	MessageContent string
	// Status, when set, carries a StatusHolder snapshot — used by the
	// keep-alive wrapper's synthetic chunks.
	Status string
	Done   bool
	// Terminal fields, only set on the final chunk.
	NewMessageID  *int64
	NewSequenceID *int64
	Autoname      string
}

// Deps are the shared dependencies the pipeline composes.
type Deps struct {
	History *history.Store
	Log     *slog.Logger
}

// Request describes one continuation: the parent sequence to extend,
// the model/provider to forward to, and the full message history to
// template (including the new user turn as the final message).
type Request struct {
	ParentSequenceID int64
	Provider         provider.Provider
	ProviderLabel    string
	Model            string
	ModelTemplate    string
	SystemMessage    string
	Messages         []adapter.Message
	Retrieval        *retrieval.Orchestrator
	AutonameProvider provider.Provider // nil disables autoname
	AutonameModel    string
}

// Run executes the full state machine, invoking onChunk for every
// client-facing chunk in order. Run blocks until the upstream call
// completes or ctx is cancelled; per spec.md's client-disconnect
// policy, inference and finalisation continue even if onChunk's caller
// has stopped reading (callers therefore should not cancel ctx just
// because a downstream HTTP client disconnected).
func (d Deps) Run(ctx context.Context, req Request, status *StatusHolder, onChunk func(Chunk) error) error {
	if status == nil {
		status = NewStatusHolder("preparing")
	}

	// PREPARE
	fm, err := d.History.GetOrCreateFoundationModel(req.Model, req.ProviderLabel, req.ModelTemplate, nil)
	if err != nil {
		return fmt.Errorf("pipeline: resolve foundation model: %w", err)
	}
	jobID, err := d.History.CreateInferenceEvent(&history.InferenceEvent{
		Reason:            history.ReasonChatSequence,
		ModelID:           fm.ID,
		ResponseErrorCode: placeholderError,
	})
	if err != nil {
		return fmt.Errorf("pipeline: create inference event: %w", err)
	}

	// RETRIEVE
	promptOverride := ""
	if req.Retrieval != nil {
		status.Set("retrieving context")
		retrievalMessages := make([]retrieval.Message, len(req.Messages))
		for i, m := range req.Messages {
			retrievalMessages[i] = retrieval.Message{Role: m.Role, Content: m.Content}
		}
		promptOverride, err = req.Retrieval.Apply(ctx, retrievalMessages)
		if err != nil {
			d.failEvent(jobID, err)
			return fmt.Errorf("pipeline: retrieval: %w", err)
		}
	}

	// TEMPLATE & FORWARD
	status.Set("templating")
	prompt, err := adapter.ChatToPrompt(adapter.Request{
		ModelTemplate:  req.ModelTemplate,
		SystemMessage:  req.SystemMessage,
		Messages:       req.Messages,
		PromptOverride: promptOverride,
	})
	if err != nil {
		d.failEvent(jobID, err)
		return fmt.Errorf("pipeline: template: %w", err)
	}
	if err := d.History.SetPromptWithTemplate(jobID, prompt); err != nil {
		return fmt.Errorf("pipeline: store templated prompt: %w", err)
	}
	if err := onChunk(Chunk{PromptText: prompt}); err != nil {
		return err
	}

	status.Set(fmt.Sprintf("forwarding to %s", req.Model))

	// STREAM. hide_done: the upstream's own done=true is swallowed here
	// and never forwarded — the client-facing done=true chunk is the
	// FINALISE step's terminal chunk, carrying new_message_id/autoname.
	// The adapter rendered prompt (RAG-augmented, if retrieval ran) is
	// what actually goes upstream: ChatToGenerateAdapter's whole purpose
	// is to rewrite /api/chat into a single /api/generate call, per
	// spec.md §4.8/§4.9 step 3, and Generate is its forwarding target.
	tokenCount := 0
	result, err := req.Provider.Generate(ctx, req.Model, prompt, func(c provider.GenerateChunk) error {
		if c.Done {
			return nil
		}
		tokenCount++
		status.Set(fmt.Sprintf("%d tokens streamed", tokenCount))
		if d.Log != nil {
			d.Log.Debug("stream token", "content", c.Content)
		}
		chat := adapter.GenerateToChat(adapter.GenerateChunk{Response: c.Content, Done: c.Done})
		return onChunk(Chunk{MessageContent: chat.MessageContent})
	})
	if err != nil {
		d.failEvent(jobID, err)
		return fmt.Errorf("pipeline: upstream generate: %w", err)
	}

	// FINALISE
	now := time.Now().UTC()
	if err := d.History.CompleteInferenceEvent(jobID, result.PromptTokens, result.CompletionTokens, now, now); err != nil {
		return fmt.Errorf("pipeline: complete inference event: %w", err)
	}

	newSeq, err := d.History.FinalizeSequence(req.ParentSequenceID, jobID, "assistant", result.Content)
	if err != nil {
		return fmt.Errorf("pipeline: finalize sequence: %w", err)
	}

	var autoname string
	parent, err := d.History.GetSequence(req.ParentSequenceID)
	if err == nil && parent.HumanDesc == "" && req.AutonameProvider != nil {
		status.Set("autonaming")
		if name, err := Autoname(ctx, req.AutonameProvider, req.AutonameModel, req.Messages); err == nil && name != "" {
			autoname = name
			d.History.SetSequenceHumanDesc(req.ParentSequenceID, name)
		}
	}

	return onChunk(Chunk{
		Done:          true,
		NewMessageID:  &newSeq.CurrentMessageID,
		NewSequenceID: &newSeq.ID,
		Autoname:      autoname,
	})
}

func (d Deps) failEvent(jobID int64, cause error) {
	if err := d.History.FailInferenceEvent(jobID, cause.Error(), time.Now().UTC()); err != nil && d.Log != nil {
		d.Log.Error("failed to record inference event failure", "job_id", jobID, "error", err)
	}
}
