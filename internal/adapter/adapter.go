// Package adapter implements the ChatToGenerateAdapter: Ollama's
// /api/chat endpoint is served by templating the conversation into a
// single /api/generate prompt and forwarding that, then translating
// the generate-shaped response chunks back into chat-shaped ones. This
// lets one upstream code path (OllamaUpstream's generate call) serve
// both endpoints.
package adapter

import (
	"fmt"
	"strings"

	"github.com/nugget/gatehouse/internal/template"
)

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// Request carries everything ChatToPrompt needs to build a single
// generate-shaped prompt out of a chat conversation.
type Request struct {
	ModelTemplate         string
	SystemMessage         string
	Messages              []Message
	SeedAssistantResponse string
	// PromptOverride, if non-empty, is retrieval-augmented text that
	// replaces or appends to the conversation's final turn.
	PromptOverride string
}

// ChatToPrompt renders req into the single prompt string that gets sent
// to /api/generate with raw=true. System message priority: only the
// first templated message carries the system message (last system
// message wins is resolved by the caller collapsing req.SystemMessage
// before calling this — see DESIGN.md's Open Question decision).
func ChatToPrompt(req Request) (string, error) {
	if req.ModelTemplate == "" {
		return "", fmt.Errorf("adapter: no model template available")
	}

	var rendered []string
	usedSeed := false

	for i, msg := range req.Messages {
		isFirst := i == 0
		isLast := i == len(req.Messages)-1 && req.PromptOverride == ""

		values := template.Values{}
		if isFirst && req.SystemMessage != "" {
			values["System"] = req.SystemMessage
		}

		if msg.Role == "user" {
			values["Prompt"] = msg.Content
		}
		switch {
		case msg.Role == "assistant":
			values["Response"] = msg.Content
		case isLast:
			values["Response"] = req.SeedAssistantResponse
			usedSeed = true
		}

		breakEarly := isLast && usedSeed
		out, err := template.Render(req.ModelTemplate, values, breakEarly)
		if err != nil {
			return "", fmt.Errorf("adapter: render message %d: %w", i, err)
		}
		rendered = append(rendered, out)
	}

	if !usedSeed {
		out, err := template.Render(req.ModelTemplate, template.Values{"Response": req.SeedAssistantResponse}, true)
		if err != nil {
			return "", fmt.Errorf("adapter: render seed response: %w", err)
		}
		rendered = append(rendered, out)
	}

	if req.PromptOverride != "" {
		if len(req.Messages) == 0 {
			out, err := template.Render(req.ModelTemplate, template.Values{
				"System": req.SystemMessage,
				"Prompt": req.PromptOverride,
			}, true)
			if err != nil {
				return "", fmt.Errorf("adapter: render prompt override: %w", err)
			}
			rendered = []string{out}
		} else {
			out, err := template.Render(req.ModelTemplate, template.Values{"Prompt": req.PromptOverride}, true)
			if err != nil {
				return "", fmt.Errorf("adapter: render prompt override: %w", err)
			}
			rendered = append(rendered, out)
		}
	}

	return strings.Join(rendered, "\n"), nil
}

// ResolveSystemMessage implements "last system message wins": any
// system-role messages in the conversation are removed, the last one
// taking priority over an explicit requestedSystemMessage from the
// caller's own options; earlier system messages are discarded.
func ResolveSystemMessage(requestedSystemMessage string, messages []Message) (string, []Message) {
	var systemMessages []string
	filtered := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			systemMessages = append(systemMessages, m.Content)
			continue
		}
		filtered = append(filtered, m)
	}
	if len(systemMessages) > 0 {
		return systemMessages[len(systemMessages)-1], filtered
	}
	return requestedSystemMessage, filtered
}

// GenerateChunk is a /api/generate-shaped streaming chunk.
type GenerateChunk struct {
	Response string
	Done     bool
}

// ChatChunk is the /api/chat-shaped equivalent the client expects back.
type ChatChunk struct {
	MessageRole    string
	MessageContent string
	Done           bool
}

// GenerateToChat translates a single /api/generate response chunk into
// the /api/chat shape, per the wire contract: "response" becomes
// "message": {"role": "assistant", "content": ...}.
func GenerateToChat(c GenerateChunk) ChatChunk {
	return ChatChunk{MessageRole: "assistant", MessageContent: c.Response, Done: c.Done}
}
