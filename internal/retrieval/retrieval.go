// Package retrieval implements the RetrievalOrchestrator: the
// pluggable step between receiving a chat request and templating it,
// which may rewrite the user's prompt with retrieved context before
// forwarding to a model. Document retrieval itself (the vector-store
// lookup) is out of scope here; this package owns the policy dispatch
// and the query-summarization sub-call, and calls out to a
// DocumentSource for the actual search.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/gatehouse/internal/provider"
)

// Policy names, matching the config's retrieval.default_policy values.
const (
	PolicySkip        = "skip"
	PolicySimple      = "simple"
	PolicySummarizing = "summarizing"
)

// maxRetrievalQueryChars bounds how large a raw query can get before it
// is summarized down rather than sent verbatim to the document source.
const maxRetrievalQueryChars = 4000

// maxDocumentBudgetChars bounds how much retrieved document text is
// spliced into a prompt before per-document summarization kicks in.
const maxDocumentBudgetChars = 40000

// Document is a single retrieved passage.
type Document struct {
	Content string
}

// DocumentSource performs the actual similarity search. Implementations
// live outside this package (a vector store, a grep-based index, etc);
// this package only orchestrates when and how it's called.
type DocumentSource interface {
	Search(ctx context.Context, query string) ([]Document, error)
}

// GenerateHelper invokes a model for an internal (non-user-facing) call,
// such as query summarization — implemented by a provider.Provider's
// DoChatNolog in production.
type GenerateHelper func(ctx context.Context, reason, systemMessage, userPrompt string) (string, error)

// Orchestrator dispatches chat history through the configured
// retrieval policy, producing an optional prompt override.
type Orchestrator struct {
	policy string
	source DocumentSource
	helper GenerateHelper
}

// New constructs an Orchestrator. source may be nil, in which case
// PolicySimple/PolicySummarizing behave like PolicySkip (no document
// source is configured): Apply returns no override and no query
// summarization runs.
func New(policy string, source DocumentSource, helper GenerateHelper) *Orchestrator {
	return &Orchestrator{policy: policy, source: source, helper: helper}
}

// Message is one chat turn, provider-neutral (mirrors provider.Message;
// kept distinct so this package has no import-time dependency direction
// on internal/adapter's call site beyond what it needs).
type Message struct {
	Role    string
	Content string
}

// Apply runs the configured policy over messages and returns a prompt
// override to splice into the templated request, or "" if retrieval
// contributed nothing (including when the policy is skip).
func (o *Orchestrator) Apply(ctx context.Context, messages []Message) (string, error) {
	if o.policy == "" || o.policy == PolicySkip || len(messages) == 0 {
		return "", nil
	}
	if o.source == nil {
		return "", nil
	}

	latest := messages[len(messages)-1].Content

	query := latest
	if o.policy == PolicySummarizing {
		summarized, err := o.summarizeQuery(ctx, messages, latest)
		if err != nil {
			return "", fmt.Errorf("retrieval: summarize query: %w", err)
		}
		query = summarized
	}

	docs, err := o.source.Search(ctx, query)
	if err != nil {
		return "", fmt.Errorf("retrieval: search: %w", err)
	}
	if len(docs) == 0 {
		return "", nil
	}

	formatted, err := o.reduceDocuments(ctx, latest, docs)
	if err != nil {
		return "", fmt.Errorf("retrieval: reduce documents: %w", err)
	}

	return fmt.Sprintf(
		"Use context where you can, but don't rely on it overmuch:\n\n<context>\n%s\n</context>\n\nReasoning: Let's think step by step in order to produce the answer.\n\nQuestion: %s",
		formatted, latest,
	), nil
}

// summarizeQuery shortens an overlong query before it's used to search
// for documents, widening short queries with recent chat context first.
func (o *Orchestrator) summarizeQuery(ctx context.Context, messages []Message, latest string) (string, error) {
	retrievalStr := latest
	if len(retrievalStr) < 200 {
		var b strings.Builder
		for i := len(messages) - 1; i >= 0; i-- {
			if b.Len() > maxRetrievalQueryChars {
				break
			}
			b.WriteString(messages[i].Content)
			b.WriteString("\n\n")
		}
		retrievalStr = b.String()
	}

	if len(retrievalStr) <= maxRetrievalQueryChars {
		return retrievalStr, nil
	}
	if o.helper == nil {
		return retrievalStr[:maxRetrievalQueryChars], nil
	}

	summary, err := o.helper(ctx, "summarize prompt for retrieval", "Summarize the most important and unique terms in the following query", latest)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(summary) == "" || len(summary) < 140 {
		return latest, nil
	}
	return summary, nil
}

// reduceDocuments concatenates doc content, summarizing individual
// documents down (via the generate helper) when the combined length
// exceeds maxDocumentBudgetChars, then falling back to dropping and
// finally hard-truncating the last remaining document.
func (o *Orchestrator) reduceDocuments(ctx context.Context, query string, docs []Document) (string, error) {
	if totalLen(docs) < maxDocumentBudgetChars {
		return joinDocs(docs), nil
	}

	reduced := make([]Document, 0, len(docs))
	for _, d := range docs {
		content := d.Content
		if o.helper != nil {
			summarized, err := o.helper(ctx, "summarize document",
				"Provide a concise summary of the provided document. Call out any sections that seem closely related to the original query.",
				fmt.Sprintf("<query>\n%s\n</query>\n\n<document>\n%s\n</document>", query, d.Content))
			if err == nil && strings.TrimSpace(summarized) != "" && len(summarized) >= 140 {
				content = summarized
			}
		}
		reduced = append(reduced, Document{Content: content})
		if totalLen(reduced) > maxDocumentBudgetChars {
			break
		}
		if totalLen(docs) < maxDocumentBudgetChars {
			reduced = docs
			break
		}
	}

	if totalLen(reduced) < maxDocumentBudgetChars {
		return joinDocs(reduced), nil
	}

	trimmed := reduced
	for len(trimmed) > 0 && totalLen(trimmed) > maxDocumentBudgetChars {
		trimmed = trimmed[:len(trimmed)-1]
	}
	if len(trimmed) == 0 {
		content := reduced[0].Content
		if len(content) > maxDocumentBudgetChars {
			content = content[:maxDocumentBudgetChars]
		}
		return content, nil
	}
	return joinDocs(trimmed), nil
}

func totalLen(docs []Document) int {
	n := 0
	for _, d := range docs {
		n += len(d.Content)
	}
	return n
}

func joinDocs(docs []Document) string {
	parts := make([]string, len(docs))
	for i, d := range docs {
		parts[i] = d.Content
	}
	return strings.Join(parts, "\n\n")
}

// HelperFromProvider adapts a provider.Provider's DoChatNolog call to
// the GenerateHelper signature this package expects.
func HelperFromProvider(p provider.Provider, model string) GenerateHelper {
	return func(ctx context.Context, reason, systemMessage, userPrompt string) (string, error) {
		messages := []provider.Message{}
		if systemMessage != "" {
			messages = append(messages, provider.Message{Role: "system", Content: systemMessage})
		}
		messages = append(messages, provider.Message{Role: "user", Content: userPrompt})
		result, err := p.DoChatNolog(ctx, model, messages)
		if err != nil {
			return "", err
		}
		return result.Content, nil
	}
}
