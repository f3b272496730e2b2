// Package history implements the branching chat-history store: messages,
// sequences, foundation models, provider records, and inference events.
package history

import "time"

// RoleModelConfigDiff is the synthetic ChatMessage role used to splice a
// model-configuration diff into a fetched sequence's message list.
const RoleModelConfigDiff = "model config"

// Reason identifies why an InferenceEvent was created. The set is closed
// for new writes; rows written by an older or different version of this
// store deserialize to ReasonOther rather than failing.
type Reason string

const (
	ReasonChat                  Reason = "chat"
	ReasonChatSequence          Reason = "chat_sequence"
	ReasonPromptRAG             Reason = "prompt_rag"
	ReasonSummarizeForRetrieval Reason = "summarize_for_retrieval"
	ReasonSummarizeDocument     Reason = "summarize_document"
	ReasonAutoname              Reason = "autoname"
	ReasonOther                 Reason = "other"
)

// ParseReason converts a stored string to a Reason, falling back to
// ReasonOther for anything not in the closed set.
func ParseReason(s string) Reason {
	switch Reason(s) {
	case ReasonChat, ReasonChatSequence, ReasonPromptRAG, ReasonSummarizeForRetrieval, ReasonSummarizeDocument, ReasonAutoname:
		return Reason(s)
	default:
		return ReasonOther
	}
}

// ChatMessage is an immutable unit of conversation content.
type ChatMessage struct {
	ID        int64
	Role      string
	Content   string
	CreatedAt time.Time
}

// ChatSequence is one node of the branching chat-history DAG: a pointer
// to a message plus a link to its parent sequence.
type ChatSequence struct {
	ID               int64
	CurrentMessageID int64
	ParentSequenceID *int64
	HumanDesc        string
	UserPinned       bool
	InferenceJobID   *int64
	GeneratedAt      time.Time
}

// FoundationModel identifies a model a provider can serve, including its
// prompt template and default parameters.
type FoundationModel struct {
	ID            int64
	HumanID       string
	Template      string
	ModelParams   map[string]any
	ProviderLabel string
	FirstSeenAt   time.Time
}

// ProviderRecord identifies an inference backend instance (an address plus
// any identifying metadata returned by it).
type ProviderRecord struct {
	ID          int64
	Label       string
	Kind        string
	Identifiers map[string]any
	FirstSeenAt time.Time
}

// InferenceEvent records one call out to a provider: the model, reason,
// and timing, linked into the two-step ChatSequence commit.
type InferenceEvent struct {
	ID      int64
	Reason  Reason
	ModelID int64
	// ParentSequenceID is nil until FinalizeSequence/ExtendSequence
	// patches it in the same transaction that creates the ChatSequence
	// pointing back at this event via inference_job_id — the two-step
	// mutual reference spec.md §3 invariant (c) requires.
	ParentSequenceID   *int64
	PromptTokens       int
	CompletionTokens   int
	PromptWithTemplate string
	ResponseCreatedAt  *time.Time
	ResponseErrorCode  string
	StartedAt          time.Time
	FinishedAt         *time.Time
}

// HttpEvent is an audit row describing one inbound HTTP request/response
// pair, independent of whether it touched the chat-history tables at all.
type HttpEvent struct {
	ID           int64
	TraceID      string
	Method       string
	Path         string
	RemoteIP     string
	StatusCode   int
	RequestBytes int64
	ResponseSize int64
	StartedAt    time.Time
	FinishedAt   time.Time
}
