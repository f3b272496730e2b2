package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrSequenceNotFound is returned when a lookup by sequence id finds no row.
var ErrSequenceNotFound = errors.New("history: sequence not found")

// ErrMessageNotFound is returned when a lookup by message id finds no row.
var ErrMessageNotFound = errors.New("history: message not found")

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	label TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	identifiers TEXT NOT NULL DEFAULT '{}',
	first_seen_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS foundation_models (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	human_id TEXT NOT NULL,
	template TEXT NOT NULL DEFAULT '',
	model_params TEXT NOT NULL DEFAULT '{}',
	provider_label TEXT NOT NULL,
	first_seen_at DATETIME NOT NULL,
	UNIQUE(human_id, provider_label)
);

CREATE TABLE IF NOT EXISTS inference_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	reason TEXT NOT NULL,
	model_id INTEGER NOT NULL REFERENCES foundation_models(id),
	parent_sequence_id INTEGER REFERENCES chat_sequences(id),
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	prompt_with_template TEXT NOT NULL DEFAULT '',
	response_created_at DATETIME,
	response_error_code TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS chat_sequences (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	current_message_id INTEGER NOT NULL REFERENCES chat_messages(id),
	parent_sequence_id INTEGER REFERENCES chat_sequences(id),
	human_desc TEXT NOT NULL DEFAULT '',
	user_pinned BOOLEAN NOT NULL DEFAULT 0,
	inference_job_id INTEGER REFERENCES inference_events(id),
	generated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_sequences_parent ON chat_sequences(parent_sequence_id);
CREATE INDEX IF NOT EXISTS idx_chat_sequences_pinned ON chat_sequences(user_pinned);
`

// Store is the SQLite-backed HistoryStore.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if necessary) the requests-history database at
// path, in WAL mode, and applies the schema.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db, log: log.With("component", "history")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LookupMessage returns an existing ChatMessage with the same role and
// content, if one exists. Messages are deduplicated by exact match: the
// same text spoken twice reuses the same row.
func (s *Store) LookupMessage(role, content string) (*ChatMessage, error) {
	row := s.db.QueryRow(`SELECT id, role, content, created_at FROM chat_messages WHERE role = ? AND content = ? ORDER BY id LIMIT 1`, role, content)
	var m ChatMessage
	if err := row.Scan(&m.ID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup message: %w", err)
	}
	return &m, nil
}

// GetOrCreateMessage returns the deduplicated message for (role, content),
// inserting a new row only if no match exists.
func (s *Store) GetOrCreateMessage(role, content string) (*ChatMessage, error) {
	if existing, err := s.LookupMessage(role, content); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(`INSERT INTO chat_messages (role, content, created_at) VALUES (?, ?, ?)`, role, content, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &ChatMessage{ID: id, Role: role, Content: content, CreatedAt: now}, nil
}

// GetMessage fetches a single message by id.
func (s *Store) GetMessage(id int64) (*ChatMessage, error) {
	row := s.db.QueryRow(`SELECT id, role, content, created_at FROM chat_messages WHERE id = ?`, id)
	var m ChatMessage
	if err := row.Scan(&m.ID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

// GetSequence fetches a single sequence by id.
func (s *Store) GetSequence(id int64) (*ChatSequence, error) {
	row := s.db.QueryRow(`SELECT id, current_message_id, parent_sequence_id, human_desc, user_pinned, inference_job_id, generated_at FROM chat_sequences WHERE id = ?`, id)
	var cs ChatSequence
	var parent, job sql.NullInt64
	if err := row.Scan(&cs.ID, &cs.CurrentMessageID, &parent, &cs.HumanDesc, &cs.UserPinned, &job, &cs.GeneratedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSequenceNotFound
		}
		return nil, fmt.Errorf("get sequence: %w", err)
	}
	if parent.Valid {
		cs.ParentSequenceID = &parent.Int64
	}
	if job.Valid {
		cs.InferenceJobID = &job.Int64
	}
	return &cs, nil
}

// FindSequenceByMessageAndParent returns an existing ChatSequence whose
// current_message_id and parent_sequence_id match exactly, or nil if
// none exists. Used by chat-capture to reuse an already-committed
// sequence chain instead of growing a duplicate branch every time a
// third-party client resends its full message history.
func (s *Store) FindSequenceByMessageAndParent(messageID int64, parentID *int64) (*ChatSequence, error) {
	var row *sql.Row
	if parentID == nil {
		row = s.db.QueryRow(`SELECT id, current_message_id, parent_sequence_id, human_desc, user_pinned, inference_job_id, generated_at
			FROM chat_sequences WHERE current_message_id = ? AND parent_sequence_id IS NULL ORDER BY id LIMIT 1`, messageID)
	} else {
		row = s.db.QueryRow(`SELECT id, current_message_id, parent_sequence_id, human_desc, user_pinned, inference_job_id, generated_at
			FROM chat_sequences WHERE current_message_id = ? AND parent_sequence_id = ? ORDER BY id LIMIT 1`, messageID, *parentID)
	}
	var cs ChatSequence
	var parent, job sql.NullInt64
	if err := row.Scan(&cs.ID, &cs.CurrentMessageID, &parent, &cs.HumanDesc, &cs.UserPinned, &job, &cs.GeneratedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find sequence by message and parent: %w", err)
	}
	if parent.Valid {
		cs.ParentSequenceID = &parent.Int64
	}
	if job.Valid {
		cs.InferenceJobID = &job.Int64
	}
	return &cs, nil
}

// CreateSequence inserts a new ChatSequence row.
func (s *Store) CreateSequence(cs *ChatSequence) (int64, error) {
	if cs.GeneratedAt.IsZero() {
		cs.GeneratedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO chat_sequences (current_message_id, parent_sequence_id, human_desc, user_pinned, inference_job_id, generated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		cs.CurrentMessageID, cs.ParentSequenceID, cs.HumanDesc, cs.UserPinned, cs.InferenceJobID, cs.GeneratedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("create sequence: %w", err)
	}
	return res.LastInsertId()
}

// SetSequenceHumanDesc records the sequence's auto-named (or
// user-provided) display title. Only called when the sequence is
// currently untitled — see ContinuationPipeline's FINALISE step.
func (s *Store) SetSequenceHumanDesc(id int64, desc string) error {
	_, err := s.db.Exec(`UPDATE chat_sequences SET human_desc = ? WHERE id = ?`, desc, id)
	if err != nil {
		return fmt.Errorf("set sequence human_desc: %w", err)
	}
	return nil
}

// PinSequence marks newSequenceID as the unique user-pinned leaf
// descending from oldSequenceID's lineage, unpinning oldSequenceID in
// the same transaction, so exactly one sequence per lineage is
// user_pinned at a time.
func (s *Store) PinSequence(oldSequenceID, newSequenceID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("pin sequence: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE chat_sequences SET user_pinned = 0 WHERE id = ?`, oldSequenceID); err != nil {
		return fmt.Errorf("pin sequence: unpin old: %w", err)
	}
	if _, err := tx.Exec(`UPDATE chat_sequences SET user_pinned = 1 WHERE id = ?`, newSequenceID); err != nil {
		return fmt.Errorf("pin sequence: pin new: %w", err)
	}
	return tx.Commit()
}

// LookupSequenceParents walks the parent chain from id up to the root,
// including id itself as the first element.
func (s *Store) LookupSequenceParents(id int64) ([]*ChatSequence, error) {
	var chain []*ChatSequence
	cur := &id
	for cur != nil {
		seq, err := s.GetSequence(*cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, seq)
		cur = seq.ParentSequenceID
	}
	return chain, nil
}

// SelectContinuationModel walks up the chain from id and returns the
// model used by the nearest ancestor inference event, or nil if none of
// the lineage has one (e.g. the root is a user-authored message).
func (s *Store) SelectContinuationModel(id int64) (*FoundationModel, error) {
	chain, err := s.LookupSequenceParents(id)
	if err != nil {
		return nil, err
	}
	for _, seq := range chain {
		if seq.InferenceJobID == nil {
			continue
		}
		ev, err := s.GetInferenceEvent(*seq.InferenceJobID)
		if err != nil {
			return nil, err
		}
		return s.GetFoundationModel(ev.ModelID)
	}
	return nil, nil
}

// FetchMessagesForSequence walks id's lineage root-to-leaf and returns
// the ChatMessage for each sequence node. When includeModelInfoDiffs is
// set, a synthetic RoleModelConfigDiff message is interleaved whenever
// the foundation model used to generate a node differs from the one
// used by the nearest earlier node that has an inference event (the
// first node with an inference event always gets one). Nodes without an
// inference event are skipped in that comparison.
func (s *Store) FetchMessagesForSequence(id int64, includeModelInfoDiffs bool) ([]*ChatMessage, error) {
	chain, err := s.LookupSequenceParents(id)
	if err != nil {
		return nil, err
	}
	// chain is leaf-to-root; reverse for root-to-leaf walk.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	var out []*ChatMessage
	var lastModelID int64
	for _, seq := range chain {
		if includeModelInfoDiffs && seq.InferenceJobID != nil {
			ev, err := s.GetInferenceEvent(*seq.InferenceJobID)
			if err != nil {
				return nil, err
			}
			if ev.ModelID != lastModelID {
				model, err := s.GetFoundationModel(ev.ModelID)
				if err != nil {
					return nil, err
				}
				out = append(out, &ChatMessage{Role: RoleModelConfigDiff, Content: model.HumanID, CreatedAt: ev.StartedAt})
				lastModelID = ev.ModelID
			}
		}
		msg, err := s.GetMessage(seq.CurrentMessageID)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// RecentSequenceIDs returns the ids of the limit most recently generated
// sequences, newest first.
func (s *Store) RecentSequenceIDs(limit int) ([]int64, error) {
	rows, err := s.db.Query(`SELECT id FROM chat_sequences ORDER BY generated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent sequence ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetOrCreateProvider returns the ProviderRecord for label, creating it
// with the given kind/identifiers if it doesn't exist yet.
func (s *Store) GetOrCreateProvider(label, kind string, identifiers map[string]any) (*ProviderRecord, error) {
	row := s.db.QueryRow(`SELECT id, label, kind, identifiers, first_seen_at FROM provider_records WHERE label = ?`, label)
	var pr ProviderRecord
	var idJSON string
	err := row.Scan(&pr.ID, &pr.Label, &pr.Kind, &idJSON, &pr.FirstSeenAt)
	if err == nil {
		json.Unmarshal([]byte(idJSON), &pr.Identifiers)
		return &pr, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup provider: %w", err)
	}

	idBytes, _ := json.Marshal(identifiers)
	now := time.Now().UTC()
	res, err := s.db.Exec(`INSERT INTO provider_records (label, kind, identifiers, first_seen_at) VALUES (?, ?, ?, ?)`,
		label, kind, string(idBytes), now)
	if err != nil {
		return nil, fmt.Errorf("insert provider: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &ProviderRecord{ID: id, Label: label, Kind: kind, Identifiers: identifiers, FirstSeenAt: now}, nil
}

// GetOrCreateFoundationModel returns the FoundationModel for (humanID,
// providerLabel), merging in any updated template/params when the model
// has been seen before (MergeInUpdates).
func (s *Store) GetOrCreateFoundationModel(humanID, providerLabel, template string, params map[string]any) (*FoundationModel, error) {
	row := s.db.QueryRow(`SELECT id, human_id, template, model_params, provider_label, first_seen_at FROM foundation_models WHERE human_id = ? AND provider_label = ?`, humanID, providerLabel)
	var fm FoundationModel
	var paramsJSON string
	err := row.Scan(&fm.ID, &fm.HumanID, &fm.Template, &paramsJSON, &fm.ProviderLabel, &fm.FirstSeenAt)
	if err == nil {
		json.Unmarshal([]byte(paramsJSON), &fm.ModelParams)
		return s.mergeInUpdates(&fm, template, params)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup foundation model: %w", err)
	}

	paramBytes, _ := json.Marshal(params)
	now := time.Now().UTC()
	res, err := s.db.Exec(`INSERT INTO foundation_models (human_id, template, model_params, provider_label, first_seen_at) VALUES (?, ?, ?, ?, ?)`,
		humanID, template, string(paramBytes), providerLabel, now)
	if err != nil {
		return nil, fmt.Errorf("insert foundation model: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &FoundationModel{ID: id, HumanID: humanID, Template: template, ModelParams: params, ProviderLabel: providerLabel, FirstSeenAt: now}, nil
}

// mergeInUpdates writes back a changed template/params for an existing
// foundation model row (the upstream's /api/show reconciliation path —
// a model can be re-pulled with a new template without changing its name).
// An empty template or nil params leaves the stored value as it is.
func (s *Store) mergeInUpdates(fm *FoundationModel, template string, params map[string]any) (*FoundationModel, error) {
	if template == "" {
		template = fm.Template
	}
	if params == nil {
		params = fm.ModelParams
	}
	if template == fm.Template && mapsEqual(params, fm.ModelParams) {
		return fm, nil
	}
	paramBytes, _ := json.Marshal(params)
	if _, err := s.db.Exec(`UPDATE foundation_models SET template = ?, model_params = ? WHERE id = ?`, template, string(paramBytes), fm.ID); err != nil {
		return nil, fmt.Errorf("merge foundation model updates: %w", err)
	}
	s.log.Info("foundation model updated", "human_id", fm.HumanID, "provider", fm.ProviderLabel)
	fm.Template = template
	fm.ModelParams = params
	return fm, nil
}

func mapsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

// GetFoundationModel fetches a single foundation model by id.
func (s *Store) GetFoundationModel(id int64) (*FoundationModel, error) {
	row := s.db.QueryRow(`SELECT id, human_id, template, model_params, provider_label, first_seen_at FROM foundation_models WHERE id = ?`, id)
	var fm FoundationModel
	var paramsJSON string
	if err := row.Scan(&fm.ID, &fm.HumanID, &fm.Template, &paramsJSON, &fm.ProviderLabel, &fm.FirstSeenAt); err != nil {
		return nil, fmt.Errorf("get foundation model: %w", err)
	}
	json.Unmarshal([]byte(paramsJSON), &fm.ModelParams)
	return &fm, nil
}

// CreateInferenceEvent inserts a new InferenceEvent and returns its id.
func (s *Store) CreateInferenceEvent(ev *InferenceEvent) (int64, error) {
	if ev.StartedAt.IsZero() {
		ev.StartedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO inference_events (reason, model_id, parent_sequence_id, prompt_tokens, completion_tokens, prompt_with_template, response_created_at, response_error_code, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Reason), ev.ModelID, ev.ParentSequenceID, ev.PromptTokens, ev.CompletionTokens, ev.PromptWithTemplate,
		ev.ResponseCreatedAt, ev.ResponseErrorCode, ev.StartedAt, ev.FinishedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("create inference event: %w", err)
	}
	return res.LastInsertId()
}

// FinishInferenceEvent records completion metadata on an existing event.
func (s *Store) FinishInferenceEvent(id int64, completionTokens int, finishedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE inference_events SET completion_tokens = ?, finished_at = ? WHERE id = ?`, completionTokens, finishedAt, id)
	if err != nil {
		return fmt.Errorf("finish inference event: %w", err)
	}
	return nil
}

// SetPromptWithTemplate records the fully-templated prompt sent upstream
// on an already-created InferenceEvent, so even a crash mid-stream
// leaves a reproducible prompt behind.
func (s *Store) SetPromptWithTemplate(id int64, prompt string) error {
	_, err := s.db.Exec(`UPDATE inference_events SET prompt_with_template = ? WHERE id = ?`, prompt, id)
	if err != nil {
		return fmt.Errorf("set prompt with template: %w", err)
	}
	return nil
}

// CompleteInferenceEvent fills in the final stats of a successful
// inference event and clears the placeholder error left by
// CreateInferenceEvent.
func (s *Store) CompleteInferenceEvent(id int64, promptTokens, completionTokens int, responseCreatedAt, finishedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE inference_events SET prompt_tokens = ?, completion_tokens = ?, response_created_at = ?, response_error_code = '', finished_at = ? WHERE id = ?`,
		promptTokens, completionTokens, responseCreatedAt, finishedAt, id,
	)
	if err != nil {
		return fmt.Errorf("complete inference event: %w", err)
	}
	return nil
}

// FailInferenceEvent records that an inference event ended in error.
func (s *Store) FailInferenceEvent(id int64, errCode string, finishedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE inference_events SET response_error_code = ?, finished_at = ? WHERE id = ?`, errCode, finishedAt, id)
	if err != nil {
		return fmt.Errorf("fail inference event: %w", err)
	}
	return nil
}

// FinalizeSequence commits the assistant ChatMessage and child
// ChatSequence for an InferenceEvent created earlier in the pipeline
// (distinct from ExtendSequence, which creates the InferenceEvent
// itself for simpler one-shot callers).
func (s *Store) FinalizeSequence(parentSequenceID, jobID int64, assistantRole, assistantContent string) (*ChatSequence, error) {
	msg, err := s.GetOrCreateMessage(assistantRole, assistantContent)
	if err != nil {
		return nil, err
	}

	newSeq := &ChatSequence{
		CurrentMessageID: msg.ID,
		ParentSequenceID: &parentSequenceID,
		UserPinned:       true,
		InferenceJobID:   &jobID,
	}
	if err := s.commitSequenceAndPatchEvent(newSeq, parentSequenceID, jobID); err != nil {
		return nil, err
	}
	return newSeq, nil
}

// commitSequenceAndPatchEvent inserts newSeq, re-pins the lineage away
// from parentSequenceID, and patches jobID's InferenceEvent with the new
// sequence's id — the second half of the mutual reference spec.md §3
// invariant (c) requires (InferenceEvent.parent_sequence <->
// ChatSequence.inference_job_id). All three writes commit as one
// transaction: if the process crashes between them, the partial state
// (an InferenceEvent whose parent_sequence_id is still null, no orphan
// ChatSequence row) is exactly what the rollback leaves behind.
func (s *Store) commitSequenceAndPatchEvent(newSeq *ChatSequence, parentSequenceID, jobID int64) error {
	if newSeq.GeneratedAt.IsZero() {
		newSeq.GeneratedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("commit sequence: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO chat_sequences (current_message_id, parent_sequence_id, human_desc, user_pinned, inference_job_id, generated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		newSeq.CurrentMessageID, newSeq.ParentSequenceID, newSeq.HumanDesc, newSeq.UserPinned, newSeq.InferenceJobID, newSeq.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("commit sequence: insert sequence: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("commit sequence: insert sequence: %w", err)
	}
	newSeq.ID = newID

	if _, err := tx.Exec(`UPDATE chat_sequences SET user_pinned = 0 WHERE id = ?`, parentSequenceID); err != nil {
		return fmt.Errorf("commit sequence: unpin parent: %w", err)
	}
	if _, err := tx.Exec(`UPDATE chat_sequences SET user_pinned = 1 WHERE id = ?`, newID); err != nil {
		return fmt.Errorf("commit sequence: pin new: %w", err)
	}
	if _, err := tx.Exec(`UPDATE inference_events SET parent_sequence_id = ? WHERE id = ?`, newID, jobID); err != nil {
		return fmt.Errorf("commit sequence: patch inference event parent: %w", err)
	}

	return tx.Commit()
}

// GetInferenceEvent fetches a single inference event by id.
func (s *Store) GetInferenceEvent(id int64) (*InferenceEvent, error) {
	row := s.db.QueryRow(
		`SELECT id, reason, model_id, parent_sequence_id, prompt_tokens, completion_tokens, prompt_with_template, response_created_at, response_error_code, started_at, finished_at
		 FROM inference_events WHERE id = ?`, id)
	var ev InferenceEvent
	var reason string
	var parentSeq sql.NullInt64
	var respCreated, finished sql.NullTime
	if err := row.Scan(&ev.ID, &reason, &ev.ModelID, &parentSeq, &ev.PromptTokens, &ev.CompletionTokens, &ev.PromptWithTemplate,
		&respCreated, &ev.ResponseErrorCode, &ev.StartedAt, &finished); err != nil {
		return nil, fmt.Errorf("get inference event: %w", err)
	}
	ev.Reason = ParseReason(reason)
	if parentSeq.Valid {
		ev.ParentSequenceID = &parentSeq.Int64
	}
	if respCreated.Valid {
		ev.ResponseCreatedAt = &respCreated.Time
	}
	if finished.Valid {
		ev.FinishedAt = &finished.Time
	}
	return &ev, nil
}

// ExtendSequence performs the two-step commit from an existing sequence
// to a newly generated continuation: it inserts the InferenceEvent,
// inserts the assistant ChatMessage, creates the new ChatSequence linked
// to both, and re-pins the lineage — matching the mutual-reference
// commit order original_source uses (InferenceEvent committed first so
// the ChatSequence row can reference a real id).
func (s *Store) ExtendSequence(parentSequenceID int64, ev *InferenceEvent, assistantRole, assistantContent string) (*ChatSequence, error) {
	jobID, err := s.CreateInferenceEvent(ev)
	if err != nil {
		return nil, err
	}

	msg, err := s.GetOrCreateMessage(assistantRole, assistantContent)
	if err != nil {
		return nil, err
	}

	newSeq := &ChatSequence{
		CurrentMessageID: msg.ID,
		ParentSequenceID: &parentSequenceID,
		UserPinned:       true,
		InferenceJobID:   &jobID,
	}
	if err := s.commitSequenceAndPatchEvent(newSeq, parentSequenceID, jobID); err != nil {
		return nil, err
	}
	return newSeq, nil
}
