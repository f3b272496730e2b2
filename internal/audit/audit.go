// Package audit implements AuditSink: a write-behind log of raw HTTP
// request/response traffic, independent of the structured chat-history
// tables in internal/history. It exists so every byte that crossed the
// gateway can be replayed later even if the structured interpretation
// of it (chat sequences, inference events) is wrong or incomplete.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS http_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT NOT NULL,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	remote_ip TEXT NOT NULL DEFAULT '',
	status_code INTEGER NOT NULL DEFAULT 0,
	request_bytes INTEGER NOT NULL DEFAULT 0,
	response_size INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS raw_http_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT NOT NULL,
	request_json TEXT NOT NULL DEFAULT '',
	response_json TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_http_events_trace ON http_events(trace_id);
`

// flushThreshold is the byte volume, summed over committed events, at
// which trackVolume writes an "audit volume" log line. It does not
// affect when events are committed.
const flushThreshold = 4096

// Sink is the AuditSink: it records request/response bodies and commits
// each event once, in Finish, after the response has completed. Nothing
// is committed while a response is still streaming.
type Sink struct {
	db  *sql.DB
	log *slog.Logger

	mu      sync.Mutex
	pending int
}

// Open opens (creating if necessary) the audit database at path using
// the pure-Go sqlite driver, independent of the cgo-backed HistoryStore.
func Open(path string, log *slog.Logger) (*Sink, error) {
	if log == nil {
		log = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &Sink{db: db, log: log.With("component", "audit")}, nil
}

// Close closes the underlying database.
func (s *Sink) Close() error {
	return s.db.Close()
}

// Event is an in-flight audit record being accumulated for one request.
type Event struct {
	TraceID      string
	Method       string
	Path         string
	RemoteIP     string
	RequestBytes int64
	StartedAt    time.Time

	statusCode   int
	responseSize int64
	finishedAt   time.Time
}

// Begin starts tracking a new request.
func (s *Sink) Begin(traceID, method, path, remoteIP string, requestBytes int64) *Event {
	return &Event{
		TraceID:      traceID,
		Method:       method,
		Path:         path,
		RemoteIP:     remoteIP,
		RequestBytes: requestBytes,
		StartedAt:    time.Now().UTC(),
	}
}

// Finish records the response status and size and commits the event,
// scrubbing the recorded request and response bodies with
// scrubForAudit.
func (s *Sink) Finish(ctx context.Context, ev *Event, statusCode int, responseSize int64, requestBody, responseBody []byte) error {
	ev.statusCode = statusCode
	ev.responseSize = responseSize
	ev.finishedAt = time.Now().UTC()

	reqJSON := scrubForAudit(requestBody)
	respJSON := scrubForAudit(responseBody)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit finish: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO http_events (trace_id, method, path, remote_ip, status_code, request_bytes, response_size, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TraceID, ev.Method, ev.Path, ev.RemoteIP, ev.statusCode, ev.RequestBytes, ev.responseSize, ev.StartedAt, ev.finishedAt)
	if err != nil {
		return fmt.Errorf("audit finish: insert http_event: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO raw_http_events (trace_id, request_json, response_json) VALUES (?, ?, ?)`,
		ev.TraceID, reqJSON, respJSON); err != nil {
		return fmt.Errorf("audit finish: insert raw_http_event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit finish: commit: %w", err)
	}

	id, _ := res.LastInsertId()
	s.trackVolume(int(ev.RequestBytes + ev.responseSize))
	s.log.Debug("audit event committed", "id", id, "trace_id", ev.TraceID, "path", ev.Path)
	return nil
}

// trackVolume logs once accumulated buffered bytes since the last log
// line cross flushThreshold. Commits themselves are never deferred —
// this only controls the volume-based log cadence.
func (s *Sink) trackVolume(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending += n
	if s.pending >= flushThreshold {
		s.log.Info("audit volume", "buffered", humanize.Bytes(uint64(s.pending)))
		s.pending = 0
	}
}

// scrubForAudit returns body re-encoded as JSON with any "context"
// vector-embedding field and any base64 "images" payload removed,
// matching the response-content scrubbing original_source performs
// before persisting an access-log row. Non-JSON bodies are recorded as
// a length summary instead of raw bytes.
func scrubForAudit(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var asObj map[string]any
	if err := json.Unmarshal(body, &asObj); err == nil {
		delete(asObj, "context")
		if imgs, ok := asObj["images"]; ok {
			if arr, ok := imgs.([]any); ok {
				asObj["images"] = fmt.Sprintf("<%d image(s) omitted>", len(arr))
			}
		}
		scrubbed, err := json.Marshal(asObj)
		if err == nil {
			return string(scrubbed)
		}
	}

	return fmt.Sprintf(`{"_unparsed_bytes":%d}`, len(body))
}
