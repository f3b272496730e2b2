// Package httpapi implements gatehouse's HTTP surface: the
// Ollama-protocol proxy endpoints, the gateway's own
// /sequences/.../continue family, and the CRUD endpoints over messages
// and sequences described in spec.md §6. It wires together
// internal/history, internal/audit, internal/provider,
// internal/pipeline and internal/retrieval into request handlers; it
// owns no persistence or business logic of its own.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nugget/gatehouse/internal/audit"
	"github.com/nugget/gatehouse/internal/config"
	"github.com/nugget/gatehouse/internal/history"
	"github.com/nugget/gatehouse/internal/provider"
	"github.com/nugget/gatehouse/internal/retrieval"
)

// Server holds every dependency the HTTP handlers need and owns route
// registration. It is constructed once in cmd/gatehouse and is safe for
// concurrent use by the net/http server's per-connection goroutines.
type Server struct {
	Cfg      *config.Config
	History  *history.Store
	Audit    *audit.Sink
	Registry *provider.Registry
	Log      *slog.Logger

	// DocumentSource backs the RetrievalOrchestrator's "simple" and
	// "summarizing" policies. Nil disables retrieval augmentation
	// entirely regardless of the configured policy, matching spec.md
	// §1's scoping of the vector store out of this repository.
	DocumentSource retrieval.DocumentSource

	httpServer *http.Server
}

// New constructs a Server. Call Router to obtain the handler to serve,
// or Start to run it directly.
func New(cfg *config.Config, historyStore *history.Store, auditSink *audit.Sink, registry *provider.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		Cfg:      cfg,
		History:  historyStore,
		Audit:    auditSink,
		Registry: registry,
		Log:      log.With("component", "httpapi"),
	}
}

// Router builds the gorilla/mux router with every route from spec.md §6
// registered, wrapped in the audit + logging middleware.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	// Transparent Ollama-protocol surface.
	proxy := r.PathPrefix("/ollama-proxy").Subrouter()
	proxy.HandleFunc("/api/chat", s.handleChat).Methods(http.MethodPost)
	proxy.HandleFunc("/api/generate", s.handleGenerate).Methods(http.MethodPost)
	proxy.HandleFunc("/api/tags", s.handleTags).Methods(http.MethodGet)
	proxy.HandleFunc("/api/show", s.handleShow).Methods(http.MethodPost)
	proxy.PathPrefix("/").HandlerFunc(s.handlePassthroughHead).Methods(http.MethodHead)

	// Gateway-native continuation surface.
	r.HandleFunc("/sequences/{id}/continue", s.handleContinue).Methods(http.MethodPost)
	r.HandleFunc("/sequences/{id}/extend", s.handleExtend).Methods(http.MethodPost)
	r.HandleFunc("/sequences/{id}/autoname", s.handleAutoname).Methods(http.MethodPost)
	r.HandleFunc("/sequences/.recent/as-ids", s.handleRecentSequenceIDs).Methods(http.MethodGet)
	r.HandleFunc("/sequences/{id}", s.handleGetSequence).Methods(http.MethodGet)
	r.HandleFunc("/sequences", s.handleCreateSequence).Methods(http.MethodPost)

	r.HandleFunc("/messages/{id}", s.handleGetMessage).Methods(http.MethodGet)
	r.HandleFunc("/messages", s.handleCreateMessage).Methods(http.MethodPost)

	r.HandleFunc("/providers", s.handleListProviders).Methods(http.MethodGet)

	return s.withAudit(s.withLogging(r))
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully. It blocks until Shutdown completes.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.Cfg.Listen.Address, s.Cfg.Listen.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming inference has no fixed upper bound
	}

	errCh := make(chan error, 1)
	go func() {
		s.Log.Info("listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// withLogging logs method, path, status, and duration for every request.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		level := slog.LevelInfo
		if s.Cfg != nil && s.Cfg.Debug.TraceHTTP {
			level = slog.LevelDebug
		}
		s.Log.Log(r.Context(), level, "request",
			"method", r.Method, "path", r.URL.Path, "status", sw.status, "duration", time.Since(start))
	})
}

// withAudit wraps every request in AuditSink.Begin/Finish. A HEAD
// request bypasses auditing entirely, per spec.md §6's passthrough row.
func (s *Server) withAudit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead || s.Audit == nil {
			next.ServeHTTP(w, r)
			return
		}

		body, err := captureBody(r)
		if err != nil {
			s.Log.Warn("audit: read request body failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		traceID := uuid.NewString()
		ev := s.Audit.Begin(traceID, r.Method, r.URL.Path, r.RemoteAddr, int64(len(body)))

		rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if err := s.Audit.Finish(r.Context(), ev, rec.status, int64(rec.written), body, rec.buf); err != nil {
			// Best-effort: auditing must never break user traffic.
			s.Log.Warn("audit: commit failed", "trace_id", traceID, "error", err)
		}
	})
}

// statusWriter records the status code written so withLogging can report it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// recordingWriter captures a copy of the response body (up to a cap) for
// audit, while still streaming every byte through to the real client.
type recordingWriter struct {
	http.ResponseWriter
	status  int
	written int
	buf     []byte
}

const auditBodyCap = 1 << 20 // 1 MiB: beyond this, audit keeps a prefix only.

func (w *recordingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.written += n
	if len(w.buf) < auditBodyCap {
		remaining := auditBodyCap - len(w.buf)
		if remaining > n {
			remaining = n
		}
		w.buf = append(w.buf, p[:remaining]...)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}

// writeJSON writes v as a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErrorJSON writes {"error": msg} with the given status.
func writeErrorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// defaultProvider returns the first configured provider, used by the
// transparent-proxy endpoints that address "the" upstream rather than a
// model-qualified one.
func (s *Server) defaultProvider() (provider.Provider, bool) {
	if len(s.Cfg.Providers) == 0 {
		return nil, false
	}
	return s.Registry.ByLabel(s.Cfg.Providers[0].Label)
}
