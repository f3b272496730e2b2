package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// captureBody reads r.Body fully and replaces it with a fresh reader so
// downstream handlers can still consume it, mirroring the teacher's
// own debug_request.go helper of the same name.
func captureBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(&byteReader{b: body})
	return body, nil
}

type byteReader struct {
	b   []byte
	pos int
}

func (b *byteReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.b) {
		return 0, io.EOF
	}
	n := copy(p, b.b[b.pos:])
	b.pos += n
	return n, nil
}

// pathInt64 parses the named mux path variable as an int64, writing a
// 400 response and returning ok=false if it's missing or malformed.
func pathInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid "+name+": "+raw)
		return 0, false
	}
	return id, true
}

// ndjsonWriter streams JSON-encoded values to w, one object per line,
// flushing after each so the client observes them as they're produced
// rather than buffered until the handler returns.
type ndjsonWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newNDJSONWriter wraps w. Callers must set headers and call
// WriteHeader themselves before constructing this, since the first
// Write call will otherwise implicitly send a 200.
func newNDJSONWriter(w http.ResponseWriter) *ndjsonWriter {
	f, _ := w.(http.Flusher)
	return &ndjsonWriter{w: w, flusher: f}
}

func (n *ndjsonWriter) Write(v any) error {
	enc := json.NewEncoder(n.w)
	if err := enc.Encode(v); err != nil {
		return err
	}
	if n.flusher != nil {
		n.flusher.Flush()
	}
	return nil
}
