package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
)

// DefaultCORSHeaders is applied to every response unless overridden with
// WithCORSHeaders.
func DefaultCORSHeaders() http.Header {
	return http.Header{
		"Access-Control-Allow-Origin":  {"*"},
		"Access-Control-Allow-Methods": {"GET, POST, DELETE, OPTIONS"},
		"Access-Control-Allow-Headers": {"Content-Type, Mcp-Session-Id, Mcp-Protocol-Version, Last-Event-ID, Authorization, Accept"},
	}
}

// statusWriter remembers the status code for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// withCORSHeaders copies the configured CORS set onto w.
func (h *Handler) withCORSHeaders(w http.ResponseWriter) {
	for k, vs := range h.cors {
		w.Header()[k] = append([]string(nil), vs...)
	}
}

// withSessionHeaders round-trips the session id and protocol version.
func withSessionHeaders(w http.ResponseWriter, sessionID, protocolVersion string) {
	if sessionID != "" {
		w.Header().Set(mcpSessionIDHeader, sessionID)
	}
	if protocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, protocolVersion)
	}
}

// createErrorResponse writes e as a JSON-RPC error object with the given
// status. CORS headers are always applied.
func (h *Handler) createErrorResponse(w http.ResponseWriter, e *jsonrpc.Error, status int) {
	h.withCORSHeaders(w)
	b, err := json.Marshal(jsonrpc.NewErrorResponseFrom(nil, e))
	if err != nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// createJSONResponse writes the result of a dispatch that neither produced a
// payload nor suspended: 202 when nothing is queued for the session, the
// message verbatim when exactly one is, and a JSON array otherwise.
func (h *Handler) createJSONResponse(ctx context.Context, w http.ResponseWriter, x *exchange) error {
	var msgs [][]byte
	if x.sessionID != "" {
		var err error
		msgs, err = h.store.DrainOutgoing(ctx, x.sessionID)
		if err != nil {
			return fmt.Errorf("drain outgoing: %w", err)
		}
	}

	h.withCORSHeaders(w)
	withSessionHeaders(w, x.sessionID, x.protocolVersion)

	switch len(msgs) {
	case 0:
		w.WriteHeader(http.StatusAccepted)
		return nil
	case 1:
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_, err := w.Write(msgs[0])
		return err
	default:
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_, err := w.Write(joinJSONArray(msgs))
		return err
	}
}

// writePayload writes a synchronously produced payload.
func (h *Handler) writePayload(w http.ResponseWriter, x *exchange) error {
	h.withCORSHeaders(w)
	withSessionHeaders(w, x.sessionID, x.protocolVersion)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(x.status)
	_, err := w.Write(x.payload)
	return err
}

func joinJSONArray(msgs [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.Write(bytes.Join(msgs, []byte{','}))
	buf.WriteByte(']')
	return buf.Bytes()
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Flusher.Flush()
}

// writeSSEEvent writes one "message" event carrying payload and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, payload []byte) error {
	var frame bytes.Buffer
	frame.WriteString("event: message\n")
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		payload = compact.Bytes()
	}
	// A data field ends at the first newline, so anything left multi-line
	// after compaction is split across several data lines.
	for _, line := range bytes.Split(bytes.TrimRight(payload, "\r\n"), []byte("\n")) {
		frame.WriteString("data: ")
		frame.Write(bytes.TrimSuffix(line, []byte("\r")))
		frame.WriteByte('\n')
	}
	frame.WriteByte('\n')
	if _, err := wf.Write(frame.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}
