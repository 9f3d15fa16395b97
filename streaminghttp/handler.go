package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-streamable-go/auth"
	"github.com/ggoodman/mcp-streamable-go/dispatch"
	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-streamable-go/internal/logctx"
	"github.com/ggoodman/mcp-streamable-go/sessions"
	"github.com/ggoodman/mcp-streamable-go/suspend"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

const (
	// DefaultPollInterval is the driver loop backoff when nothing is ready.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxBodyBytes caps POST bodies.
	DefaultMaxBodyBytes int64 = 4 << 20
)

// Dispatcher is the protocol collaborator the transport hands POST bodies to.
// *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, body []byte) (dispatch.Outcome, error)
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithPollInterval sets the driver backoff used when no pending request is
// ready. Stores implementing sessions.Notifier may wake the loop earlier.
func WithPollInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.poll = d
		}
	}
}

// WithCORSHeaders merges hdr over the CORS header set applied to every
// response. Keys present in hdr replace the default value; the remaining
// defaults are kept.
func WithCORSHeaders(hdr http.Header) Option {
	return func(h *Handler) {
		for k, v := range hdr {
			h.cors[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
		}
	}
}

// WithClock overrides the clock used for pending timeouts and backoff.
func WithClock(c clockwork.Clock) Option {
	return func(h *Handler) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithAuthenticator requires a bearer token on POST and DELETE. realm is
// optional and only shapes the WWW-Authenticate challenge.
func WithAuthenticator(a auth.Authenticator, realm string) Option {
	return func(h *Handler) {
		h.auth = a
		h.realm = strings.TrimSpace(realm)
	}
}

// WithMetrics registers the transport's collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(h *Handler) { h.registerer = reg }
}

// WithMaxBodyBytes caps the size of POST bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// Handler is the streaming HTTP transport. It serves a single path and routes
// by verb.
type Handler struct {
	store      sessions.Store
	dispatcher Dispatcher

	log        *slog.Logger
	clock      clockwork.Clock
	poll       time.Duration
	cors       http.Header
	auth       auth.Authenticator
	realm      string
	maxBody    int64
	registerer prometheus.Registerer
	metrics    *metrics
}

// New builds a Handler over store and dispatcher.
func New(store sessions.Store, dispatcher Dispatcher, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	h := &Handler{
		store:      store,
		dispatcher: dispatcher,
		log:        slog.Default(),
		clock:      clockwork.NewRealClock(),
		poll:       DefaultPollInterval,
		cors:       DefaultCORSHeaders(),
		maxBody:    DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Wrap(h.log.Handler()))
	h.metrics = newMetrics(h.registerer)
	return h, nil
}

// Initialize has no side effects. It lets the handler sit alongside
// transports that need a setup step.
func (h *Handler) Initialize(ctx context.Context) error { return nil }

// exchange is the per-POST state: a synchronously recorded payload, or the
// suspension unit the driver loop owns until it returns.
type exchange struct {
	sessionID       string
	protocolVersion string

	payload []byte
	status  int

	unit suspend.Resumable
	// deferred is delivered on the next pass when a yield could not be
	// recorded.
	deferred *jsonrpc.Response
}

// send records a synchronously produced payload.
func (x *exchange) send(payload []byte, status int) {
	if status == 0 {
		status = http.StatusOK
	}
	x.payload = payload
	x.status = status
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sw := &statusWriter{ResponseWriter: w}
	r = r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	}))

	switch r.Method {
	case http.MethodOptions:
		h.handleOptions(sw, r)
	case http.MethodPost:
		h.handlePost(sw, r)
	case http.MethodDelete:
		h.handleDelete(sw, r)
	default:
		h.log.InfoContext(r.Context(), "http.method.not_allowed")
		h.createErrorResponse(sw, jsonrpc.MethodNotAllowed(), http.StatusMethodNotAllowed)
	}
	h.metrics.observeRequest(r.Method, sw.status)
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	h.withCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	ctx, ok := h.checkAuthentication(ctx, w, r)
	if !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.log.InfoContext(ctx, "delete.missing_session_id")
		h.createErrorResponse(w, jsonrpc.InvalidRequest("Mcp-Session-Id header is required."), http.StatusBadRequest)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, ProtocolVersion: r.Header.Get(mcpProtocolVersionHeader)})

	if err := h.store.TerminateSession(ctx, sessID); err != nil {
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		h.createErrorResponse(w, jsonrpc.InternalError("failed to terminate session"), http.StatusInternalServerError)
		return
	}
	h.log.InfoContext(ctx, "session.delete.ok")

	h.withCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := h.clock.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctx, ok := h.checkAuthentication(ctx, w, r)
	if !ok {
		return
	}

	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			h.log.InfoContext(ctx, "http.post.content_type.reject", slog.String("content_type", r.Header.Get("Content-Type")))
			h.createErrorResponse(w, jsonrpc.InvalidRequest("Content-Type must be application/json"), http.StatusUnsupportedMediaType)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		h.log.InfoContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		h.createErrorResponse(w, jsonrpc.InvalidRequest("failed to read request body"), http.StatusBadRequest)
		return
	}
	if int64(len(body)) > h.maxBody {
		h.createErrorResponse(w, jsonrpc.InvalidRequest("request body too large"), http.StatusRequestEntityTooLarge)
		return
	}

	x := &exchange{
		sessionID:       r.Header.Get(mcpSessionIDHeader),
		protocolVersion: r.Header.Get(mcpProtocolVersionHeader),
	}
	ctx = dispatch.ContextWithProtocolVersion(ctx, x.protocolVersion)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: x.sessionID, ProtocolVersion: x.protocolVersion})

	out, err := h.dispatcher.Dispatch(ctx, x.sessionID, body)
	if err != nil {
		h.log.ErrorContext(ctx, "dispatch.fail", slog.String("err", err.Error()))
		h.createErrorResponse(w, jsonrpc.InternalError("internal error"), http.StatusInternalServerError)
		return
	}
	if out.SessionID != "" && out.SessionID != x.sessionID {
		x.sessionID = out.SessionID
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: x.sessionID, ProtocolVersion: x.protocolVersion})
	}
	if out.Payload != nil {
		x.send(out.Payload, out.Status)
	}
	x.unit = out.Unit

	switch {
	case x.payload != nil:
		if x.unit != nil {
			x.unit.Close()
			x.unit = nil
		}
		if err := h.writePayload(w, x); err != nil {
			h.log.InfoContext(ctx, "http.post.write.fail", slog.String("err", err.Error()))
		}
		h.log.InfoContext(ctx, "http.post.sync", slog.Int("status", x.status), slog.Duration("duration", h.clock.Since(start)))
	case x.unit != nil:
		h.serveStream(ctx, w, x)
		h.log.InfoContext(ctx, "http.post.stream.end", slog.Duration("duration", h.clock.Since(start)))
	case out.Ack:
		h.withCORSHeaders(w)
		withSessionHeaders(w, x.sessionID, x.protocolVersion)
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.reply.ack", slog.Duration("duration", h.clock.Since(start)))
	default:
		if err := h.createJSONResponse(ctx, w, x); err != nil {
			h.log.ErrorContext(ctx, "http.post.drain.fail", slog.String("err", err.Error()))
			h.createErrorResponse(w, jsonrpc.InternalError("internal error"), http.StatusInternalServerError)
			return
		}
		h.log.InfoContext(ctx, "http.post.ack", slog.Duration("duration", h.clock.Since(start)))
	}
}

// serveStream switches the response to SSE and runs the driver loop.
func (h *Handler) serveStream(ctx context.Context, w http.ResponseWriter, x *exchange) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.unsupported")
		x.unit.Close()
		x.unit = nil
		h.createErrorResponse(w, jsonrpc.InternalError("streaming unsupported"), http.StatusInternalServerError)
		return
	}

	h.withCORSHeaders(w)
	withSessionHeaders(w, x.sessionID, x.protocolVersion)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	wf := &lockedWriteFlusher{Writer: w, Flusher: flusher, ctx: ctx}
	if err := h.drive(ctx, wf, x); err != nil {
		if errors.Is(err, context.Canceled) {
			h.log.InfoContext(ctx, "sse.client.gone")
			return
		}
		h.log.ErrorContext(ctx, "sse.drive.fail", slog.String("err", err.Error()))
	}
}

// checkAuthentication returns false after writing a 401 or 403 when an
// authenticator is configured and the request lacks an acceptable bearer
// token. On success the principal is attached to the returned context.
func (h *Handler) checkAuthentication(ctx context.Context, w http.ResponseWriter, r *http.Request) (context.Context, bool) {
	if h.auth == nil {
		return ctx, true
	}

	authHeader := r.Header.Get(authorizationHeader)
	tok, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(tok) == "" {
		h.log.InfoContext(ctx, "auth.missing")
		w.Header().Set(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		h.createErrorResponse(w, jsonrpc.InvalidRequest("Unauthorized"), http.StatusUnauthorized)
		return ctx, false
	}

	user, err := h.auth.CheckAuthentication(ctx, strings.TrimSpace(tok))
	switch {
	case err == nil:
		return auth.ContextWithUser(ctx, user), true
	case errors.Is(err, auth.ErrInsufficientScope):
		h.log.InfoContext(ctx, "auth.scope.fail", slog.String("err", err.Error()))
		w.Header().Set(wwwAuthenticateHeader, buildBearerChallenge(h.realm, [][2]string{
			{"error", "insufficient_scope"},
		}))
		h.createErrorResponse(w, jsonrpc.InvalidRequest("Forbidden"), http.StatusForbidden)
	case errors.Is(err, auth.ErrUnauthorized):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Set(wwwAuthenticateHeader, buildBearerChallenge(h.realm, [][2]string{
			{"error", "invalid_token"},
			{"error_description", err.Error()},
		}))
		h.createErrorResponse(w, jsonrpc.InvalidRequest("Unauthorized"), http.StatusUnauthorized)
	default:
		h.log.ErrorContext(ctx, "auth.check.error", slog.String("err", err.Error()))
		h.createErrorResponse(w, jsonrpc.InternalError("authentication failed"), http.StatusInternalServerError)
	}
	return ctx, false
}

// buildBearerChallenge builds a WWW-Authenticate value. Realm is omitted if
// empty.
func buildBearerChallenge(realm string, params [][2]string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	pieces := make([]string, 0, 1+len(params))
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc.Replace(realm)))
	}
	for _, p := range params {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, p[0], esc.Replace(p[1])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
