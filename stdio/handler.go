package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-streamable-go/auth"
	"github.com/ggoodman/mcp-streamable-go/dispatch"
	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-streamable-go/internal/logctx"
	"github.com/ggoodman/mcp-streamable-go/sessions"
	"github.com/ggoodman/mcp-streamable-go/suspend"
	"github.com/jonboulle/clockwork"
)

// DefaultPollInterval is how often a suspended unit is checked for timeout.
const DefaultPollInterval = 100 * time.Millisecond

// anonymousUserID identifies the peer when the user provider fails.
const anonymousUserID = "anonymous"

// ErrAlreadyServed is returned by a second call to Serve.
var ErrAlreadyServed = errors.New("stdio: handler already served")

// Dispatcher is the protocol collaborator each inbound line is handed to.
// *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, body []byte) (dispatch.Outcome, error)
}

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes to an io.Writer. By default, it uses os.Stdin
// and os.Stdout. The peer is identified by a UserProvider, which defaults to
// the current OS user.
type Handler struct {
	store      sessions.Store
	dispatcher Dispatcher

	r            io.Reader
	w            io.Writer
	log          *slog.Logger
	clock        clockwork.Clock
	poll         time.Duration
	userProvider UserProvider
	sessionID    string

	served atomic.Bool
}

// conn is the state of one Serve call. Only the Serve goroutine touches it.
type conn struct {
	sessionID string
	unit      suspend.Resumable
	deferred  *jsonrpc.Response
	// backlog holds requests that arrived while unit was suspended.
	backlog [][]byte
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(store sessions.Store, dispatcher Dispatcher, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	h := &Handler{
		store:        store,
		dispatcher:   dispatcher,
		r:            os.Stdin,
		w:            os.Stdout,
		log:          slog.Default(),
		clock:        clockwork.NewRealClock(),
		poll:         DefaultPollInterval,
		userProvider: OSUserProvider{},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Wrap(h.log.Handler()))
	return h, nil
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. EOF is a clean shutdown and returns nil. It is safe to call at
// most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.served.CompareAndSwap(false, true) {
		return ErrAlreadyServed
	}

	uid, err := h.userProvider.CurrentUserID()
	if err != nil {
		h.log.WarnContext(ctx, "stdio.user.resolve.fail", slog.String("err", err.Error()))
		uid = anonymousUserID
	}
	ctx = auth.ContextWithUser(ctx, localUser{id: uid})

	sid, err := h.store.OpenSession(ctx, h.sessionID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sid})
	c := &conn{sessionID: sid}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer h.shutdown(ctx, c)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go h.readLoop(ctx, lines, readErr)

	h.log.InfoContext(ctx, "stdio.serve.start", slog.String("user_id", uid))
	for {
		if err := h.flush(ctx, c); err != nil {
			return err
		}
		progressed, err := h.advance(ctx, c)
		if err != nil {
			return err
		}
		if progressed {
			continue
		}

		line, ok, err := h.wait(ctx, c, lines)
		if err != nil {
			return err
		}
		if !ok {
			err := <-readErr
			h.log.InfoContext(ctx, "stdio.serve.eof")
			return err
		}
		if line != nil {
			if err := h.receive(ctx, c, line); err != nil {
				return err
			}
		}
	}
}

// wait blocks for the next inbound line. While a unit is suspended it also
// returns after one poll interval with a nil line so timeouts are noticed.
func (h *Handler) wait(ctx context.Context, c *conn, lines <-chan []byte) ([]byte, bool, error) {
	var tick <-chan time.Time
	if c.unit != nil {
		t := h.clock.NewTimer(h.poll)
		defer t.Stop()
		tick = t.Chan()
	}
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case line, ok := <-lines:
		return line, ok, nil
	case <-tick:
		return nil, true, nil
	}
}

func (h *Handler) readLoop(ctx context.Context, lines chan<- []byte, errc chan<- error) {
	defer close(lines)
	br := bufio.NewReader(h.r)
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			select {
			case lines <- line:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			errc <- err
			return
		}
	}
}

// receive routes one inbound line. Requests wait while a unit is suspended;
// replies and notifications are dispatched at once so the unit can progress.
func (h *Handler) receive(ctx context.Context, c *conn, line []byte) error {
	line = bytes.TrimSpace(line)
	if c.unit != nil {
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err == nil && msg.Type() == "request" {
			h.log.DebugContext(ctx, "stdio.request.deferred", slog.String("method", msg.Method))
			c.backlog = append(c.backlog, line)
			return nil
		}
	}
	return h.dispatchLine(ctx, c, line)
}

func (h *Handler) dispatchLine(ctx context.Context, c *conn, line []byte) error {
	out, err := h.dispatcher.Dispatch(ctx, c.sessionID, line)
	if err != nil {
		h.log.ErrorContext(ctx, "dispatch.fail", slog.String("err", err.Error()))
		b, _ := json.Marshal(jsonrpc.NewErrorResponseFrom(nil, jsonrpc.InternalError("internal error")))
		return h.writeLine(ctx, b)
	}
	if out.Payload != nil {
		if out.Unit != nil {
			out.Unit.Close()
		}
		return h.writeLine(ctx, out.Payload)
	}
	if out.Unit != nil {
		c.unit = out.Unit
		c.deferred = nil
		h.handleYield(ctx, c, c.unit.Awaiting())
	}
	return nil
}

// advance performs at most one unit of work: finishing a terminated unit,
// one resume of a suspended one, or one backlogged request. It reports
// whether anything happened.
func (h *Handler) advance(ctx context.Context, c *conn) (bool, error) {
	if c.unit == nil {
		if len(c.backlog) == 0 {
			return false, nil
		}
		line := c.backlog[0]
		c.backlog = c.backlog[1:]
		return true, h.dispatchLine(ctx, c, line)
	}
	if c.unit.State() == suspend.Terminated {
		err := h.writeFinal(ctx, c)
		c.unit = nil
		return true, err
	}
	return h.step(ctx, c)
}

// flush drains the session queue and writes one line per message.
func (h *Handler) flush(ctx context.Context, c *conn) error {
	msgs, err := h.store.DrainOutgoing(ctx, c.sessionID)
	if err != nil {
		return fmt.Errorf("drain outgoing: %w", err)
	}
	for _, msg := range msgs {
		if err := h.writeLine(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// step inspects the first pending request and resumes the unit at most once.
func (h *Handler) step(ctx context.Context, c *conn) (bool, error) {
	if c.deferred != nil {
		reply := c.deferred
		c.deferred = nil
		h.resume(ctx, c, reply)
		return true, nil
	}

	pending, err := h.store.ListPending(ctx, c.sessionID)
	if err != nil {
		return false, fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		h.resume(ctx, c, nil)
		return true, nil
	}

	first := pending[0]
	if !first.Resolved() && !first.Expired(h.clock.Now()) {
		return false, nil
	}
	removed, err := h.store.RemovePending(ctx, c.sessionID, first.RequestID)
	if err != nil {
		return false, fmt.Errorf("remove pending: %w", err)
	}
	if removed == nil {
		return true, nil
	}
	if removed.Resolved() {
		var resp jsonrpc.Response
		if err := json.Unmarshal(removed.Reply, &resp); err != nil {
			h.resume(ctx, c, jsonrpc.NewErrorResponseFrom(jsonrpc.NewRequestID(removed.RequestID), jsonrpc.InternalError("invalid reply: "+err.Error())))
			return true, nil
		}
		h.resume(ctx, c, &resp)
		return true, nil
	}
	h.log.InfoContext(ctx, "pending.timeout",
		slog.String("request_id", removed.RequestID),
		slog.Duration("timeout", removed.EffectiveTimeout()))
	h.resume(ctx, c, jsonrpc.TimeoutResponse(jsonrpc.NewRequestID(removed.RequestID)))
	return true, nil
}

func (h *Handler) resume(ctx context.Context, c *conn, reply *jsonrpc.Response) {
	h.handleYield(ctx, c, c.unit.Resume(reply))
}

// handleYield records a nested request: the pending entry first, then the
// outgoing message. Failures are delivered into the unit on the next step.
func (h *Handler) handleYield(ctx context.Context, c *conn, y *suspend.Yield) {
	if y == nil || y.Request == nil {
		return
	}
	id := y.RequestID()
	fail := func(msg string, err error) {
		h.log.ErrorContext(ctx, msg, slog.String("request_id", id), slog.String("err", err.Error()))
		c.deferred = jsonrpc.NewErrorResponseFrom(y.Request.ID, jsonrpc.InternalError(err.Error()))
	}

	b, err := json.Marshal(y.Request)
	if err != nil {
		fail("nested.encode.fail", err)
		return
	}
	p := sessions.PendingRequest{RequestID: id, IssuedAt: h.clock.Now(), Timeout: y.Timeout}
	if err := h.store.AddPending(ctx, c.sessionID, p); err != nil {
		fail("pending.add.fail", err)
		return
	}
	if err := h.store.EnqueueOutgoing(ctx, c.sessionID, b); err != nil {
		if _, rerr := h.store.RemovePending(ctx, c.sessionID, id); rerr != nil {
			h.log.ErrorContext(ctx, "pending.remove.fail", slog.String("err", rerr.Error()))
		}
		fail("nested.enqueue.fail", err)
		return
	}
	h.log.DebugContext(ctx, "nested.issued", slog.String("request_id", id), slog.String("method", y.Request.Method))
}

// writeFinal writes the terminated unit's value as one line.
func (h *Handler) writeFinal(ctx context.Context, c *conn) error {
	res, err := c.unit.Result()
	if err != nil {
		h.log.ErrorContext(ctx, "unit.fail", slog.String("err", err.Error()))
		return nil
	}
	var payload []byte
	switch v := res.(type) {
	case nil:
		return nil
	case json.RawMessage:
		payload = v
	case []byte:
		payload = v
	default:
		payload, err = json.Marshal(v)
		if err != nil {
			h.log.ErrorContext(ctx, "stdio.final.encode.fail", slog.String("err", err.Error()))
			return nil
		}
	}
	if len(payload) == 0 {
		return nil
	}
	return h.writeLine(ctx, payload)
}

// writeLine writes msg as a single compact line.
func (h *Handler) writeLine(ctx context.Context, msg []byte) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, msg); err != nil {
		h.log.InfoContext(ctx, "stdio.write.invalid_json", slog.String("err", err.Error()))
		buf.Reset()
		buf.Write(bytes.ReplaceAll(bytes.TrimSpace(msg), []byte("\n"), []byte(" ")))
	}
	buf.WriteByte('\n')
	if _, err := h.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write stdout: %w", err)
	}
	return nil
}

// shutdown withdraws an outstanding nested request, closes the unit and
// terminates the implicit session.
func (h *Handler) shutdown(ctx context.Context, c *conn) {
	ctx = context.WithoutCancel(ctx)
	if c.unit != nil {
		if y := c.unit.Awaiting(); y != nil && y.Request != nil {
			if _, err := h.store.RemovePending(ctx, c.sessionID, y.RequestID()); err != nil {
				h.log.InfoContext(ctx, "pending.withdraw.fail", slog.String("err", err.Error()))
			}
		}
		c.unit.Close()
		c.unit = nil
	}
	if err := h.store.TerminateSession(ctx, c.sessionID); err != nil {
		h.log.InfoContext(ctx, "session.terminate.fail", slog.String("err", err.Error()))
	}
}
