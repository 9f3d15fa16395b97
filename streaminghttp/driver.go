package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-streamable-go/sessions"
	"github.com/ggoodman/mcp-streamable-go/suspend"
)

// drive runs the SSE driver loop for x until its unit terminates or ctx is
// done. Each pass flushes the outgoing queue, then performs at most one
// resume. The unit reference is cleared on every exit path.
func (h *Handler) drive(ctx context.Context, wf *lockedWriteFlusher, x *exchange) (err error) {
	h.metrics.activeStreams.Inc()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sse driver panic: %v", r)
		}
		h.release(ctx, x)
		h.metrics.activeStreams.Dec()
	}()

	var wake <-chan struct{}
	if n, ok := h.store.(sessions.Notifier); ok {
		ch, stop, werr := n.Watch(ctx, x.sessionID)
		if werr != nil {
			h.log.InfoContext(ctx, "sse.watch.fail", slog.String("err", werr.Error()))
		} else {
			defer stop()
			wake = ch
		}
	}

	// The dispatcher ran the handler up to its first yield.
	h.handleYield(ctx, x, x.unit.Awaiting())

	for x.unit.State() != suspend.Terminated {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.flush(ctx, wf, x.sessionID); err != nil {
			return err
		}
		resumed, err := h.step(ctx, x)
		if err != nil {
			return err
		}
		if resumed {
			continue
		}
		if err := h.backoff(ctx, wake); err != nil {
			return err
		}
	}

	// Deliver whatever the handler queued on its way out before the result.
	if err := h.flush(ctx, wf, x.sessionID); err != nil {
		return err
	}
	return h.writeFinal(ctx, wf, x)
}

// flush drains the session queue and writes one frame per message.
func (h *Handler) flush(ctx context.Context, wf *lockedWriteFlusher, sessionID string) error {
	msgs, err := h.store.DrainOutgoing(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("drain outgoing: %w", err)
	}
	for _, msg := range msgs {
		if err := writeSSEEvent(wf, msg); err != nil {
			h.log.InfoContext(ctx, "sse.frame.write.fail", slog.String("err", err.Error()))
			return err
		}
		h.metrics.frames.Inc()
	}
	return nil
}

// step inspects the first pending request and resumes the unit at most once.
// It reports whether a resume (or a retryable race) happened, in which case
// the caller restarts the pass without sleeping.
func (h *Handler) step(ctx context.Context, x *exchange) (bool, error) {
	if x.deferred != nil {
		reply := x.deferred
		x.deferred = nil
		h.resume(ctx, x, reply, resumeFailed)
		return true, nil
	}

	pending, err := h.store.ListPending(ctx, x.sessionID)
	if err != nil {
		return false, fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		h.resume(ctx, x, nil, resumeEmpty)
		return true, nil
	}

	first := pending[0]
	if !first.Resolved() && !first.Expired(h.clock.Now()) {
		return false, nil
	}

	removed, err := h.store.RemovePending(ctx, x.sessionID, first.RequestID)
	if err != nil {
		return false, fmt.Errorf("remove pending: %w", err)
	}
	if removed == nil {
		// Someone else claimed it between list and remove.
		return true, nil
	}

	if removed.Resolved() {
		h.resume(ctx, x, decodeReply(removed), resumeReply)
		return true, nil
	}
	h.log.InfoContext(ctx, "pending.timeout",
		slog.String("request_id", removed.RequestID),
		slog.Duration("timeout", removed.EffectiveTimeout()))
	h.resume(ctx, x, jsonrpc.TimeoutResponse(jsonrpc.NewRequestID(removed.RequestID)), resumeTimeout)
	return true, nil
}

// decodeReply turns a stored reply into a response. Undecodable replies are
// delivered as an internal error tagged with the pending id.
func decodeReply(p *sessions.PendingRequest) *jsonrpc.Response {
	var resp jsonrpc.Response
	if err := json.Unmarshal(p.Reply, &resp); err != nil {
		return jsonrpc.NewErrorResponseFrom(jsonrpc.NewRequestID(p.RequestID), jsonrpc.InternalError("invalid reply: "+err.Error()))
	}
	return &resp
}

func (h *Handler) resume(ctx context.Context, x *exchange, reply *jsonrpc.Response, reason string) {
	h.metrics.resumes.WithLabelValues(reason).Inc()
	h.log.DebugContext(ctx, "unit.resume", slog.String("reason", reason))
	h.handleYield(ctx, x, x.unit.Resume(reply))
}

// handleYield records a nested request: the pending entry first, then the
// outgoing message, so a reply can never arrive ahead of its entry. Failures
// are delivered into the unit on the next pass.
func (h *Handler) handleYield(ctx context.Context, x *exchange, y *suspend.Yield) {
	if y == nil || y.Request == nil {
		return
	}
	id := y.RequestID()
	fail := func(msg string, err error) {
		h.log.ErrorContext(ctx, msg, slog.String("request_id", id), slog.String("err", err.Error()))
		x.deferred = jsonrpc.NewErrorResponseFrom(y.Request.ID, jsonrpc.InternalError(err.Error()))
	}

	b, err := json.Marshal(y.Request)
	if err != nil {
		fail("nested.encode.fail", err)
		return
	}
	p := sessions.PendingRequest{RequestID: id, IssuedAt: h.clock.Now(), Timeout: y.Timeout}
	if err := h.store.AddPending(ctx, x.sessionID, p); err != nil {
		fail("pending.add.fail", err)
		return
	}
	if err := h.store.EnqueueOutgoing(ctx, x.sessionID, b); err != nil {
		if _, rerr := h.store.RemovePending(ctx, x.sessionID, id); rerr != nil {
			h.log.ErrorContext(ctx, "pending.remove.fail", slog.String("err", rerr.Error()))
		}
		fail("nested.enqueue.fail", err)
		return
	}
	h.log.DebugContext(ctx, "nested.issued", slog.String("request_id", id), slog.String("method", y.Request.Method))
}

// backoff sleeps for the poll interval or until the store signals activity.
func (h *Handler) backoff(ctx context.Context, wake <-chan struct{}) error {
	t := h.clock.NewTimer(h.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
	case <-wake:
	}
	return nil
}

// writeFinal emits the unit's final value as the closing frame. Encode
// failures are logged and the frame omitted.
func (h *Handler) writeFinal(ctx context.Context, wf *lockedWriteFlusher, x *exchange) error {
	res, err := x.unit.Result()
	if err != nil {
		h.log.ErrorContext(ctx, "unit.fail", slog.String("err", err.Error()))
		return nil
	}
	if res == nil {
		return nil
	}

	var payload []byte
	switch v := res.(type) {
	case json.RawMessage:
		payload = v
	case []byte:
		payload = v
	default:
		payload, err = json.Marshal(v)
		if err != nil {
			h.log.ErrorContext(ctx, "sse.final.encode.fail", slog.String("err", err.Error()))
			return nil
		}
	}
	if len(payload) == 0 {
		return nil
	}
	if err := writeSSEEvent(wf, payload); err != nil {
		return err
	}
	h.metrics.frames.Inc()
	return nil
}

// release closes the unit and drops the exchange's reference to it. A nested
// request still outstanding is withdrawn so a later stream on the same session
// does not inherit it.
func (h *Handler) release(ctx context.Context, x *exchange) {
	if x.unit == nil {
		return
	}
	if y := x.unit.Awaiting(); y != nil && y.Request != nil {
		if _, err := h.store.RemovePending(context.WithoutCancel(ctx), x.sessionID, y.RequestID()); err != nil && !errors.Is(err, context.Canceled) {
			h.log.InfoContext(ctx, "pending.withdraw.fail", slog.String("err", err.Error()))
		}
	}
	x.unit.Close()
	x.unit = nil
	x.deferred = nil
}
