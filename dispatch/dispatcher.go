package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-streamable-go/internal/logctx"
	"github.com/ggoodman/mcp-streamable-go/sessions"
	"github.com/ggoodman/mcp-streamable-go/suspend"
)

// DefaultProtocolVersion is reported by initialize unless overridden.
const DefaultProtocolVersion = "2024-11-05"

// Built-in methods.
const (
	MethodInitialize        = "initialize"
	MethodPing              = "ping"
	NotificationInitialized = "notifications/initialized"
	NotificationCancelled   = "notifications/cancelled"
)

// Outcome is what a dispatch produced for one HTTP exchange. Exactly one of
// Payload and Unit is set, or neither for notifications and client replies.
// Client replies also set Ack.
type Outcome struct {
	// Payload is an encoded message to return synchronously with Status.
	Payload []byte
	Status  int
	// SessionID is the session the exchange belongs to, possibly freshly
	// allocated.
	SessionID string
	// Unit is a suspended handler the transport must drive to completion.
	Unit suspend.Resumable
	// Ack marks a client reply. The transport acknowledges it without
	// draining the session queue, which belongs to the open stream.
	Ack bool
}

// ServerInfo is reported to clients by initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the result of the initialize request.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
	Instructions    string         `json:"instructions,omitempty"`
}

// Dispatcher decodes inbound messages and routes them to registry handlers.
type Dispatcher struct {
	store           sessions.Store
	registry        *Registry
	log             *slog.Logger
	info            ServerInfo
	protocolVersion string
	instructions    string
	capabilities    map[string]any
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithServerInfo sets the name and version reported by initialize.
func WithServerInfo(name, version string) Option {
	return func(d *Dispatcher) {
		d.info = ServerInfo{Name: name, Version: version}
	}
}

// WithProtocolVersion overrides the protocol version reported by initialize.
func WithProtocolVersion(v string) Option {
	return func(d *Dispatcher) {
		if v != "" {
			d.protocolVersion = v
		}
	}
}

// WithInstructions sets optional usage instructions returned by initialize.
func WithInstructions(s string) Option {
	return func(d *Dispatcher) { d.instructions = s }
}

// WithCapabilities sets the capabilities object returned by initialize.
func WithCapabilities(caps map[string]any) Option {
	return func(d *Dispatcher) { d.capabilities = caps }
}

func New(store sessions.Store, registry *Registry, opts ...Option) *Dispatcher {
	if registry == nil {
		registry = NewRegistry()
	}
	d := &Dispatcher{
		store:           store,
		registry:        registry,
		log:             slog.Default(),
		info:            ServerInfo{Name: "mcp-streamable-go", Version: "dev"},
		protocolVersion: DefaultProtocolVersion,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.capabilities == nil {
		d.capabilities = map[string]any{}
	}
	d.log = slog.New(logctx.Wrap(d.log.Handler()))
	return d
}

// Dispatch handles one inbound message body. Requests run inside a
// suspension unit: one that finishes without yielding produces Payload, one
// that yields is returned as Unit. The returned error is reserved for storage
// failures; protocol errors are encoded into Payload.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, body []byte) (Outcome, error) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		d.log.InfoContext(ctx, "dispatch.decode.fail", slog.String("err", err.Error()))
		rpcErr := jsonrpc.InvalidRequest(err.Error())
		if !json.Valid(body) {
			rpcErr = &jsonrpc.Error{Kind: jsonrpc.KindInvalidRequest, Code: jsonrpc.ErrorCodeParseError, Message: "Parse error"}
		}
		return d.immediate(sessionID, http.StatusBadRequest, jsonrpc.NewErrorResponseFrom(nil, rpcErr))
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	sid, err := d.store.OpenSession(ctx, sessionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("open session: %w", err)
	}

	switch msg.Type() {
	case "request":
		return d.dispatchRequest(ctx, sid, msg.AsRequest())
	case "notification":
		return d.dispatchNotification(ctx, sid, msg.AsRequest())
	default:
		return d.dispatchResponse(ctx, sid, msg.ID, body)
	}
}

func (d *Dispatcher) dispatchRequest(ctx context.Context, sid string, req *jsonrpc.Request) (Outcome, error) {
	switch req.Method {
	case MethodInitialize:
		res, err := jsonrpc.NewResultResponse(req.ID, InitializeResult{
			ProtocolVersion: d.protocolVersion,
			ServerInfo:      d.info,
			Capabilities:    d.capabilities,
			Instructions:    d.instructions,
		})
		if err != nil {
			return Outcome{}, err
		}
		d.log.InfoContext(ctx, "session.initialize", slog.String("session_id", sid))
		return d.immediate(sid, http.StatusOK, res)
	case MethodPing:
		res, err := jsonrpc.NewResultResponse(req.ID, struct{}{})
		if err != nil {
			return Outcome{}, err
		}
		return d.immediate(sid, http.StatusOK, res)
	}

	h, ok := d.registry.request(req.Method)
	if !ok {
		d.log.InfoContext(ctx, "dispatch.method.not_found")
		return d.immediate(sid, http.StatusOK, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "Method not found", nil))
	}

	outbox := d.outbox(sid)
	unit := suspend.New(func(ctx context.Context, c *suspend.Caller) (any, error) {
		return d.invoke(ctx, req, h, c), nil
	}, outbox)

	if y := unit.Start(ctx); y == nil {
		res, _ := unit.Result()
		resp, _ := res.(*jsonrpc.Response)
		return d.immediate(sid, http.StatusOK, resp)
	}
	d.log.DebugContext(ctx, "unit.suspend")
	return Outcome{SessionID: sid, Unit: unit}, nil
}

// invoke runs the handler and always produces a response for req.
func (d *Dispatcher) invoke(ctx context.Context, req *jsonrpc.Request, h RequestHandler, c *suspend.Caller) (resp *jsonrpc.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.log.ErrorContext(ctx, "handler.panic", slog.Any("panic", r))
			resp = jsonrpc.NewErrorResponseFrom(req.ID, jsonrpc.InternalError(fmt.Sprintf("handler panic: %v", r)))
		}
	}()

	result, err := h(ctx, c, req.Params)
	if err != nil {
		if rpcErr, ok := jsonrpc.AsError(err); ok {
			return jsonrpc.NewErrorResponseFrom(req.ID, rpcErr)
		}
		d.log.InfoContext(ctx, "handler.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponseFrom(req.ID, jsonrpc.InternalError(err.Error()))
	}
	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponseFrom(req.ID, jsonrpc.InternalError(err.Error()))
	}
	return res
}

func (d *Dispatcher) dispatchNotification(ctx context.Context, sid string, n *jsonrpc.Request) (Outcome, error) {
	switch n.Method {
	case NotificationInitialized, NotificationCancelled:
		return Outcome{SessionID: sid}, nil
	}

	h, ok := d.registry.notification(n.Method)
	if !ok {
		d.log.DebugContext(ctx, "dispatch.notification.ignored")
		return Outcome{SessionID: sid}, nil
	}
	if err := h(ctx, notifier{d.outbox(sid)}, n.Params); err != nil {
		d.log.InfoContext(ctx, "notification.handler.fail", slog.String("err", err.Error()))
	}
	return Outcome{SessionID: sid}, nil
}

// dispatchResponse records a client's reply to a nested request. A reply for
// an entry that already timed out or was never issued is dropped.
func (d *Dispatcher) dispatchResponse(ctx context.Context, sid string, id *jsonrpc.RequestID, body []byte) (Outcome, error) {
	if id.IsNil() {
		d.log.InfoContext(ctx, "dispatch.response.no_id")
		return Outcome{SessionID: sid, Ack: true}, nil
	}
	ok, err := d.store.ResolvePending(ctx, sid, id.String(), body)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve pending: %w", err)
	}
	if !ok {
		d.log.InfoContext(ctx, "pending.resolve.miss", slog.String("request_id", id.String()))
	}
	return Outcome{SessionID: sid, Ack: true}, nil
}

func (d *Dispatcher) immediate(sid string, status int, resp *jsonrpc.Response) (Outcome, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode response: %w", err)
	}
	return Outcome{Payload: b, Status: status, SessionID: sid}, nil
}

func (d *Dispatcher) outbox(sid string) suspend.Outbox {
	return suspend.OutboxFunc(func(ctx context.Context, msg *jsonrpc.Request) error {
		b, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return d.store.EnqueueOutgoing(ctx, sid, b)
	})
}

type notifier struct {
	out suspend.Outbox
}

func (n notifier) Notify(ctx context.Context, method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return n.out.Notify(ctx, msg)
}

var _ Notifier = (*suspend.Caller)(nil)
