package suspend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/google/uuid"
)

// State is the lifecycle state of a Unit.
type State int

const (
	// Running means the handler is executing between yields.
	Running State = iota
	// AwaitingReply means the handler is parked on a yield and only the driver
	// may move it forward.
	AwaitingReply
	// Terminated means the handler returned. Terminated is final.
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case AwaitingReply:
		return "awaiting_reply"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrTerminated is returned by Caller methods once the unit has been closed.
	ErrTerminated = errors.New("suspension unit terminated")
	// ErrAbandoned is returned by Call when the driver resumed the unit without
	// a reply, which happens when the pending entry vanished (for example the
	// session was deleted mid-stream).
	ErrAbandoned = errors.New("nested request abandoned")
)

// Yield describes why a unit parked. Request is nil for a bare yield that only
// asks the driver to flush outgoing messages before continuing.
type Yield struct {
	Request *jsonrpc.Request
	Timeout time.Duration
}

// RequestID returns the nested request's id as a string, or "" for a bare
// yield.
func (y *Yield) RequestID() string {
	if y == nil || y.Request == nil || y.Request.ID.IsNil() {
		return ""
	}
	return y.Request.ID.String()
}

// Resumable is the driver-facing view of a unit. The streaming transport only
// depends on this interface so instrumented fakes can stand in for Unit.
type Resumable interface {
	State() State
	// Awaiting returns the outstanding yield, or nil when not AwaitingReply.
	Awaiting() *Yield
	// Resume delivers reply (nil for "no value") at the yield point and runs
	// the handler to its next yield, which is returned. A nil return means the
	// unit terminated. Resume on a terminated unit is a no-op returning nil.
	Resume(reply *jsonrpc.Response) *Yield
	// Result returns the final value once Terminated.
	Result() (any, error)
	// Close abandons the unit. A parked handler observes ErrTerminated.
	Close()
}

// Outbox receives messages a handler emits without suspending.
type Outbox interface {
	Notify(ctx context.Context, msg *jsonrpc.Request) error
}

// OutboxFunc adapts a function to Outbox.
type OutboxFunc func(ctx context.Context, msg *jsonrpc.Request) error

func (f OutboxFunc) Notify(ctx context.Context, msg *jsonrpc.Request) error { return f(ctx, msg) }

// Func is a handler body run inside a Unit.
type Func func(ctx context.Context, c *Caller) (any, error)

// Unit runs a Func on its own goroutine, parking it on a channel whenever the
// handler yields. The unit and the driver never execute at the same time:
// Start and Resume block until the handler yields again or returns.
type Unit struct {
	fn     Func
	outbox Outbox

	ctx    context.Context
	cancel context.CancelFunc

	resumeCh chan *jsonrpc.Response
	yieldCh  chan *Yield
	doneCh   chan struct{}

	mu       sync.Mutex
	state    State
	started  bool
	awaiting *Yield
	result   any
	err      error
}

// New creates a unit for fn. outbox may be nil if the handler never notifies.
func New(fn Func, outbox Outbox) *Unit {
	return &Unit{
		fn:       fn,
		outbox:   outbox,
		resumeCh: make(chan *jsonrpc.Response),
		yieldCh:  make(chan *Yield),
		doneCh:   make(chan struct{}),
		state:    Running,
	}
}

// Start launches the handler and blocks until its first yield or its
// termination. The returned yield is nil when the handler ran to completion.
// ctx bounds the handler's lifetime beyond the call to Start.
func (u *Unit) Start(ctx context.Context) *Yield {
	u.mu.Lock()
	if u.started {
		u.mu.Unlock()
		return u.Awaiting()
	}
	u.started = true
	u.ctx, u.cancel = context.WithCancel(ctx)
	u.mu.Unlock()

	go u.run()
	return u.wait()
}

func (u *Unit) run() {
	var (
		res any
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("suspension unit panic: %v", r)
		}
		u.mu.Lock()
		u.state = Terminated
		u.awaiting = nil
		u.result, u.err = res, err
		u.mu.Unlock()
		close(u.doneCh)
	}()
	res, err = u.fn(u.ctx, &Caller{u: u})
}

// wait blocks until the handler yields or terminates.
func (u *Unit) wait() *Yield {
	select {
	case y := <-u.yieldCh:
		return y
	case <-u.doneCh:
		return nil
	}
}

func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// IsSuspended reports whether the unit is parked waiting for the driver.
func (u *Unit) IsSuspended() bool { return u.State() == AwaitingReply }

func (u *Unit) Awaiting() *Yield {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != AwaitingReply {
		return nil
	}
	return u.awaiting
}

func (u *Unit) Resume(reply *jsonrpc.Response) *Yield {
	u.mu.Lock()
	if u.state != AwaitingReply {
		u.mu.Unlock()
		return nil
	}
	u.state = Running
	u.awaiting = nil
	u.mu.Unlock()

	select {
	case u.resumeCh <- reply:
	case <-u.doneCh:
		return nil
	}
	return u.wait()
}

func (u *Unit) Result() (any, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != Terminated {
		return nil, fmt.Errorf("suspension unit is %s", u.state)
	}
	return u.result, u.err
}

func (u *Unit) Close() {
	u.mu.Lock()
	cancel := u.cancel
	u.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// park is called on the handler goroutine. It publishes y to the driver and
// blocks until resumed.
func (u *Unit) park(ctx context.Context, y *Yield) (*jsonrpc.Response, error) {
	u.mu.Lock()
	u.state = AwaitingReply
	u.awaiting = y
	u.mu.Unlock()

	select {
	case u.yieldCh <- y:
	case <-u.ctx.Done():
		return nil, ErrTerminated
	}

	select {
	case reply := <-u.resumeCh:
		return reply, nil
	case <-u.ctx.Done():
		return nil, ErrTerminated
	case <-ctx.Done():
		// The driver still owns the transition; wait for it or for close.
		select {
		case reply := <-u.resumeCh:
			return reply, nil
		case <-u.ctx.Done():
			return nil, ErrTerminated
		}
	}
}

// Caller is handed to a Func and is the only way for it to talk to the peer.
type Caller struct {
	u *Unit
}

// CallOption customizes a nested request.
type CallOption func(*Yield)

// WithTimeout overrides the nested request timeout. Zero uses the store
// default.
func WithTimeout(d time.Duration) CallOption {
	return func(y *Yield) { y.Timeout = d }
}

// Call issues a nested request and suspends until the driver resumes the unit
// with the reply or with a synthesized timeout. A JSON-RPC error reply is
// returned both as the response and as a *jsonrpc.Error.
func (c *Caller) Call(ctx context.Context, method string, params any, opts ...CallOption) (*jsonrpc.Response, error) {
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(uuid.NewString()), method, params)
	if err != nil {
		return nil, err
	}
	y := &Yield{Request: req}
	for _, opt := range opts {
		opt(y)
	}

	reply, err := c.u.park(ctx, y)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, ErrAbandoned
	}
	if reply.Error != nil {
		return reply, reply.Error
	}
	return reply, nil
}

// Notify hands a notification to the unit's outbox. It does not suspend; the
// driver flushes it on its next pass.
func (c *Caller) Notify(ctx context.Context, method string, params any) error {
	if c.u.outbox == nil {
		return errors.New("suspension unit has no outbox")
	}
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.u.outbox.Notify(ctx, msg)
}

// Yield parks without issuing a request so the driver can flush queued
// notifications. It returns once the driver resumes the unit.
func (c *Caller) Yield(ctx context.Context) error {
	_, err := c.u.park(ctx, &Yield{})
	return err
}

var _ Resumable = (*Unit)(nil)
