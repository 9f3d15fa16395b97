package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/ggoodman/mcp-streamable-go/suspend"
)

// RequestHandler answers a request. It runs inside a suspension unit, so it
// may issue nested requests through c. Returning a *jsonrpc.Error preserves
// its code on the wire; any other error becomes an internal error.
type RequestHandler func(ctx context.Context, c *suspend.Caller, params json.RawMessage) (any, error)

// Notifier queues notifications for the session's next delivery.
type Notifier interface {
	Notify(ctx context.Context, method string, params any) error
}

// NotificationHandler reacts to a client notification. Anything it queues
// through n is returned on the same HTTP exchange.
type NotificationHandler func(ctx context.Context, n Notifier, params json.RawMessage) error

// Registry maps method names to handlers. Build one at startup and pass it to
// New; it is safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
}

func NewRegistry() *Registry {
	return &Registry{
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
	}
}

// HandleRequest registers h for method, replacing any previous handler.
func (r *Registry) HandleRequest(method string, h RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[method] = h
}

// HandleNotification registers h for method, replacing any previous handler.
func (r *Registry) HandleNotification(method string, h NotificationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications[method] = h
}

func (r *Registry) request(method string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.requests[method]
	return h, ok
}

func (r *Registry) notification(method string) (NotificationHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.notifications[method]
	return h, ok
}

// Methods lists registered request methods in sorted order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.requests))
	for m := range r.requests {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
