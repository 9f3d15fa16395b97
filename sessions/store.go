package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// DefaultPendingTimeout applies to pending requests recorded with a zero Timeout.
const DefaultPendingTimeout = 120 * time.Second

// DefaultTTL is how long an idle session survives before a store may expire it.
const DefaultTTL = time.Hour

var (
	// ErrPendingExists is returned by AddPending when the request id is already
	// pending in the session.
	ErrPendingExists = errors.New("pending request already exists")
	// ErrInvalidSessionID is returned for empty session ids where one is required.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// PendingRequest is a nested request the server has sent to the client and is
// waiting on. Reply is nil until the client's answer has been resolved into it.
type PendingRequest struct {
	RequestID string          `json:"request_id"`
	IssuedAt  time.Time       `json:"issued_at"`
	Timeout   time.Duration   `json:"timeout"`
	Reply     json.RawMessage `json:"reply,omitempty"`
}

// Resolved reports whether a reply has been recorded.
func (p PendingRequest) Resolved() bool { return p.Reply != nil }

// EffectiveTimeout returns Timeout, or DefaultPendingTimeout when unset.
func (p PendingRequest) EffectiveTimeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultPendingTimeout
	}
	return p.Timeout
}

// Expired reports whether at least the timeout has elapsed since issue.
func (p PendingRequest) Expired(now time.Time) bool {
	return now.Sub(p.IssuedAt) >= p.EffectiveTimeout()
}

// SortPending orders pending requests by issue time, ties broken by request id.
func SortPending(ps []PendingRequest) {
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].IssuedAt.Equal(ps[j].IssuedAt) {
			return ps[i].IssuedAt.Before(ps[j].IssuedAt)
		}
		return ps[i].RequestID < ps[j].RequestID
	})
}

// Store is the contract the streaming transport and dispatcher need from
// session storage: a FIFO outgoing queue and a set of pending nested requests
// per session. Every method must be safe for concurrent use, since replies to
// nested requests arrive on separate HTTP calls while a stream is polling.
//
// Operations against an unknown session id behave as if the session were
// freshly created: enqueue creates it, drain and list return empty.
type Store interface {
	// OpenSession ensures a session exists and refreshes its TTL. An empty id
	// allocates a new one. The effective id is returned.
	OpenSession(ctx context.Context, sessionID string) (string, error)
	// SessionExists reports whether the session currently holds any state.
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	// TerminateSession discards the queue and pending set. Unknown ids are a no-op.
	TerminateSession(ctx context.Context, sessionID string) error

	// EnqueueOutgoing appends an encoded message to the session queue.
	EnqueueOutgoing(ctx context.Context, sessionID string, msg []byte) error
	// DrainOutgoing atomically removes and returns all queued messages in
	// insertion order.
	DrainOutgoing(ctx context.Context, sessionID string) ([][]byte, error)

	// AddPending records a nested request. Returns ErrPendingExists when the id
	// is already pending.
	AddPending(ctx context.Context, sessionID string, p PendingRequest) error
	// ListPending returns a snapshot of pending requests ordered as SortPending.
	ListPending(ctx context.Context, sessionID string) ([]PendingRequest, error)
	// ResolvePending attaches a reply to a pending request. It returns false
	// without error when no such request is pending (late or unknown reply).
	// A second resolve for the same id keeps the first reply.
	ResolvePending(ctx context.Context, sessionID, requestID string, reply []byte) (bool, error)
	// RemovePending atomically removes a pending request and returns it as it
	// was at removal time, reply included. Returns nil when it was not pending,
	// so each entry is handed out exactly once.
	RemovePending(ctx context.Context, sessionID, requestID string) (*PendingRequest, error)
}

// Notifier is optionally implemented by stores that can signal changes to a
// session's queue or pending set. Signals are hints: a missed signal only
// costs the watcher one poll interval.
type Notifier interface {
	// Watch returns a channel that receives a value after each change, and a
	// stop function releasing the subscription.
	Watch(ctx context.Context, sessionID string) (<-chan struct{}, func(), error)
}
