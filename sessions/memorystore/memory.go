package memorystore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-streamable-go/sessions"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Store is an in-memory implementation of sessions.Store.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*sessionData

	clock clockwork.Clock
	ttl   time.Duration
	log   *slog.Logger
}

type sessionData struct {
	outgoing [][]byte
	pending  map[string]*sessions.PendingRequest
	watchers map[chan struct{}]struct{}
	lastSeen time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used for TTL bookkeeping.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithTTL sets the idle lifetime after which Sweep discards a session.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger overrides the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*sessionData),
		clock:    clockwork.NewRealClock(),
		ttl:      sessions.DefaultTTL,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Session lifecycle ---

func (s *Store) OpenSession(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s.mu.Lock()
	sd := s.ensureLocked(sessionID)
	sd.lastSeen = s.clock.Now()
	s.mu.Unlock()
	return sessionID, nil
}

func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok, nil
}

func (s *Store) TerminateSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sd, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
		sd.signalLocked()
	}
	s.mu.Unlock()
	return nil
}

// --- Outgoing queue ---

func (s *Store) EnqueueOutgoing(ctx context.Context, sessionID string, msg []byte) error {
	if sessionID == "" {
		return sessions.ErrInvalidSessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sd := s.ensureLocked(sessionID)
	sd.outgoing = append(sd.outgoing, append([]byte(nil), msg...))
	sd.signalLocked()
	return nil
}

func (s *Store) DrainOutgoing(ctx context.Context, sessionID string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.sessions[sessionID]
	if !ok || len(sd.outgoing) == 0 {
		return nil, nil
	}
	out := sd.outgoing
	sd.outgoing = nil
	return out, nil
}

// --- Pending nested requests ---

func (s *Store) AddPending(ctx context.Context, sessionID string, p sessions.PendingRequest) error {
	if sessionID == "" {
		return sessions.ErrInvalidSessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sd := s.ensureLocked(sessionID)
	if _, exists := sd.pending[p.RequestID]; exists {
		return sessions.ErrPendingExists
	}
	cp := p
	cp.Reply = nil
	sd.pending[p.RequestID] = &cp
	return nil
}

func (s *Store) ListPending(ctx context.Context, sessionID string) ([]sessions.PendingRequest, error) {
	s.mu.Lock()
	sd, ok := s.sessions[sessionID]
	if !ok || len(sd.pending) == 0 {
		s.mu.Unlock()
		return nil, nil
	}
	out := make([]sessions.PendingRequest, 0, len(sd.pending))
	for _, p := range sd.pending {
		out = append(out, *p)
	}
	s.mu.Unlock()

	sessions.SortPending(out)
	return out, nil
}

func (s *Store) ResolvePending(ctx context.Context, sessionID, requestID string, reply []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}
	p, ok := sd.pending[requestID]
	if !ok {
		return false, nil
	}
	if p.Reply == nil {
		p.Reply = append([]byte(nil), reply...)
	}
	sd.signalLocked()
	return true, nil
}

func (s *Store) RemovePending(ctx context.Context, sessionID, requestID string) (*sessions.PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	p, ok := sd.pending[requestID]
	if !ok {
		return nil, nil
	}
	delete(sd.pending, requestID)
	return p, nil
}

// --- Notifier ---

// Watch implements sessions.Notifier.
func (s *Store) Watch(ctx context.Context, sessionID string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	sd := s.ensureLocked(sessionID)
	sd.watchers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.mu.Lock()
			if cur, ok := s.sessions[sessionID]; ok {
				delete(cur.watchers, ch)
			}
			s.mu.Unlock()
		})
	}
	return ch, stop, nil
}

// --- Expiry ---

// Sweep discards sessions idle for longer than the TTL and returns how many
// were removed.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sd := range s.sessions {
		if now.Sub(sd.lastSeen) >= s.ttl {
			delete(s.sessions, id)
			sd.signalLocked()
			n++
		}
	}
	if n > 0 {
		s.log.DebugContext(ctx, "memorystore.sweep", slog.Int("expired", n))
	}
	return n
}

// Run sweeps expired sessions every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			s.Sweep(ctx)
		}
	}
}

func (s *Store) ensureLocked(sessionID string) *sessionData {
	sd, ok := s.sessions[sessionID]
	if !ok {
		sd = &sessionData{
			pending:  make(map[string]*sessions.PendingRequest),
			watchers: make(map[chan struct{}]struct{}),
			lastSeen: s.clock.Now(),
		}
		s.sessions[sessionID] = sd
	}
	return sd
}

func (sd *sessionData) signalLocked() {
	for ch := range sd.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

var (
	_ sessions.Store    = (*Store)(nil)
	_ sessions.Notifier = (*Store)(nil)
)
