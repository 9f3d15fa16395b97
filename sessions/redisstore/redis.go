package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-streamable-go/sessions"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
	// TTL is the idle lifetime of a session's keys. ENV: SESSIONS_TTL
	TTL time.Duration `env:"SESSIONS_TTL,default=1h"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	log       *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger overrides the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New dials Redis at cfg.RedisAddr and verifies connectivity.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg, opts...), nil
}

// NewWithClient wraps an existing client. The Store takes ownership and
// closes it on Close.
func NewWithClient(cl *redis.Client, cfg Config, opts ...Option) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:sessions:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = sessions.DefaultTTL
	}
	s := &Store{client: cl, keyPrefix: prefix, ttl: ttl, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context, opts ...Option) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis store config: %w", err)
	}
	return New(ctx, cfg, opts...)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// --- Key helpers ---

func (s *Store) metaKey(sessionID string) string    { return s.keyPrefix + "meta:" + sessionID }
func (s *Store) queueKey(sessionID string) string   { return s.keyPrefix + "queue:" + sessionID }
func (s *Store) pendingKey(sessionID string) string { return s.keyPrefix + "pending:" + sessionID }
func (s *Store) replyKey(sessionID string) string   { return s.keyPrefix + "reply:" + sessionID }
func (s *Store) notifyChannel(sessionID string) string {
	return s.keyPrefix + "notify:" + sessionID
}

func (s *Store) sessionKeys(sessionID string) []string {
	return []string{s.metaKey(sessionID), s.queueKey(sessionID), s.pendingKey(sessionID), s.replyKey(sessionID)}
}

// --- Session lifecycle ---

func (s *Store) OpenSession(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSetNX(ctx, s.metaKey(sessionID), "created_at", time.Now().UTC().Format(time.RFC3339Nano))
		for _, k := range s.sessionKeys(sessionID) {
			p.Expire(ctx, k, s.ttl)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	return sessionID, nil
}

func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.sessionKeys(sessionID)...).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) TerminateSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	if err := s.client.Del(c, s.sessionKeys(sessionID)...).Err(); err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	s.publish(c, sessionID)
	return nil
}

// --- Outgoing queue via Redis lists ---

func (s *Store) EnqueueOutgoing(ctx context.Context, sessionID string, msg []byte) error {
	if sessionID == "" {
		return sessions.ErrInvalidSessionID
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, s.queueKey(sessionID), msg)
		p.Expire(ctx, s.queueKey(sessionID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue outgoing: %w", err)
	}
	s.publish(ctx, sessionID)
	return nil
}

func (s *Store) DrainOutgoing(ctx context.Context, sessionID string) ([][]byte, error) {
	var rng *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		rng = p.LRange(ctx, s.queueKey(sessionID), 0, -1)
		p.Del(ctx, s.queueKey(sessionID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain outgoing: %w", err)
	}
	vals := rng.Val()
	if len(vals) == 0 {
		return nil, nil
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// --- Pending requests via hashes + Lua for atomicity ---

// pendingRecord is the hash value stored per request id. The reply lives in a
// sibling hash so it is stored byte-for-byte.
type pendingRecord struct {
	IssuedAt int64 `json:"issued_at_ns"`
	Timeout  int64 `json:"timeout_ns"`
}

func encodePending(p sessions.PendingRequest) ([]byte, error) {
	return json.Marshal(pendingRecord{IssuedAt: p.IssuedAt.UnixNano(), Timeout: int64(p.Timeout)})
}

func decodePending(requestID string, raw string) (sessions.PendingRequest, error) {
	var rec pendingRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return sessions.PendingRequest{}, fmt.Errorf("decode pending %q: %w", requestID, err)
	}
	return sessions.PendingRequest{
		RequestID: requestID,
		IssuedAt:  time.Unix(0, rec.IssuedAt),
		Timeout:   time.Duration(rec.Timeout),
	}, nil
}

func (s *Store) AddPending(ctx context.Context, sessionID string, p sessions.PendingRequest) error {
	if sessionID == "" {
		return sessions.ErrInvalidSessionID
	}
	rec, err := encodePending(p)
	if err != nil {
		return err
	}
	var added *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pl redis.Pipeliner) error {
		added = pl.HSetNX(ctx, s.pendingKey(sessionID), p.RequestID, rec)
		pl.Expire(ctx, s.pendingKey(sessionID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add pending: %w", err)
	}
	if !added.Val() {
		return sessions.ErrPendingExists
	}
	return nil
}

func (s *Store) ListPending(ctx context.Context, sessionID string) ([]sessions.PendingRequest, error) {
	var pend, replies *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		pend = p.HGetAll(ctx, s.pendingKey(sessionID))
		replies = p.HGetAll(ctx, s.replyKey(sessionID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	if len(pend.Val()) == 0 {
		return nil, nil
	}
	rmap := replies.Val()
	out := make([]sessions.PendingRequest, 0, len(pend.Val()))
	for id, raw := range pend.Val() {
		p, err := decodePending(id, raw)
		if err != nil {
			return nil, err
		}
		if r, ok := rmap[id]; ok {
			p.Reply = json.RawMessage(r)
		}
		out = append(out, p)
	}
	sessions.SortPending(out)
	return out, nil
}

var resolveScript = redis.NewScript(`
local pending = KEYS[1]
local replies = KEYS[2]
local id = ARGV[1]
if redis.call('HEXISTS', pending, id) == 1 then
  redis.call('HSETNX', replies, id, ARGV[2])
  redis.call('EXPIRE', replies, ARGV[3])
  return 1
end
return 0
`)

func (s *Store) ResolvePending(ctx context.Context, sessionID, requestID string, reply []byte) (bool, error) {
	keys := []string{s.pendingKey(sessionID), s.replyKey(sessionID)}
	res, err := resolveScript.Run(ctx, s.client, keys, requestID, reply, int64(s.ttl/time.Second)).Int()
	if err != nil {
		return false, fmt.Errorf("resolve pending: %w", err)
	}
	if res == 1 {
		s.publish(ctx, sessionID)
	}
	return res == 1, nil
}

var removeScript = redis.NewScript(`
local pending = KEYS[1]
local replies = KEYS[2]
local id = ARGV[1]
local rec = redis.call('HGET', pending, id)
if not rec then
  return false
end
local reply = redis.call('HGET', replies, id)
redis.call('HDEL', pending, id)
redis.call('HDEL', replies, id)
if reply then
  return {rec, reply}
end
return {rec}
`)

func (s *Store) RemovePending(ctx context.Context, sessionID, requestID string) (*sessions.PendingRequest, error) {
	keys := []string{s.pendingKey(sessionID), s.replyKey(sessionID)}
	vals, err := removeScript.Run(ctx, s.client, keys, requestID).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("remove pending: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	p, err := decodePending(requestID, vals[0])
	if err != nil {
		return nil, err
	}
	if len(vals) > 1 {
		p.Reply = json.RawMessage(vals[1])
	}
	return &p, nil
}

// --- Notifier via pub/sub ---

func (s *Store) publish(ctx context.Context, sessionID string) {
	if err := s.client.Publish(ctx, s.notifyChannel(sessionID), "1").Err(); err != nil {
		s.log.DebugContext(ctx, "redisstore.publish.fail", slog.String("err", err.Error()))
	}
}

// Watch implements sessions.Notifier.
func (s *Store) Watch(ctx context.Context, sessionID string) (<-chan struct{}, func(), error) {
	ps := s.client.Subscribe(ctx, s.notifyChannel(sessionID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, stop, nil
}

var (
	_ sessions.Store    = (*Store)(nil)
	_ sessions.Notifier = (*Store)(nil)
)
