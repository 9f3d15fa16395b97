// Package redisstore implements sessions.Store on Redis so that the reply to a
// nested request can land on any node while another node's stream polls for
// it.
//
// Design Notes
//   - Outgoing queue: one list per session; RPUSH to enqueue, MULTI/EXEC of
//     LRANGE + DEL to drain atomically
//   - Pending set: hash of request id → issue time/timeout; replies in a sibling
//     hash so payload bytes are never re-encoded
//   - Resolve/remove: Lua scripts so a reply and a timeout can never both claim
//     the same entry
//   - Wakeups: PUBLISH on enqueue/resolve; Watch subscribes (sessions.Notifier)
//   - Expiry: every key carries the session TTL, refreshed by OpenSession
//
// Example:
//
//	store, _ := redisstore.New(ctx, redisstore.Config{RedisAddr: "localhost:6379"})
//	defer store.Close()
//
// Use memorystore for single-process deployments.
package redisstore
