// Package sessions defines the storage contract behind the streaming
// transport's sessions.
//
// A session holds two things:
//
//   - an ordered queue of encoded outgoing JSON-RPC messages, drained either
//     into SSE frames or into a synchronous JSON response;
//   - a set of pending nested requests (server → client calls awaiting a
//     reply), keyed by request id.
//
// Both may be mutated by any HTTP call carrying the session id. In particular
// the reply to a nested request arrives on a separate POST and is recorded with
// ResolvePending while another request's stream is polling ListPending.
//
// Implementations
//
//	memorystore : process-local, mutex guarded, clockwork-driven TTL sweeps
//	redisstore  : Redis lists + hashes, Lua for atomic resolve/remove, pub/sub wakeups
//
// Both are validated by the shared conformance suite in sessions/storetest.
package sessions
