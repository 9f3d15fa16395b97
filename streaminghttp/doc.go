// Package streaminghttp implements the streaming HTTP transport. It mounts
// as a standard net/http handler on a single path and carries JSON-RPC in
// one of three delivery modes per POST:
//
//   - a synchronous JSON reply (200) when the handler completes immediately
//   - an acknowledgement (202), or the queued messages (200), for
//     notifications
//   - a bare acknowledgement (202) for client replies, whose queued
//     follow-ups stay on the stream that is waiting for them
//   - a Server-Sent Events stream when the handler suspends on a nested
//     request back to the client
//
// # Driver Loop
//
// A suspended handler is a suspend.Unit owned by the request goroutine. Each
// pass of the driver loop drains the session's outgoing queue into SSE frames
// (one "message" event per queued message, flushed individually), then looks
// at the oldest pending nested request:
//
//   - no pending requests: resume the unit with no value
//   - first entry answered: remove it and resume with the reply
//   - first entry past its timeout: remove it and resume with an internal
//     error "Request timed out" carrying the nested request id
//   - otherwise: back off for the poll interval
//
// At most one resume happens per pass. When the unit terminates its final
// value becomes the closing frame. Stores implementing sessions.Notifier cut
// the backoff short when a message is queued or a reply lands.
//
// Only one unit may be active per open stream. Two concurrent suspending
// POSTs against the same session share one pending set and are not
// arbitrated.
//
// # Verbs
//
//	OPTIONS  204 with CORS headers
//	POST     see above
//	DELETE   terminates the session named by Mcp-Session-Id (400 if absent)
//	other    405 with a JSON-RPC error body
//
// Every response, including errors, carries the configured CORS headers.
//
// Example:
//
//	store := memorystore.New()
//	h, err := streaminghttp.New(store, dispatch.New(store, registry))
//	if err != nil { log.Fatal(err) }
//	http.Handle("/mcp", h)
package streaminghttp
