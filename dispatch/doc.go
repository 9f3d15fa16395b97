// Package dispatch turns an inbound JSON-RPC message into an Outcome for the
// streaming transport.
//
// Requests are looked up in an explicit Registry and executed inside a
// suspend.Unit. A handler that never issues a nested request completes during
// Dispatch and its response is returned as Outcome.Payload. A handler that
// calls Caller.Call parks, and the unit is handed back as Outcome.Unit for the
// transport to drive over SSE.
//
// Client responses are matched to pending nested requests by id and recorded
// with sessions.Store.ResolvePending. Replies for requests that already timed
// out are dropped and logged as pending.resolve.miss. Either way the Outcome
// carries Ack so the transport answers 202 and leaves the queue to the stream.
//
// initialize and ping are built in. Batches are not supported.
package dispatch
