// Package stdio runs the same dispatcher as the streaming HTTP transport over
// a single stdin/stdout connection. It is meant for embedding a server as a
// subprocess.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user (implicit principal)
//	Sessions         : one implicit session for the life of Serve
//	Framing          : newline-delimited JSON-RPC
//
// Messages queued on the session are written to stdout as they appear.
// A handler that suspends on a nested request is driven the same way the
// HTTP transport drives an SSE stream: the reply read from stdin resolves the
// pending entry and resumes the unit, and a missing reply times out. Only one
// unit runs at a time; requests arriving while one is suspended wait their
// turn, while replies and notifications are handled immediately.
//
// Example:
//
//	store := memorystore.New()
//	d := dispatch.New(store, echo.NewRegistry())
//	h, err := stdio.NewHandler(store, d)
//	if err != nil { log.Fatal(err) }
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
package stdio
