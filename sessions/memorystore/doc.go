// Package memorystore provides an in-memory sessions.Store implementation
// suitable for tests, development, and single-process servers. All state is
// ephemeral and discarded on process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Ordering          : FIFO per session queue
//	Wakeups           : implements sessions.Notifier via buffered channels
//	Expiry            : Sweep / Run discard sessions idle beyond the TTL
//
// Example:
//
//	store := memorystore.New(memorystore.WithTTL(time.Hour))
//	go store.Run(ctx, time.Minute)
//
// For multi-node deployments prefer redisstore.
package memorystore
