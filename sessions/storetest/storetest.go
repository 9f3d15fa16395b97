package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-streamable-go/sessions"
	"github.com/stretchr/testify/require"
)

// StoreFactory creates a new Store instance for testing.
type StoreFactory func(t *testing.T) sessions.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Session_OpenAllocatesID", func(t *testing.T) { testOpenAllocatesID(t, factory) })
	t.Run("Session_OpenKeepsExplicitID", func(t *testing.T) { testOpenKeepsExplicitID(t, factory) })
	t.Run("Session_TerminateDiscardsState", func(t *testing.T) { testTerminateDiscardsState(t, factory) })

	t.Run("Outgoing_DrainIsFIFO", func(t *testing.T) { testDrainIsFIFO(t, factory) })
	t.Run("Outgoing_DrainIsExactlyOnce", func(t *testing.T) { testDrainIsExactlyOnce(t, factory) })
	t.Run("Outgoing_IsolationBetweenSessions", func(t *testing.T) { testOutgoingIsolation(t, factory) })
	t.Run("Outgoing_ConcurrentEnqueue", func(t *testing.T) { testConcurrentEnqueue(t, factory) })

	t.Run("Pending_DuplicateRejected", func(t *testing.T) { testPendingDuplicateRejected(t, factory) })
	t.Run("Pending_DeterministicOrder", func(t *testing.T) { testPendingDeterministicOrder(t, factory) })
	t.Run("Pending_ResolveUnknownIsDropped", func(t *testing.T) { testResolveUnknown(t, factory) })
	t.Run("Pending_ResolveKeepsFirstReply", func(t *testing.T) { testResolveKeepsFirstReply(t, factory) })
	t.Run("Pending_RemoveIsExactlyOnce", func(t *testing.T) { testRemoveExactlyOnce(t, factory) })
	t.Run("Pending_ResolveAfterRemoveIsDropped", func(t *testing.T) { testResolveAfterRemove(t, factory) })
	t.Run("Pending_ConcurrentRemoveSingleWinner", func(t *testing.T) { testConcurrentRemove(t, factory) })

	t.Run("Notifier_SignalsOnEnqueueAndResolve", func(t *testing.T) { testNotifier(t, factory) })
}

func newCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func resultMessage(t *testing.T, id int, result string) []byte {
	t.Helper()
	res, err := jsonrpc.NewResultResponse(jsonrpc.NewRequestID(id), result)
	require.NoError(t, err)
	b, err := json.Marshal(res)
	require.NoError(t, err)
	return b
}

// --- Session lifecycle ---

func testOpenAllocatesID(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)

	id1, err := s.OpenSession(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := s.OpenSession(ctx, "")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	ok, err := s.SessionExists(ctx, id1)
	require.NoError(t, err)
	require.True(t, ok)
}

func testOpenKeepsExplicitID(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)

	id, err := s.OpenSession(ctx, "sess-explicit")
	require.NoError(t, err)
	require.Equal(t, "sess-explicit", id)

	// Re-opening is idempotent and keeps queued state.
	require.NoError(t, s.EnqueueOutgoing(ctx, id, []byte(`{"a":1}`)))
	_, err = s.OpenSession(ctx, id)
	require.NoError(t, err)
	msgs, err := s.DrainOutgoing(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func testTerminateDiscardsState(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)

	id, err := s.OpenSession(ctx, "sess-term")
	require.NoError(t, err)
	require.NoError(t, s.EnqueueOutgoing(ctx, id, []byte(`{"a":1}`)))
	require.NoError(t, s.AddPending(ctx, id, sessions.PendingRequest{RequestID: "r1", IssuedAt: time.Now(), Timeout: time.Minute}))

	require.NoError(t, s.TerminateSession(ctx, id))

	ok, err := s.SessionExists(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	msgs, err := s.DrainOutgoing(ctx, id)
	require.NoError(t, err)
	require.Empty(t, msgs)

	pend, err := s.ListPending(ctx, id)
	require.NoError(t, err)
	require.Empty(t, pend)

	// Terminating an unknown session is a no-op.
	require.NoError(t, s.TerminateSession(ctx, "sess-never"))

	// The id behaves as a brand new session afterwards.
	require.NoError(t, s.AddPending(ctx, id, sessions.PendingRequest{RequestID: "r1", IssuedAt: time.Now(), Timeout: time.Minute}))
}

// --- Outgoing queue ---

func testDrainIsFIFO(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id := "sess-fifo"

	want := [][]byte{resultMessage(t, 1, "a"), resultMessage(t, 2, "b"), resultMessage(t, 3, "c")}
	for _, m := range want {
		require.NoError(t, s.EnqueueOutgoing(ctx, id, m))
	}

	got, err := s.DrainOutgoing(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		require.JSONEq(t, string(want[i]), string(got[i]))
	}
}

func testDrainIsExactlyOnce(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id := "sess-once"

	require.NoError(t, s.EnqueueOutgoing(ctx, id, resultMessage(t, 1, "a")))
	first, err := s.DrainOutgoing(ctx, id)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := s.DrainOutgoing(ctx, id)
	require.NoError(t, err)
	require.Empty(t, second)

	require.NoError(t, s.EnqueueOutgoing(ctx, id, resultMessage(t, 2, "b")))
	third, err := s.DrainOutgoing(ctx, id)
	require.NoError(t, err)
	require.Len(t, third, 1)
	require.JSONEq(t, string(resultMessage(t, 2, "b")), string(third[0]))
}

func testOutgoingIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)

	require.NoError(t, s.EnqueueOutgoing(ctx, "sess-iso-a", resultMessage(t, 1, "a")))
	require.NoError(t, s.EnqueueOutgoing(ctx, "sess-iso-b", resultMessage(t, 2, "b")))

	a, err := s.DrainOutgoing(ctx, "sess-iso-a")
	require.NoError(t, err)
	require.Len(t, a, 1)
	require.JSONEq(t, string(resultMessage(t, 1, "a")), string(a[0]))

	b, err := s.DrainOutgoing(ctx, "sess-iso-b")
	require.NoError(t, err)
	require.Len(t, b, 1)
	require.JSONEq(t, string(resultMessage(t, 2, "b")), string(b[0]))
}

func testConcurrentEnqueue(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id := "sess-concurrent"

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = s.EnqueueOutgoing(ctx, id, []byte(fmt.Sprintf(`{"w":%d,"i":%d}`, w, i)))
			}
		}(w)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	drain := func() {
		msgs, err := s.DrainOutgoing(ctx, id)
		require.NoError(t, err)
		mu.Lock()
		for _, m := range msgs {
			seen[string(m)]++
		}
		mu.Unlock()
	}
	for i := 0; i < 10; i++ {
		drain()
	}
	wg.Wait()
	drain()

	require.Len(t, seen, writers*perWriter)
	for m, n := range seen {
		require.Equalf(t, 1, n, "message %s delivered %d times", m, n)
	}
}

// --- Pending requests ---

func testPendingDuplicateRejected(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id := "sess-dup"

	p := sessions.PendingRequest{RequestID: "r1", IssuedAt: time.Now(), Timeout: time.Minute}
	require.NoError(t, s.AddPending(ctx, id, p))
	require.ErrorIs(t, s.AddPending(ctx, id, p), sessions.ErrPendingExists)

	// Same id in another session is fine.
	require.NoError(t, s.AddPending(ctx, "sess-dup-other", p))
}

func testPendingDeterministicOrder(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id := "sess-order"

	base := time.Unix(1700000000, 0)
	require.NoError(t, s.AddPending(ctx, id, sessions.PendingRequest{RequestID: "c", IssuedAt: base.Add(2 * time.Second), Timeout: time.Minute}))
	require.NoError(t, s.AddPending(ctx, id, sessions.PendingRequest{RequestID: "b", IssuedAt: base, Timeout: time.Minute}))
	require.NoError(t, s.AddPending(ctx, id, sessions.PendingRequest{RequestID: "a", IssuedAt: base, Timeout: time.Minute}))

	got, err := s.ListPending(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{got[0].RequestID, got[1].RequestID, got[2].RequestID})
	require.True(t, got[0].IssuedAt.Equal(base))
	require.Equal(t, time.Minute, got[2].Timeout)
	for _, p := range got {
		require.False(t, p.Resolved())
	}
}

func testResolveUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)

	ok, err := s.ResolvePending(ctx, "sess-unknown", "nope", []byte(`{}`))
	require.NoError(t, err)
	require.False(t, ok)
}

func testResolveKeepsFirstReply(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id := "sess-resolve"

	require.NoError(t, s.AddPending(ctx, id, sessions.PendingRequest{RequestID: "r1", IssuedAt: time.Now(), Timeout: time.Minute}))

	first := []byte(`{"jsonrpc":"2.0","id":"r1","result":{"ok":true}}`)
	ok, err := s.ResolvePending(ctx, id, "r1", first)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ResolvePending(ctx, id, "r1", []byte(`{"jsonrpc":"2.0","id":"r1","result":{"ok":false}}`))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.ListPending(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Resolved())
	require.JSONEq(t, string(first), string(got[0].Reply))
}

func testRemoveExactlyOnce(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id := "sess-remove"

	require.NoError(t, s.AddPending(ctx, id, sessions.PendingRequest{RequestID: "r1", IssuedAt: time.Now(), Timeout: 3 * time.Second}))
	reply := []byte(`{"jsonrpc":"2.0","id":"r1","result":1}`)
	_, err := s.ResolvePending(ctx, id, "r1", reply)
	require.NoError(t, err)

	p, err := s.RemovePending(ctx, id, "r1")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "r1", p.RequestID)
	require.Equal(t, 3*time.Second, p.Timeout)
	require.JSONEq(t, string(reply), string(p.Reply))

	again, err := s.RemovePending(ctx, id, "r1")
	require.NoError(t, err)
	require.Nil(t, again)

	left, err := s.ListPending(ctx, id)
	require.NoError(t, err)
	require.Empty(t, left)
}

func testResolveAfterRemove(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id := "sess-late"

	require.NoError(t, s.AddPending(ctx, id, sessions.PendingRequest{RequestID: "r1", IssuedAt: time.Now(), Timeout: time.Second}))
	p, err := s.RemovePending(ctx, id, "r1")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.False(t, p.Resolved())

	ok, err := s.ResolvePending(ctx, id, "r1", []byte(`{"jsonrpc":"2.0","id":"r1","result":1}`))
	require.NoError(t, err)
	require.False(t, ok)
}

func testConcurrentRemove(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id := "sess-race"

	require.NoError(t, s.AddPending(ctx, id, sessions.PendingRequest{RequestID: "r1", IssuedAt: time.Now(), Timeout: time.Second}))

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.RemovePending(ctx, id, "r1")
			if err == nil && p != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, winners)
}

// --- Notifier ---

func testNotifier(t *testing.T, factory StoreFactory) {
	s := factory(t)
	n, ok := s.(sessions.Notifier)
	if !ok {
		t.Skip("store does not implement sessions.Notifier")
	}
	ctx := newCtx(t)
	id := "sess-notify"

	wake, stop, err := n.Watch(ctx, id)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, s.EnqueueOutgoing(ctx, id, []byte(`{"a":1}`)))
	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("no signal after enqueue")
	}

	require.NoError(t, s.AddPending(ctx, id, sessions.PendingRequest{RequestID: "r1", IssuedAt: time.Now(), Timeout: time.Minute}))
	_, err = s.ResolvePending(ctx, id, "r1", []byte(`{"jsonrpc":"2.0","id":"r1","result":1}`))
	require.NoError(t, err)
	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("no signal after resolve")
	}
}
