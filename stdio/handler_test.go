package stdio_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-streamable-go/auth"
	"github.com/ggoodman/mcp-streamable-go/dispatch"
	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-streamable-go/sessions/memorystore"
	"github.com/ggoodman/mcp-streamable-go/stdio"
	"github.com/ggoodman/mcp-streamable-go/suspend"
	"github.com/stretchr/testify/require"
)

// testHarness wires a Handler to in-memory pipes and collects its output.
type testHarness struct {
	t      *testing.T
	store  *memorystore.Store
	stdinW *io.PipeWriter
	outMu  sync.Mutex
	lines  []string
	done   chan error
}

func newHarness(t *testing.T, opts ...stdio.Option) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	store := memorystore.New()
	d := dispatch.New(store, newRegistry(), dispatch.WithLogger(slog.New(slog.DiscardHandler)))

	base := []stdio.Option{
		stdio.WithIO(inR, outW),
		stdio.WithLogger(slog.New(slog.DiscardHandler)),
		stdio.WithUserProvider(stdio.StaticUser("tester")),
		stdio.WithSessionID("local"),
		stdio.WithPollInterval(2 * time.Millisecond),
	}
	h, err := stdio.NewHandler(store, d, append(base, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, store: store, stdinW: inW, done: make(chan error, 1)}

	go func() {
		th.done <- h.Serve(ctx)
		_ = outW.Close()
	}()

	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			th.t.Logf("OUT: %s", line)
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outR.Close()
	})
	return th
}

func newRegistry() *dispatch.Registry {
	reg := dispatch.NewRegistry()
	reg.HandleRequest("echo", func(ctx context.Context, c *suspend.Caller, params json.RawMessage) (any, error) {
		return params, nil
	})
	reg.HandleRequest("whoami", func(ctx context.Context, c *suspend.Caller, params json.RawMessage) (any, error) {
		u, ok := auth.UserFromContext(ctx)
		if !ok {
			return "anonymous", nil
		}
		return u.UserID(), nil
	})
	reg.HandleRequest("confirm", func(ctx context.Context, c *suspend.Caller, params json.RawMessage) (any, error) {
		if err := c.Notify(ctx, "notifications/message", map[string]string{"text": "asking"}); err != nil {
			return nil, err
		}
		var opts struct {
			TimeoutMS int `json:"timeout_ms"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &opts); err != nil {
				return nil, err
			}
		}
		timeout := 5 * time.Second
		if opts.TimeoutMS > 0 {
			timeout = time.Duration(opts.TimeoutMS) * time.Millisecond
		}
		resp, err := c.Call(ctx, "elicitation/create", map[string]string{"message": "proceed?"}, suspend.WithTimeout(timeout))
		if err != nil {
			return nil, err
		}
		return map[string]json.RawMessage{"answer": resp.Result}, nil
	})
	reg.HandleNotification("notifications/queue", func(ctx context.Context, n dispatch.Notifier, params json.RawMessage) error {
		var count int
		if err := json.Unmarshal(params, &count); err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			if err := n.Notify(ctx, "notifications/message", i); err != nil {
				return err
			}
		}
		return nil
	})
	return reg
}

func (th *testHarness) send(line string) {
	th.t.Helper()
	_, err := io.WriteString(th.stdinW, line+"\n")
	require.NoError(th.t, err)
}

func (th *testHarness) nextLine() string {
	th.t.Helper()
	var line string
	require.Eventually(th.t, func() bool {
		th.outMu.Lock()
		defer th.outMu.Unlock()
		if len(th.lines) == 0 {
			return false
		}
		line = th.lines[0]
		th.lines = th.lines[1:]
		return true
	}, 2*time.Second, time.Millisecond)
	return line
}

func (th *testHarness) requireNoOutput(d time.Duration) {
	th.t.Helper()
	time.Sleep(d)
	th.outMu.Lock()
	defer th.outMu.Unlock()
	require.Empty(th.t, th.lines)
}

func (th *testHarness) expectResponse() *jsonrpc.Response {
	th.t.Helper()
	var msg jsonrpc.AnyMessage
	require.NoError(th.t, json.Unmarshal([]byte(th.nextLine()), &msg))
	require.Equal(th.t, "response", msg.Type())
	return msg.AsResponse()
}

func (th *testHarness) expectRequest() *jsonrpc.Request {
	th.t.Helper()
	var msg jsonrpc.AnyMessage
	require.NoError(th.t, json.Unmarshal([]byte(th.nextLine()), &msg))
	require.NotEqual(th.t, "response", msg.Type())
	return msg.AsRequest()
}

func TestSynchronousRequest(t *testing.T) {
	th := newHarness(t)
	th.send(`{"jsonrpc":"2.0","id":1,"method":"echo","params":{"x":1}}`)

	resp := th.expectResponse()
	require.Equal(t, "1", resp.ID.String())
	require.JSONEq(t, `{"x":1}`, string(resp.Result))
}

func TestInitializeAndPing(t *testing.T) {
	th := newHarness(t)
	th.send(`{"jsonrpc":"2.0","id":"init","method":"initialize","params":{}}`)
	var res dispatch.InitializeResult
	require.NoError(t, json.Unmarshal(th.expectResponse().Result, &res))
	require.Equal(t, dispatch.DefaultProtocolVersion, res.ProtocolVersion)

	th.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	th.send(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	resp := th.expectResponse()
	require.Equal(t, "2", resp.ID.String())
	require.JSONEq(t, `{}`, string(resp.Result))
}

func TestLocalUserIsAttached(t *testing.T) {
	th := newHarness(t)
	th.send(`{"jsonrpc":"2.0","id":1,"method":"whoami"}`)
	require.JSONEq(t, `"tester"`, string(th.expectResponse().Result))
}

func TestParseErrorIsWritten(t *testing.T) {
	th := newHarness(t)
	th.send(`{not json`)
	resp := th.expectResponse()
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.ErrorCodeParseError, resp.Error.Code)
}

func TestNotificationFlushesQueue(t *testing.T) {
	th := newHarness(t)
	th.send(`{"jsonrpc":"2.0","method":"notifications/queue","params":2}`)

	for i := 0; i < 2; i++ {
		n := th.expectRequest()
		require.Equal(t, "notifications/message", n.Method)
		require.JSONEq(t, fmt.Sprint(i), string(n.Params))
	}
}

func TestNestedRoundTrip(t *testing.T) {
	th := newHarness(t)
	th.send(`{"jsonrpc":"2.0","id":7,"method":"confirm"}`)

	note := th.expectRequest()
	require.Equal(t, "notifications/message", note.Method)
	nested := th.expectRequest()
	require.Equal(t, "elicitation/create", nested.Method)
	require.False(t, nested.ID.IsNil())

	th.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{"action":"accept"}}`, nested.ID.String()))

	resp := th.expectResponse()
	require.Equal(t, "7", resp.ID.String())
	require.JSONEq(t, `{"answer":{"action":"accept"}}`, string(resp.Result))

	pending, err := th.store.ListPending(context.Background(), "local")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestNestedTimeout(t *testing.T) {
	th := newHarness(t)
	th.send(`{"jsonrpc":"2.0","id":1,"method":"confirm","params":{"timeout_ms":10}}`)
	th.expectRequest()
	nested := th.expectRequest()

	resp := th.expectResponse()
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.ErrorCodeInternalError, resp.Error.Code)
	require.Equal(t, jsonrpc.MessageRequestTimedOut, resp.Error.Message)

	// The reply arrives too late and is dropped without output.
	th.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{}}`, nested.ID.String()))
	th.requireNoOutput(20 * time.Millisecond)
}

func TestRequestsWaitForSuspendedUnit(t *testing.T) {
	th := newHarness(t)
	th.send(`{"jsonrpc":"2.0","id":1,"method":"confirm"}`)
	th.expectRequest()
	nested := th.expectRequest()

	th.send(`{"jsonrpc":"2.0","id":2,"method":"echo","params":"later"}`)
	th.requireNoOutput(20 * time.Millisecond)

	th.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{"action":"accept"}}`, nested.ID.String()))
	require.Equal(t, "1", th.expectResponse().ID.String())
	second := th.expectResponse()
	require.Equal(t, "2", second.ID.String())
	require.JSONEq(t, `"later"`, string(second.Result))
}

func TestEOFEndsServeAndTerminatesSession(t *testing.T) {
	th := newHarness(t)
	th.send(`{"jsonrpc":"2.0","id":1,"method":"confirm"}`)
	th.expectRequest()
	th.expectRequest()

	require.NoError(t, th.stdinW.Close())
	select {
	case err := <-th.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after EOF")
	}

	ok, err := th.store.SessionExists(context.Background(), "local")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestServeOnlyOnce(t *testing.T) {
	store := memorystore.New()
	h, err := stdio.NewHandler(store, dispatch.New(store, nil),
		stdio.WithIO(strings.NewReader(""), io.Discard),
		stdio.WithUserProvider(stdio.StaticUser("u")),
		stdio.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	require.NoError(t, h.Serve(context.Background()))
	require.ErrorIs(t, h.Serve(context.Background()), stdio.ErrAlreadyServed)
}

func TestNewHandlerRequiresCollaborators(t *testing.T) {
	_, err := stdio.NewHandler(nil, dispatch.New(memorystore.New(), nil))
	require.Error(t, err)
	_, err = stdio.NewHandler(memorystore.New(), nil)
	require.Error(t, err)
}

type failingUser struct{}

func (failingUser) CurrentUserID() (string, error) { return "", io.ErrUnexpectedEOF }

func TestUserProviderFailureFallsBackToAnonymous(t *testing.T) {
	th := newHarness(t, stdio.WithUserProvider(failingUser{}))
	th.send(`{"jsonrpc":"2.0","id":1,"method":"whoami"}`)
	require.JSONEq(t, `"anonymous"`, string(th.expectResponse().Result))
}
