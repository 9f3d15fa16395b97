package suspend

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/stretchr/testify/require"
)

func TestSynchronousHandlerTerminatesOnStart(t *testing.T) {
	u := New(func(ctx context.Context, c *Caller) (any, error) {
		return "done", nil
	}, nil)

	require.Equal(t, Running, u.State())
	y := u.Start(context.Background())
	require.Nil(t, y)
	require.Equal(t, Terminated, u.State())
	require.False(t, u.IsSuspended())

	res, err := u.Result()
	require.NoError(t, err)
	require.Equal(t, "done", res)
}

func TestCallSuspendsUntilResumed(t *testing.T) {
	var afterCall atomic.Bool
	u := New(func(ctx context.Context, c *Caller) (any, error) {
		resp, err := c.Call(ctx, "sampling/createMessage", map[string]any{"q": 1}, WithTimeout(5*time.Second))
		afterCall.Store(true)
		if err != nil {
			return nil, err
		}
		return string(resp.Result), nil
	}, nil)

	y := u.Start(context.Background())
	require.NotNil(t, y)
	require.NotNil(t, y.Request)
	require.Equal(t, "sampling/createMessage", y.Request.Method)
	require.Equal(t, 5*time.Second, y.Timeout)
	require.NotEmpty(t, y.RequestID())
	require.True(t, u.IsSuspended())
	require.Same(t, y, u.Awaiting())
	require.False(t, afterCall.Load())

	_, err := u.Result()
	require.Error(t, err)

	reply, err := jsonrpc.NewResultResponse(y.Request.ID, "ok")
	require.NoError(t, err)
	next := u.Resume(reply)
	require.Nil(t, next)
	require.True(t, afterCall.Load())

	res, err := u.Result()
	require.NoError(t, err)
	require.Equal(t, `"ok"`, res)
}

func TestTimeoutErrorIsDeliveredIntoHandler(t *testing.T) {
	var got error
	u := New(func(ctx context.Context, c *Caller) (any, error) {
		_, err := c.Call(ctx, "elicitation/create", nil)
		got = err
		return "recovered", nil
	}, nil)

	y := u.Start(context.Background())
	require.NotNil(t, y)
	u.Resume(jsonrpc.TimeoutResponse(y.Request.ID))

	rpcErr, ok := jsonrpc.AsError(got)
	require.True(t, ok)
	require.Equal(t, jsonrpc.ErrorCodeInternalError, rpcErr.Code)
	require.Equal(t, jsonrpc.MessageRequestTimedOut, rpcErr.Message)

	res, err := u.Result()
	require.NoError(t, err)
	require.Equal(t, "recovered", res)
}

func TestResumeWithoutValueAbandonsCall(t *testing.T) {
	u := New(func(ctx context.Context, c *Caller) (any, error) {
		_, err := c.Call(ctx, "roots/list", nil)
		return nil, err
	}, nil)

	require.NotNil(t, u.Start(context.Background()))
	require.Nil(t, u.Resume(nil))
	_, err := u.Result()
	require.ErrorIs(t, err, ErrAbandoned)
}

func TestMultipleYieldsInSequence(t *testing.T) {
	u := New(func(ctx context.Context, c *Caller) (any, error) {
		total := 0
		for i := 0; i < 3; i++ {
			if _, err := c.Call(ctx, "ask", i); err != nil {
				return nil, err
			}
			total++
		}
		if err := c.Yield(ctx); err != nil {
			return nil, err
		}
		return total, nil
	}, nil)

	y := u.Start(context.Background())
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		require.NotNil(t, y)
		require.NotNil(t, y.Request)
		require.False(t, seen[y.RequestID()], "request ids must be unique")
		seen[y.RequestID()] = true
		reply, err := jsonrpc.NewResultResponse(y.Request.ID, i)
		require.NoError(t, err)
		y = u.Resume(reply)
	}

	require.NotNil(t, y)
	require.Nil(t, y.Request)
	require.Equal(t, "", y.RequestID())
	require.Nil(t, u.Resume(nil))

	res, err := u.Result()
	require.NoError(t, err)
	require.Equal(t, 3, res)
}

func TestTerminatedUnitIsNeverResumed(t *testing.T) {
	var runs atomic.Int32
	u := New(func(ctx context.Context, c *Caller) (any, error) {
		runs.Add(1)
		return nil, errors.New("boom")
	}, nil)

	require.Nil(t, u.Start(context.Background()))
	require.Nil(t, u.Resume(nil))
	require.Equal(t, Terminated, u.State())
	require.EqualValues(t, 1, runs.Load())

	_, err := u.Result()
	require.EqualError(t, err, "boom")
}

func TestPanicTerminatesWithError(t *testing.T) {
	u := New(func(ctx context.Context, c *Caller) (any, error) {
		panic("kaboom")
	}, nil)

	require.Nil(t, u.Start(context.Background()))
	_, err := u.Result()
	require.ErrorContains(t, err, "kaboom")
}

func TestCloseReleasesParkedHandler(t *testing.T) {
	u := New(func(ctx context.Context, c *Caller) (any, error) {
		_, err := c.Call(ctx, "ask", nil)
		return nil, err
	}, nil)

	require.NotNil(t, u.Start(context.Background()))
	u.Close()

	require.Eventually(t, func() bool { return u.State() == Terminated }, time.Second, time.Millisecond)
	_, err := u.Result()
	require.ErrorIs(t, err, ErrTerminated)
}

func TestNotifyUsesOutbox(t *testing.T) {
	var sent []*jsonrpc.Request
	outbox := OutboxFunc(func(ctx context.Context, msg *jsonrpc.Request) error {
		sent = append(sent, msg)
		return nil
	})
	u := New(func(ctx context.Context, c *Caller) (any, error) {
		if err := c.Notify(ctx, "notifications/progress", map[string]int{"progress": 1}); err != nil {
			return nil, err
		}
		return nil, nil
	}, outbox)

	require.Nil(t, u.Start(context.Background()))
	_, err := u.Result()
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.Equal(t, "notifications/progress", sent[0].Method)
	require.True(t, sent[0].ID.IsNil())
}

func TestNotifyWithoutOutboxFails(t *testing.T) {
	u := New(func(ctx context.Context, c *Caller) (any, error) {
		return nil, c.Notify(ctx, "x", nil)
	}, nil)
	u.Start(context.Background())
	_, err := u.Result()
	require.Error(t, err)
}
