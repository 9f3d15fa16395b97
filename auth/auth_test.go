package auth_test

import (
	"context"
	"testing"

	"github.com/ggoodman/mcp-streamable-go/auth"
	"github.com/ggoodman/mcp-streamable-go/auth/authtest"
	"github.com/stretchr/testify/require"
)

func TestUserContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, ok := auth.UserFromContext(ctx)
	require.False(t, ok)

	require.Equal(t, ctx, auth.ContextWithUser(ctx, nil))

	tokens := authtest.NewTokens(map[string]authtest.User{
		"t1": {ID: "alice", Extra: map[string]any{"tenant": "acme"}},
	})
	u, err := tokens.CheckAuthentication(ctx, "t1")
	require.NoError(t, err)

	got, ok := auth.UserFromContext(auth.ContextWithUser(ctx, u))
	require.True(t, ok)
	require.Equal(t, "alice", got.UserID())

	var claims struct {
		Sub    string `json:"sub"`
		Tenant string `json:"tenant"`
	}
	require.NoError(t, got.Claims(&claims))
	require.Equal(t, "alice", claims.Sub)
	require.Equal(t, "acme", claims.Tenant)
}

func TestTokensSentinels(t *testing.T) {
	tokens := authtest.NewTokens(map[string]authtest.User{
		"full":    {ID: "a", Scopes: []string{"read", "write"}},
		"partial": {ID: "b", Scopes: []string{"read"}},
	}).Require("read", "write")

	_, err := tokens.CheckAuthentication(context.Background(), "missing")
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	_, err = tokens.CheckAuthentication(context.Background(), "partial")
	require.ErrorIs(t, err, auth.ErrInsufficientScope)

	u, err := tokens.CheckAuthentication(context.Background(), "full")
	require.NoError(t, err)
	require.Equal(t, "a", u.UserID())

	var zero authtest.Tokens
	_, err = zero.CheckAuthentication(context.Background(), "full")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}
