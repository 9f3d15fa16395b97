package dispatch

import "context"

type protocolVersionKey struct{}

// ContextWithProtocolVersion records the protocol version the client sent on
// the current exchange. The transport sets it; handlers may read it.
func ContextWithProtocolVersion(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, protocolVersionKey{}, v)
}

// ProtocolVersionFromContext returns the client's protocol version header, or
// "" when the client did not send one.
func ProtocolVersionFromContext(ctx context.Context) string {
	v, _ := ctx.Value(protocolVersionKey{}).(string)
	return v
}
