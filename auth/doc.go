// Package auth holds the bearer-token contract used by the streaming HTTP
// transport. An Authenticator validates the token string taken from the
// Authorization header and returns a UserInfo; the transport maps the
// sentinel errors onto HTTP challenges:
//
//	ErrUnauthorized       401 with error="invalid_token"
//	ErrInsufficientScope  403 with error="insufficient_scope"
//	anything else         500
//
// On success the principal is attached to the request context and is
// available to dispatch handlers through UserFromContext.
//
// Package jwtauth provides JWT implementations backed by a shared secret or
// a remote JWKS. Package authtest provides a fixed token table for tests and
// local development.
package auth
