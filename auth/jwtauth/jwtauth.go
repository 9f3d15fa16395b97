// Package jwtauth validates JWT bearer tokens for the streaming HTTP
// transport. Keys come either from a shared HMAC secret or from a remote JWKS
// that is refreshed in the background.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/ggoodman/mcp-streamable-go/auth"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls token validation. Empty Issuer and Audiences disable the
// corresponding checks.
type Config struct {
	Issuer string
	// Audiences lists accepted aud values; a token must carry at least one.
	Audiences []string
	// RequiredScopes must all appear in the space-delimited scope claim.
	RequiredScopes []string
	AllowedAlgs    []string
	Leeway         time.Duration
}

// DefaultLeeway is the clock skew tolerance applied when Config.Leeway is zero.
const DefaultLeeway = 60 * time.Second

// Authenticator implements auth.Authenticator over a jwt.Keyfunc.
type Authenticator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// NewHMAC validates tokens signed with a shared secret. AllowedAlgs defaults
// to HS256 and may only name HMAC algorithms.
func NewHMAC(secret []byte, cfg Config) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{jwt.SigningMethodHS256.Alg()}
	}
	for _, alg := range cfg.AllowedAlgs {
		if _, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("alg %s is not an HMAC algorithm", alg)
		}
	}
	key := slices.Clone(secret)
	return newAuthenticator(cfg, func(t *jwt.Token) (any, error) {
		return key, nil
	}), nil
}

// NewJWKS validates tokens against the key set served at jwksURL. The set is
// fetched once up front and refreshed until ctx is done. AllowedAlgs
// defaults to RS256.
func NewJWKS(ctx context.Context, jwksURL string, cfg Config) (*Authenticator, error) {
	if jwksURL == "" {
		return nil, errors.New("jwks url is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{jwt.SigningMethodRS256.Alg()}
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newAuthenticator(cfg, kf.Keyfunc), nil
}

func newAuthenticator(cfg Config, kf jwt.Keyfunc) *Authenticator {
	if cfg.Leeway == 0 {
		cfg.Leeway = DefaultLeeway
	}
	return &Authenticator{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf(t)
		},
	}
}

// CheckAuthentication implements auth.Authenticator.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", auth.ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", auth.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	if len(a.cfg.Audiences) > 0 {
		aud, err := claims.GetAudience()
		if err != nil || !slices.ContainsFunc(aud, func(s string) bool { return slices.Contains(a.cfg.Audiences, s) }) {
			return nil, fmt.Errorf("%w: audience mismatch", auth.ErrUnauthorized)
		}
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", auth.ErrUnauthorized)
	}

	if len(a.cfg.RequiredScopes) > 0 {
		scope, _ := claims["scope"].(string)
		have := strings.Fields(scope)
		for _, want := range a.cfg.RequiredScopes {
			if !slices.Contains(have, want) {
				return nil, fmt.Errorf("%w: missing %s", auth.ErrInsufficientScope, want)
			}
		}
	}

	return &userInfo{sub: sub, claims: claims}, nil
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.Authenticator = (*Authenticator)(nil)
