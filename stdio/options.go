package stdio

import (
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithUserProvider overrides the user provider used for authless identification.
func WithUserProvider(up UserProvider) Option {
	return func(h *Handler) {
		if up != nil {
			h.userProvider = up
		}
	}
}

// WithSessionID pins the implicit session id. By default the store allocates one.
func WithSessionID(id string) Option {
	return func(h *Handler) { h.sessionID = id }
}

// WithPollInterval sets how often a suspended unit's pending request is
// checked for its timeout.
func WithPollInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.poll = d
		}
	}
}

// WithClock overrides the clock used for pending timeouts.
func WithClock(c clockwork.Clock) Option {
	return func(h *Handler) {
		if c != nil {
			h.clock = c
		}
	}
}
