package stdio

import (
	"encoding/json"
	"os/user"

	"github.com/ggoodman/mcp-streamable-go/auth"
)

// UserProvider provides a string user ID to associate with the stdio peer.
// No bearer token is exchanged over stdio.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider resolves the user ID using the operating system's current user.
// The returned ID is user.Username when available; falling back to user.Uid.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// StaticUser always reports the same id.
type StaticUser string

func (s StaticUser) CurrentUserID() (string, error) { return string(s), nil }

// localUser is the principal attached to every dispatch.
type localUser struct {
	id string
}

var _ auth.UserInfo = localUser{}

func (u localUser) UserID() string { return u.id }

func (u localUser) Claims(ref any) error {
	b, err := json.Marshal(map[string]any{"sub": u.id})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
