// Package identity verifies bearer tokens and binds them to registered users.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/matheus3301/chatrelay/internal/store"
)

var (
	// ErrUnauthenticated is returned when a credential is missing, malformed,
	// expired, or names a user that does not exist.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnauthorized is returned when a verified identity claims to act as another.
	ErrUnauthorized = errors.New("unauthorized")
)

var usernameRegexp = regexp.MustCompile(`^[a-z0-9_.-]{3,20}$`)

// Identity is a verified user.
type Identity struct {
	Username  string
	ExpiresAt time.Time
}

func (i Identity) String() string { return i.Username }

// Verifier turns a credential into a verified identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// Directory looks registered users up.
type Directory interface {
	GetUser(ctx context.Context, username string) (*store.User, error)
}

// NormalizeUsername trims and lowercases a username.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateUsername checks that name is a normalized, well-formed username.
func ValidateUsername(name string) error {
	if !usernameRegexp.MatchString(name) {
		return fmt.Errorf("invalid username %q: must match %s", name, usernameRegexp)
	}
	return nil
}

// Authorize checks that the identity bound to a connection is the one the
// client claims to act as.
func Authorize(bound Identity, claimed string) error {
	if bound.Username == "" || NormalizeUsername(claimed) != bound.Username {
		return fmt.Errorf("%w: connection is bound to %q, not %q", ErrUnauthorized, bound.Username, claimed)
	}
	return nil
}

// Credential extracts the bearer token from a request: the Authorization
// header first, then the token query parameter used by websocket clients.
func Credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
