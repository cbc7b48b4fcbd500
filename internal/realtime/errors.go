package realtime

import (
	"errors"

	"github.com/matheus3301/chatrelay/internal/identity"
	"github.com/matheus3301/chatrelay/internal/store"
)

var (
	ErrUnauthenticated   = identity.ErrUnauthenticated
	ErrUnauthorized      = identity.ErrUnauthorized
	ErrConflict          = store.ErrConflict
	ErrNotFound          = store.ErrNotFound
	ErrTransient         = store.ErrTransient
	ErrInvalidTransition = store.ErrInvalidTransition

	// ErrInvalidTarget is returned for a message addressed to its own sender.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrBadRequest is returned for malformed event payloads.
	ErrBadRequest = errors.New("bad request")
	// ErrUnknownEvent is returned for event names outside the dispatch table.
	ErrUnknownEvent = errors.New("unknown event")
)

// Code returns the short machine-readable code sent in error events.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid_target"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransient):
		return "unavailable"
	default:
		return "internal"
	}
}
