package status

import (
	"errors"
	"fmt"
	"slices"
)

// Status is the delivery state of a single message.
type Status string

const (
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
)

// ErrInvalidTransition is returned when a status change would move a message backwards.
var ErrInvalidTransition = errors.New("invalid status transition")

// validTransitions defines allowed forward moves. Read and Failed are terminal.
var validTransitions = map[Status][]Status{
	Sent:      {Delivered, Read, Failed},
	Delivered: {Read, Failed},
	Read:      {},
	Failed:    {},
}

// Parse validates a raw status string.
func Parse(s string) (Status, error) {
	st := Status(s)
	if _, ok := validTransitions[st]; !ok {
		return "", fmt.Errorf("unknown message status %q", s)
	}
	return st, nil
}

// CanTransition reports whether a message in state from may move to state to.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Check returns nil when from→to is allowed or a no-op, ErrInvalidTransition otherwise.
func Check(from, to Status) error {
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
