package store

import (
	"errors"
	"fmt"

	"github.com/matheus3301/chatrelay/internal/status"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrConflict is returned when a unique key (message_id, username, phone) already exists.
	ErrConflict = errors.New("conflict")
	// ErrNotFound is returned when no row matches the lookup key.
	ErrNotFound = errors.New("not found")
	// ErrTransient marks storage failures that are safe to retry.
	ErrTransient = errors.New("transient storage error")
	// ErrInvalidTransition is returned when a status update would move a message backwards.
	ErrInvalidTransition = status.ErrInvalidTransition
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// classify maps driver errors onto the store's sentinel errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique, se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
	}
	return err
}
