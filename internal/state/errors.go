package state

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown or deleted resources.
	ErrNotFound = errors.New("state: not found")
	// ErrAlreadyExists is returned by Create when a live resource exists.
	ErrAlreadyExists = errors.New("state: already exists")
	// ErrVersionConflict is returned when the expected version is stale.
	ErrVersionConflict = errors.New("state: version conflict")
	// ErrInvalidName is returned for kinds or ids outside the accepted charset.
	ErrInvalidName = errors.New("state: invalid name")
	// ErrInvalidPayload is returned when a payload is not a JSON document.
	ErrInvalidPayload = errors.New("state: invalid payload")
	// ErrDurability wraps a failed durable write. The in-memory resource is
	// left exactly as it was before the call.
	ErrDurability = errors.New("state: durability failure")
)

// ConflictError reports the version the caller should re-read.
type ConflictError struct {
	Kind     string
	ID       string
	Expected uint64
	Current  uint64
	Deleted  bool
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("state: version conflict on %s/%s: expected %d, current %d", e.Kind, e.ID, e.Expected, e.Current)
}

// Is matches ErrVersionConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}
