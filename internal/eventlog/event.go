package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// System event types appended by collabd itself.
const (
	TypeResourceUpdated = "resource_updated"
	TypeLeaseAcquired   = "lease_acquired"
	TypeLeaseRenewed    = "lease_renewed"
	TypeLeaseReleased   = "lease_released"
	TypeLeaseReclaimed  = "lease_reclaimed"
)

// Control message types written on the tail stream. They are never stored.
const (
	TypeHeartbeat = "heartbeat"
	TypeLagged    = "lagged"
)

// MaxTypeLength bounds event type names.
const MaxTypeLength = 128

var (
	// ErrInvalidEvent is returned for events rejected before any write.
	ErrInvalidEvent = errors.New("eventlog: invalid event")
	// ErrDurability wraps a failed append. The sequence counter does not
	// advance.
	ErrDurability = errors.New("eventlog: durability failure")
	// ErrCorrupt is returned by Open when a sealed segment is damaged or the
	// sequence has a gap.
	ErrCorrupt = errors.New("eventlog: corrupt log")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("eventlog: closed")
	// ErrLagged ends a subscription whose buffer overflowed. The subscriber
	// reconnects with its last seen seq.
	ErrLagged = errors.New("eventlog: subscriber lagged")
	// ErrCursorAhead is returned when a subscriber asks for a position past
	// the head of the log.
	ErrCursorAhead = errors.New("eventlog: cursor ahead of log")
)

var systemTypes = map[string]struct{}{
	TypeResourceUpdated: {},
	TypeLeaseAcquired:   {},
	TypeLeaseRenewed:    {},
	TypeLeaseReleased:   {},
	TypeLeaseReclaimed:  {},
}

// Target identifies what an event concerns: a resource, a lease, or both.
type Target struct {
	Kind   string `json:"kind,omitempty"`
	ID     string `json:"id,omitempty"`
	LockID string `json:"lock_id,omitempty"`
}

// IsZero reports whether no field is set.
func (t Target) IsZero() bool {
	return t.Kind == "" && t.ID == "" && t.LockID == ""
}

// Event is one immutable log record.
type Event struct {
	Seq     uint64          `json:"seq"`
	TS      time.Time       `json:"ts"`
	Type    string          `json:"type"`
	Actor   string          `json:"actor,omitempty"`
	Target  Target          `json:"target"`
	Details json.RawMessage `json:"details,omitempty"`
}

// IsSystemType reports whether t is appended by collabd itself.
func IsSystemType(t string) bool {
	_, ok := systemTypes[t]
	return ok
}

// ValidateCustom checks an event submitted by a caller. System and control
// types are refused so callers cannot forge lease or resource history.
func ValidateCustom(ev Event) error {
	if err := validateType(ev.Type); err != nil {
		return err
	}
	if IsSystemType(ev.Type) || ev.Type == TypeHeartbeat || ev.Type == TypeLagged {
		return fmt.Errorf("%w: type %q is reserved", ErrInvalidEvent, ev.Type)
	}
	return validateShape(ev)
}

func validate(ev Event) error {
	if err := validateType(ev.Type); err != nil {
		return err
	}
	return validateShape(ev)
}

func validateType(t string) error {
	if t == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}
	if len(t) > MaxTypeLength {
		return fmt.Errorf("%w: type exceeds %d characters", ErrInvalidEvent, MaxTypeLength)
	}
	for _, r := range t {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-', r == ':':
		default:
			return fmt.Errorf("%w: type contains %q", ErrInvalidEvent, r)
		}
	}
	return nil
}

func validateShape(ev Event) error {
	if len(ev.Details) > 0 && !json.Valid(ev.Details) {
		return fmt.Errorf("%w: details must be JSON", ErrInvalidEvent)
	}
	return nil
}
