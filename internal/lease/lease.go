package lease

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind is the reserved state kind that holds lease records.
const Kind = "_leases"

// MaxHolderLength bounds the holder string.
const MaxHolderLength = 256

var (
	// ErrNotFound is returned for unknown, released or reclaimed leases.
	ErrNotFound = errors.New("lease: not found")
	// ErrConflict is returned when another holder owns an active lease on
	// the resource. The concrete error is a *ConflictError.
	ErrConflict = errors.New("lease: resource is leased")
	// ErrNotHolder is returned when the caller does not hold the lease.
	ErrNotHolder = errors.New("lease: not holder")
	// ErrExpired is returned when renewing a lease whose TTL has elapsed.
	ErrExpired = errors.New("lease: expired")
	// ErrInvalidTTL is returned for TTLs outside the configured bounds.
	ErrInvalidTTL = errors.New("lease: invalid ttl")
	// ErrInvalidHolder is returned for empty or oversized holders.
	ErrInvalidHolder = errors.New("lease: invalid holder")
)

// State is the lifecycle position of a lease.
type State string

const (
	StateActive    State = "active"
	StateReleased  State = "released"
	StateReclaimed State = "reclaimed"
)

// Resource names the thing being leased.
type Resource struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (r Resource) key() string {
	return r.Kind + "/" + r.ID
}

func (r Resource) String() string {
	return r.key()
}

// Lease is an exclusive, time-boxed ownership record.
type Lease struct {
	LockID      string    `json:"lock_id"`
	Resource    Resource  `json:"resource"`
	Holder      string    `json:"holder"`
	AcquiredAt  time.Time `json:"acquired_at"`
	TTLSeconds  int64     `json:"ttl_seconds"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	State       State     `json:"state"`
	// Version of the backing record in Kind.
	Version uint64 `json:"-"`
}

// TTL returns the lease duration.
func (l Lease) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

// ExpiresAt is the last instant at which the lease is still active.
func (l Lease) ExpiresAt() time.Time {
	return l.HeartbeatAt.Add(l.TTL())
}

// ActiveAt reports whether the lease is active at now. A lease is active
// while now <= heartbeat_at + ttl; the boundary instant itself is active.
func (l Lease) ActiveAt(now time.Time) bool {
	return l.State == StateActive && !now.After(l.ExpiresAt())
}

// Remaining returns the time left before expiry, never negative.
func (l Lease) Remaining(now time.Time) time.Duration {
	if !l.ActiveAt(now) {
		return 0
	}
	return l.ExpiresAt().Sub(now)
}

// ConflictError describes the lease blocking an acquire.
type ConflictError struct {
	Resource Resource
	LockID   string
	Holder   string
	// RetryAfter is the remaining lifetime of the blocking lease.
	RetryAfter time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lease: %s is held by %s for another %s", e.Resource, e.Holder, e.RetryAfter)
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1.
func (e *ConflictError) RetryAfterSeconds() int64 {
	secs := int64(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Transition names a lease lifecycle change. The values match the event log
// types recorded for them.
type Transition string

const (
	TransitionAcquired  Transition = "lease_acquired"
	TransitionRenewed   Transition = "lease_renewed"
	TransitionReleased  Transition = "lease_released"
	TransitionReclaimed Transition = "lease_reclaimed"
)
