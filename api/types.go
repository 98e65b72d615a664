package api

import (
	"encoding/json"
	"time"
)

const (
	// HeaderActor names the acting user or agent recorded on events.
	HeaderActor = "X-Collabd-Actor"
	// HeaderHead reports the event log head on event responses.
	HeaderHead = "X-Collabd-Head"
	// ContentTypeNDJSON is the media type of the tail stream.
	ContentTypeNDJSON = "application/x-ndjson"
)

const (
	// TailTypeHeartbeat marks a keep-alive line on an idle tail.
	TailTypeHeartbeat = "heartbeat"
	// TailTypeLagged marks the final line of a tail that fell behind.
	TailTypeLagged = "lagged"
)

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable collabd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// CurrentVersion returns the server's current version for conflict diagnostics.
	CurrentVersion uint64 `json:"current_version,omitempty"`
	// CurrentETag returns the server's current ETag for conflict diagnostics.
	CurrentETag string `json:"current_etag,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// ResourceResponse is returned by GET /state/{kind}/{id}.
type ResourceResponse struct {
	// Kind is the resource kind.
	Kind string `json:"kind"`
	// ID identifies the resource within its kind.
	ID string `json:"id"`
	// Payload is the opaque JSON document.
	Payload json.RawMessage `json:"payload"`
	// ETag is the current version rendered as an entity tag.
	ETag string `json:"etag"`
	// Version is the current version.
	Version uint64 `json:"version"`
	// UpdatedAt is when the current version was written.
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateResponse is returned by POST /state/{kind}.
type CreateResponse struct {
	// ID identifies the new resource; generated when the request named none.
	ID string `json:"id"`
	// ETag is the version of the new resource.
	ETag string `json:"etag"`
	// Version is the version of the new resource.
	Version uint64 `json:"version"`
}

// WriteResponse is returned by PATCH and DELETE /state/{kind}/{id}.
type WriteResponse struct {
	// ETag is the version produced by the write.
	ETag string `json:"etag"`
	// Version is the version produced by the write.
	Version uint64 `json:"version"`
}

// ListItem is one row of ListResponse.
type ListItem struct {
	// ID identifies the resource within its kind.
	ID string `json:"id"`
	// ETag is the current version of the resource.
	ETag string `json:"etag"`
}

// ListResponse is returned by GET /state/{kind}.
type ListResponse struct {
	// Items are the live resources sorted by id.
	Items []ListItem `json:"items"`
	// Next is the after= cursor of the following page; empty on the last page.
	Next string `json:"next,omitempty"`
}

// ResourceRef names a resource.
type ResourceRef struct {
	// Kind is the resource kind.
	Kind string `json:"kind"`
	// ID identifies the resource within its kind.
	ID string `json:"id"`
}

// AcquireRequest models the JSON payload for POST /leases.
type AcquireRequest struct {
	// Resource is the resource to lease.
	Resource ResourceRef `json:"resource"`
	// Holder identifies the caller taking the lease.
	Holder string `json:"holder"`
	// TTLSeconds is how long the lease lives without renewal.
	TTLSeconds int64 `json:"ttl_seconds"`
}

// HolderRequest models renew and release payloads.
type HolderRequest struct {
	// Holder must match the holder recorded on the lease.
	Holder string `json:"holder"`
}

// LeaseResponse describes a lease.
type LeaseResponse struct {
	// LockID identifies the lease.
	LockID string `json:"lock_id"`
	// Resource is the leased resource.
	Resource ResourceRef `json:"resource"`
	// Holder identifies the lease owner.
	Holder string `json:"holder"`
	// State is active, released or reclaimed.
	State string `json:"state"`
	// AcquiredAt is when the lease was granted.
	AcquiredAt time.Time `json:"acquired_at"`
	// HeartbeatAt is the last renewal (or the grant).
	HeartbeatAt time.Time `json:"heartbeat_at"`
	// ExpiresAt is the last instant the lease is active without renewal.
	ExpiresAt time.Time `json:"expires_at"`
	// TTLSeconds is the lease duration.
	TTLSeconds int64 `json:"ttl_seconds"`
	// RemainingSeconds is the server's countdown, rounded up.
	RemainingSeconds int64 `json:"remaining_seconds"`
	// ETag is the version of the lease record.
	ETag string `json:"etag"`
}

// LeaseListResponse is returned by GET /leases.
type LeaseListResponse struct {
	// Leases are the active leases sorted by resource.
	Leases []LeaseResponse `json:"leases"`
}

// Target names what an event concerns.
type Target struct {
	// Kind of the resource, if any.
	Kind string `json:"kind,omitempty"`
	// ID of the resource, if any.
	ID string `json:"id,omitempty"`
	// LockID of the lease, if any.
	LockID string `json:"lock_id,omitempty"`
}

// Event is one record of the event log.
type Event struct {
	// Seq is the gapless log position, starting at 1.
	Seq uint64 `json:"seq"`
	// TS is when the server accepted the event.
	TS time.Time `json:"ts"`
	// Type is a system type (resource_updated, lease_*) or a caller type.
	Type string `json:"type"`
	// Actor identifies who caused the event.
	Actor string `json:"actor,omitempty"`
	// Target names what the event concerns.
	Target Target `json:"target"`
	// Details is an optional JSON document.
	Details json.RawMessage `json:"details,omitempty"`
}

// AppendEventRequest models the JSON payload for POST /events.
type AppendEventRequest struct {
	// Type is the caller event type. System and control types are rejected.
	Type string `json:"type"`
	// Actor identifies who caused the event; defaults to the X-Collabd-Actor header.
	Actor string `json:"actor,omitempty"`
	// Target names what the event concerns.
	Target Target `json:"target"`
	// Details is an optional JSON document.
	Details json.RawMessage `json:"details,omitempty"`
}

// AppendEventResponse is returned by POST /events.
type AppendEventResponse struct {
	// Seq is the position assigned to the event.
	Seq uint64 `json:"seq"`
	// TS is when the server accepted the event.
	TS time.Time `json:"ts"`
}

// EventPageResponse is returned by GET /events.
type EventPageResponse struct {
	// Events are ordered by seq.
	Events []Event `json:"events"`
	// Next is the since= cursor for the following page.
	Next uint64 `json:"next"`
	// Head is the newest seq at the time of the read.
	Head uint64 `json:"head"`
}

// TailLine is one line of the tail stream: an event, or a control message
// when Type is TailTypeHeartbeat or TailTypeLagged.
type TailLine struct {
	Event
	// Cursor is set on control messages.
	Cursor uint64 `json:"cursor,omitempty"`
}

// IsControl reports whether the line is a heartbeat or lagged marker.
func (l TailLine) IsControl() bool {
	return l.Type == TailTypeHeartbeat || l.Type == TailTypeLagged
}

// TailControl is the wire form of a control line.
type TailControl struct {
	// Type is TailTypeHeartbeat or TailTypeLagged.
	Type string `json:"type"`
	// TS is the server time.
	TS time.Time `json:"ts"`
	// Cursor is the seq of the last event written on this stream.
	Cursor uint64 `json:"cursor"`
}

// HealthResponse is returned by /healthz and /readyz.
type HealthResponse struct {
	// Status is "ok" or the reason the server is not ready.
	Status string `json:"status"`
	// Head is the newest event seq.
	Head uint64 `json:"head"`
	// Version is the server build version.
	Version string `json:"version,omitempty"`
	// UnrecordedChanges counts committed changes that never reached the
	// event log. Any value above zero means the log is missing history.
	UnrecordedChanges uint64 `json:"unrecorded_changes,omitempty"`
}
