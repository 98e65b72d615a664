package core

import (
	"encoding/json"
	"time"

	"pkt.systems/collabd/internal/eventlog"
	"pkt.systems/collabd/internal/lease"
)

// CreateCommand creates a resource. An empty ID is generated.
type CreateCommand struct {
	Kind    string
	ID      string
	Payload json.RawMessage
}

// UpdateCommand replaces a resource payload when IfMatch is current.
type UpdateCommand struct {
	Kind    string
	ID      string
	IfMatch string
	Payload json.RawMessage
}

// DeleteCommand tombstones a resource when IfMatch is current.
type DeleteCommand struct {
	Kind    string
	ID      string
	IfMatch string
}

// ListCommand pages through the live resources of a kind.
type ListCommand struct {
	Kind  string
	After string
	Limit int
}

// ResourceResult is a resource as returned to callers.
type ResourceResult struct {
	Kind      string
	ID        string
	Version   uint64
	ETag      string
	Payload   json.RawMessage
	Deleted   bool
	UpdatedAt time.Time
}

// ListItem is one row of a ListResult.
type ListItem struct {
	ID      string
	Version uint64
	ETag    string
}

// ListResult is one page of a resource listing.
type ListResult struct {
	Items []ListItem
	Next  string
}

// AcquireCommand requests an exclusive lease on a resource.
type AcquireCommand struct {
	Kind       string
	ID         string
	Holder     string
	TTLSeconds int64
}

// LeaseCommand addresses an existing lease on behalf of Holder.
type LeaseCommand struct {
	LockID string
	Holder string
}

// LeaseResult describes a lease with its remaining lifetime.
type LeaseResult struct {
	Lease            lease.Lease
	ETag             string
	ExpiresAt        time.Time
	RemainingSeconds int64
}

// AppendCommand submits a caller event.
type AppendCommand struct {
	Type    string
	Actor   string
	Target  eventlog.Target
	Details json.RawMessage
}

// EventPage is one page of the event log. Next is the cursor to pass as
// since for the following page.
type EventPage struct {
	Events []eventlog.Event
	Next   uint64
	Head   uint64
}
