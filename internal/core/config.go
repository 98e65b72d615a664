package core

import (
	"pkt.systems/pslog"

	"pkt.systems/collabd/internal/clock"
	"pkt.systems/collabd/internal/eventlog"
	"pkt.systems/collabd/internal/lease"
	"pkt.systems/collabd/internal/state"
)

// Config captures the components composed by the Service. New installs the
// Service's hooks on State and Leases.
type Config struct {
	State  *state.Store
	Leases *lease.Manager
	Events *eventlog.Log
	Logger pslog.Logger
	Clock  clock.Clock
	// SystemActor is recorded as the actor of events collabd originates on
	// its own, such as reclaims.
	SystemActor string
}

// DefaultSystemActor is the actor of reclaim events.
const DefaultSystemActor = "collabd"
