// Package core composes the state store, the lease manager and the event
// log into the transport-agnostic coordination service. Every accepted
// mutation and lease transition is recorded in the event log.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/collabd/internal/clock"
	"pkt.systems/collabd/internal/eventlog"
	"pkt.systems/collabd/internal/lease"
	"pkt.systems/collabd/internal/loggingutil"
	"pkt.systems/collabd/internal/state"
)

// Service aggregates the coordination components.
type Service struct {
	state       *state.Store
	leases      *lease.Manager
	events      *eventlog.Log
	logger      pslog.Logger
	clock       clock.Clock
	systemActor string
	metrics     *coreMetrics

	// unrecorded counts committed changes whose event append failed.
	unrecorded atomic.Uint64
}

// New constructs the Service and hooks it into the state store and lease
// manager so their changes reach the event log.
func New(cfg Config) (*Service, error) {
	if cfg.State == nil || cfg.Leases == nil || cfg.Events == nil {
		return nil, fmt.Errorf("core: state, leases and events are required")
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	actor := strings.TrimSpace(cfg.SystemActor)
	if actor == "" {
		actor = DefaultSystemActor
	}
	s := &Service{
		state:       cfg.State,
		leases:      cfg.Leases,
		events:      cfg.Events,
		logger:      logger,
		clock:       clock.OrReal(cfg.Clock),
		systemActor: actor,
	}
	s.metrics = newCoreMetrics(logger, s)
	cfg.State.SetChangeHook(s.onResourceChange)
	cfg.Leases.SetTransitionHook(s.onLeaseTransition)
	return s, nil
}

type actorKey struct{}

// WithActor records who is acting on behalf of the request. The actor is
// stamped on the events the request causes.
func WithActor(ctx context.Context, actor string) context.Context {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor stored by WithActor.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// FormatETag renders a version as an entity tag value.
func FormatETag(version uint64) string {
	return strconv.FormatUint(version, 10)
}

// ParseETag accepts 7, "7" and W/"7".
func ParseETag(raw string) (uint64, error) {
	tag := strings.TrimSpace(raw)
	tag = strings.TrimPrefix(tag, "W/")
	tag = strings.Trim(tag, `"`)
	version, err := strconv.ParseUint(tag, 10, 64)
	if err != nil || version == 0 {
		return 0, fmt.Errorf("etag %q is not a resource version", raw)
	}
	return version, nil
}

// UnrecordedChanges reports how many committed mutations or lease
// transitions are missing from the event log because the append failed.
func (s *Service) UnrecordedChanges() uint64 {
	return s.unrecorded.Load()
}

func (s *Service) loggerFor(ctx context.Context) pslog.Logger {
	return loggingutil.FromContext(ctx, s.logger)
}

func (s *Service) onResourceChange(ctx context.Context, change state.Change) error {
	details, err := json.Marshal(map[string]any{"op": string(change.Op), "version": change.Version})
	if err != nil {
		return err
	}
	_, err = s.events.Append(ctx, eventlog.Event{
		Type:    eventlog.TypeResourceUpdated,
		Actor:   ActorFromContext(ctx),
		Target:  eventlog.Target{Kind: change.Kind, ID: change.ID},
		Details: details,
	})
	s.metrics.recordSystemEvent(ctx, eventlog.TypeResourceUpdated, err)
	if err != nil {
		s.unrecorded.Add(1)
	}
	return err
}

func (s *Service) onLeaseTransition(ctx context.Context, t lease.Transition, l lease.Lease, actor string) error {
	if actor == "" {
		actor = s.systemActor
	}
	details, err := json.Marshal(map[string]any{
		"holder":       l.Holder,
		"ttl_seconds":  l.TTLSeconds,
		"heartbeat_at": l.HeartbeatAt.Format(time.RFC3339Nano),
		"expires_at":   l.ExpiresAt().Format(time.RFC3339Nano),
		"state":        string(l.State),
	})
	if err != nil {
		return err
	}
	_, err = s.events.Append(ctx, eventlog.Event{
		Type:    string(t),
		Actor:   actor,
		Target:  eventlog.Target{Kind: l.Resource.Kind, ID: l.Resource.ID, LockID: l.LockID},
		Details: details,
	})
	s.metrics.recordSystemEvent(ctx, string(t), err)
	if err != nil {
		s.unrecorded.Add(1)
	}
	return err
}
