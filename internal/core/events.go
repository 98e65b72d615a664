package core

import (
	"context"
	"net/http"

	"pkt.systems/collabd/internal/eventlog"
)

// MaxEventPage caps a single catch-up read.
const MaxEventPage = 1000

// AppendEvent records a caller event. System types are refused.
func (s *Service) AppendEvent(ctx context.Context, cmd AppendCommand) (ev eventlog.Event, err error) {
	start := s.clock.Now()
	defer func() { s.metrics.recordAppend(ctx, s.clock.Now().Sub(start), err) }()
	actor := cmd.Actor
	if actor == "" {
		actor = ActorFromContext(ctx)
	}
	candidate := eventlog.Event{Type: cmd.Type, Actor: actor, Target: cmd.Target, Details: cmd.Details}
	if err := eventlog.ValidateCustom(candidate); err != nil {
		return eventlog.Event{}, classify(err)
	}
	ev, err = s.events.Append(ctx, candidate)
	if err != nil {
		return eventlog.Event{}, classify(err)
	}
	s.loggerFor(ctx).Debug("events.append.success", "seq", ev.Seq, "type", ev.Type)
	return ev, nil
}

// ReadEvents returns up to limit events after since.
func (s *Service) ReadEvents(_ context.Context, since uint64, limit int) (*EventPage, error) {
	if limit < 0 {
		return nil, Failure{Code: "invalid_limit", Detail: "limit must be >= 0", HTTPStatus: http.StatusBadRequest}
	}
	if limit == 0 || limit > MaxEventPage {
		limit = MaxEventPage
	}
	head := s.events.Head()
	if since > head {
		return nil, classify(eventlog.ErrCursorAhead)
	}
	events, err := s.events.Read(since, limit)
	if err != nil {
		return nil, classify(err)
	}
	next := since
	if n := len(events); n > 0 {
		next = events[n-1].Seq
	}
	return &EventPage{Events: events, Next: next, Head: head}, nil
}

// Subscribe opens a live tail after since. The caller must Close it.
func (s *Service) Subscribe(ctx context.Context, since uint64) (*eventlog.Subscription, error) {
	sub, err := s.events.Subscribe(since)
	if err != nil {
		return nil, classify(err)
	}
	s.metrics.tailOpened(ctx)
	return sub, nil
}

// TailClosed records the end of a tail opened with Subscribe.
func (s *Service) TailClosed(ctx context.Context, reason string) {
	s.metrics.tailClosed(ctx, reason)
}

// Head returns the newest event seq.
func (s *Service) Head() uint64 {
	return s.events.Head()
}
