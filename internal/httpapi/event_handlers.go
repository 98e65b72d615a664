package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"pkt.systems/pslog"

	"pkt.systems/collabd/api"
	"pkt.systems/collabd/internal/core"
	"pkt.systems/collabd/internal/eventlog"
	"pkt.systems/collabd/internal/version"
)

// handleAppendEvent godoc
// @Summary      Append a caller event
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        request  body      api.AppendEventRequest  true  "Event"
// @Success      200      {object}  api.AppendEventResponse
// @Failure      400      {object}  api.ErrorResponse
// @Router       /events [post]
func (h *Handler) handleAppendEvent(w http.ResponseWriter, r *http.Request) error {
	var req api.AppendEventRequest
	if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	ev, err := h.core.AppendEvent(r.Context(), core.AppendCommand{
		Type:    req.Type,
		Actor:   req.Actor,
		Target:  eventlog.Target{Kind: req.Target.Kind, ID: req.Target.ID, LockID: req.Target.LockID},
		Details: req.Details,
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.AppendEventResponse{Seq: ev.Seq, TS: ev.TS}, nil)
	return nil
}

// handleReadEvents godoc
// @Summary      Read a page of events
// @Tags         events
// @Produce      json
// @Param        since  query  int  false  "Return events after this seq"
// @Param        limit  query  int  false  "Page size"
// @Success      200    {object}  api.EventPageResponse
// @Router       /events [get]
func (h *Handler) handleReadEvents(w http.ResponseWriter, r *http.Request) error {
	since, err := queryUint(r, "since")
	if err != nil {
		return err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return err
	}
	page, err := h.core.ReadEvents(r.Context(), since, limit)
	if err != nil {
		return err
	}
	resp := api.EventPageResponse{Events: make([]api.Event, 0, len(page.Events)), Next: page.Next, Head: page.Head}
	for _, ev := range page.Events {
		resp.Events = append(resp.Events, toAPIEvent(ev))
	}
	h.writeJSON(w, http.StatusOK, resp, map[string]string{api.HeaderHead: strconv.FormatUint(page.Head, 10)})
	return nil
}

// handleTail godoc
// @Summary      Stream events as NDJSON
// @Description  Replays events after since, then streams new events. Idle streams carry heartbeat lines; a lagged line ends a stream whose reader fell behind.
// @Tags         events
// @Produce      application/x-ndjson
// @Param        since  query  int  false  "Resume after this seq"
// @Success      200
// @Router       /events/tail [get]
func (h *Handler) handleTail(w http.ResponseWriter, r *http.Request) error {
	since, err := queryUint(r, "since")
	if err != nil {
		return err
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return httpError{Status: http.StatusInternalServerError, Code: "streaming_unsupported", Detail: "response writer cannot flush"}
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := h.core.Subscribe(ctx, since)
	if err != nil {
		return err
	}
	defer sub.Close()

	logger := pslog.LoggerFromContext(ctx)
	reason := "client"
	defer func() {
		h.core.TailClosed(context.WithoutCancel(ctx), reason)
		logger.Debug("events.tail.closed", "reason", reason, "cursor", sub.Cursor())
	}()
	go func() {
		select {
		case <-h.draining:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.Header().Set("Content-Type", api.ContentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(api.HeaderHead, strconv.FormatUint(h.core.Head(), 10))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	logger.Debug("events.tail.open", "since", since)

	enc := json.NewEncoder(w)
	for {
		nextCtx, nextCancel := context.WithTimeout(ctx, h.tailHeartbeat)
		ev, err := sub.Next(nextCtx)
		nextCancel()
		switch {
		case err == nil:
			if werr := enc.Encode(toAPIEvent(ev)); werr != nil {
				return nil
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if werr := enc.Encode(api.TailControl{Type: api.TailTypeHeartbeat, TS: h.clock.Now().UTC(), Cursor: sub.Cursor()}); werr != nil {
				return nil
			}
		case errors.Is(err, eventlog.ErrLagged):
			reason = "lagged"
			logger.Warn("events.tail.lagged", "cursor", sub.Cursor())
			_ = enc.Encode(api.TailControl{Type: api.TailTypeLagged, TS: h.clock.Now().UTC(), Cursor: sub.Cursor()})
			flusher.Flush()
			return nil
		case errors.Is(err, eventlog.ErrClosed):
			reason = "shutdown"
			return nil
		case ctx.Err() != nil:
			if r.Context().Err() == nil {
				reason = "shutdown"
			}
			return nil
		default:
			reason = "error"
			logger.Error("events.tail.failure", "error", err, "cursor", sub.Cursor())
			return nil
		}
		flusher.Flush()
	}
}

// handleHealth godoc
// @Summary      Liveness probe
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.HealthResponse
// @Router       /healthz [get]
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, h.health("ok"), nil)
	return nil
}

// handleReady godoc
// @Summary      Readiness probe
// @Description  Reports 503 while the server starts or drains, and status
// @Description  "degraded" once committed changes failed to reach the event log.
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.HealthResponse
// @Failure      503  {object}  api.HealthResponse
// @Router       /readyz [get]
func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, h.health(err.Error()), nil)
			return nil
		}
	}
	resp := h.health("ready")
	if resp.UnrecordedChanges > 0 {
		resp.Status = "degraded"
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) health(status string) api.HealthResponse {
	return api.HealthResponse{
		Status:            status,
		Head:              h.core.Head(),
		Version:           version.Current(),
		UnrecordedChanges: h.core.UnrecordedChanges(),
	}
}
