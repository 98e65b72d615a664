// Package httpapi exposes the coordination service over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/collabd/api"
	"pkt.systems/collabd/internal/clock"
	"pkt.systems/collabd/internal/core"
	"pkt.systems/collabd/internal/correlation"
	"pkt.systems/collabd/internal/loggingutil"
	"pkt.systems/collabd/internal/svcfields"
)

const (
	// DefaultJSONMaxBytes bounds request bodies.
	DefaultJSONMaxBytes = 1 << 20
	// DefaultTailHeartbeat is the idle interval between tail heartbeats.
	DefaultTailHeartbeat = 15 * time.Second
)

// Config wires a Handler.
type Config struct {
	Core          *core.Service
	Logger        pslog.Logger
	Clock         clock.Clock
	JSONMaxBytes  int64
	TailHeartbeat time.Duration
	// Ready reports whether the server accepts traffic; nil means always.
	Ready              func() error
	HTTPTracingEnabled bool
}

// Handler wires HTTP endpoints to the coordination service.
type Handler struct {
	core               *core.Service
	logger             pslog.Logger
	clock              clock.Clock
	jsonMaxBytes       int64
	tailHeartbeat      time.Duration
	ready              func() error
	tracer             trace.Tracer
	httpTracingEnabled bool

	drainOnce sync.Once
	draining  chan struct{}
}

// New builds a Handler.
func New(cfg Config) *Handler {
	h := &Handler{
		core:               cfg.Core,
		logger:             loggingutil.EnsureLogger(cfg.Logger),
		clock:              clock.OrReal(cfg.Clock),
		jsonMaxBytes:       cfg.JSONMaxBytes,
		tailHeartbeat:      cfg.TailHeartbeat,
		ready:              cfg.Ready,
		tracer:             otel.Tracer("pkt.systems/collabd/httpapi"),
		httpTracingEnabled: cfg.HTTPTracingEnabled,
		draining:           make(chan struct{}),
	}
	if h.jsonMaxBytes <= 0 {
		h.jsonMaxBytes = DefaultJSONMaxBytes
	}
	if h.tailHeartbeat <= 0 {
		h.tailHeartbeat = DefaultTailHeartbeat
	}
	return h
}

// Register installs every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /state/{kind}", h.wrap("state.list", h.handleListResources))
	mux.Handle("POST /state/{kind}", h.wrap("state.create", h.handleCreateResource))
	mux.Handle("GET /state/{kind}/{id}", h.wrap("state.get", h.handleGetResource))
	mux.Handle("PATCH /state/{kind}/{id}", h.wrap("state.update", h.handleUpdateResource))
	mux.Handle("DELETE /state/{kind}/{id}", h.wrap("state.delete", h.handleDeleteResource))
	mux.Handle("POST /leases", h.wrap("lease.acquire", h.handleAcquire))
	mux.Handle("GET /leases", h.wrap("lease.list", h.handleListLeases))
	mux.Handle("GET /leases/{lock_id}", h.wrap("lease.describe", h.handleDescribeLease))
	mux.Handle("POST /leases/{lock_id}/renew", h.wrap("lease.renew", h.handleRenew))
	mux.Handle("POST /leases/{lock_id}/release", h.wrap("lease.release", h.handleRelease))
	mux.Handle("POST /events", h.wrap("events.append", h.handleAppendEvent))
	mux.Handle("GET /events", h.wrap("events.read", h.handleReadEvents))
	mux.Handle("GET /events/tail", h.wrap("events.tail", h.handleTail))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("GET /readyz", h.wrap("readyz", h.handleReady))
}

// Drain ends every open tail stream. Server shutdown calls it before
// waiting for connections to go idle, since streams never do on their own.
func (h *Handler) Drain() {
	h.drainOnce.Do(func() { close(h.draining) })
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "collabd.http." + operation
	opSpanName := "collabd.op." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := xid.New().String()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, opSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("collabd.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("collabd.operation", operation),
				attribute.String("collabd.route", r.URL.Path),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		ctx, _ = correlation.Ensure(ctx, r.Header.Get(correlation.Header))
		ctx, logger = applyCorrelation(ctx, logger, span)
		if actor := strings.TrimSpace(r.Header.Get(api.HeaderActor)); actor != "" {
			ctx = core.WithActor(ctx, actor)
		}
		w.Header().Set(correlation.Header, correlation.ID(ctx))
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		result := "ok"
		status := codes.Ok
		statusMsg := ""
		defer func() {
			if instrument {
				span.SetStatus(status, statusMsg)
				span.SetAttributes(
					attribute.String("collabd.result", result),
					attribute.Int64("collabd.duration_ms", time.Since(start).Milliseconds()),
				)
			}
		}()

		if err := fn(w, r); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				result = "context"
				status = codes.Error
				statusMsg = "context_canceled"
				logger.Debug("http.request.canceled", "elapsed", time.Since(start))
				return
			}
			result = "error"
			status = codes.Error
			statusMsg = "handler_error"
			err = convertCoreError(err)
			if instrument {
				span.RecordError(err)
				var httpErr httpError
				if errors.As(err, &httpErr) {
					span.SetAttributes(
						attribute.String("collabd.error_code", httpErr.Code),
						attribute.Int("collabd.error_status", httpErr.Status),
					)
				} else {
					span.SetAttributes(attribute.String("collabd.error_code", "internal"))
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	Version    uint64
	ETag       string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"version", httpErr.Version,
			"etag", httpErr.ETag,
			"retry_after", httpErr.RetryAfter,
		)
		resp := api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			CurrentVersion:    httpErr.Version,
			CurrentETag:       httpErr.ETag,
			RetryAfterSeconds: httpErr.RetryAfter,
		}
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		if httpErr.ETag != "" {
			headers["ETag"] = quoteETag(httpErr.ETag)
		}
		h.writeJSON(w, httpErr.Status, resp, headers)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	resp := api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}
	h.writeJSON(w, http.StatusInternalServerError, resp, nil)
}
