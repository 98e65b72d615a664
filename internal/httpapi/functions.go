package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/collabd/api"
	"pkt.systems/collabd/internal/core"
	"pkt.systems/collabd/internal/correlation"
	"pkt.systems/collabd/internal/eventlog"
)

// correlationAppliedKey marks log enrichment to avoid duplicate correlation fields.
type correlationAppliedKey struct{}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	if id := correlation.ID(ctx); id != "" {
		if ctx.Value(correlationAppliedKey{}) == nil {
			logger = logger.With("cid", id)
			ctx = context.WithValue(ctx, correlationAppliedKey{}, struct{}{})
		} else if existing := pslog.LoggerFromContext(ctx); existing != nil {
			logger = existing
		}
		ctx = pslog.ContextWithLogger(ctx, logger)
		if span != nil {
			span.SetAttributes(attribute.String("collabd.correlation_id", id))
		}
	}
	return ctx, logger
}

// convertCoreError maps transport-neutral core failures onto HTTP-aware errors.
func convertCoreError(err error) error {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	var failure core.Failure
	if errors.As(err, &failure) {
		status := failure.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return httpError{
			Status:     status,
			Code:       failure.Code,
			Detail:     failure.Detail,
			Version:    failure.Version,
			ETag:       failure.ETag,
			RetryAfter: failure.RetryAfter,
		}
	}
	return err
}

func quoteETag(tag string) string {
	return `"` + tag + `"`
}

func toAPIEvent(ev eventlog.Event) api.Event {
	return api.Event{
		Seq:     ev.Seq,
		TS:      ev.TS,
		Type:    ev.Type,
		Actor:   ev.Actor,
		Target:  api.Target{Kind: ev.Target.Kind, ID: ev.Target.ID, LockID: ev.Target.LockID},
		Details: ev.Details,
	}
}

func toAPILease(res *core.LeaseResult) api.LeaseResponse {
	l := res.Lease
	return api.LeaseResponse{
		LockID:           l.LockID,
		Resource:         api.ResourceRef{Kind: l.Resource.Kind, ID: l.Resource.ID},
		Holder:           l.Holder,
		State:            string(l.State),
		AcquiredAt:       l.AcquiredAt,
		HeartbeatAt:      l.HeartbeatAt,
		ExpiresAt:        res.ExpiresAt,
		TTLSeconds:       l.TTLSeconds,
		RemainingSeconds: res.RemainingSeconds,
		ETag:             res.ETag,
	}
}
