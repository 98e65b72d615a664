package core

import (
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/collabd/internal/atomicfile"
	"pkt.systems/collabd/internal/eventlog"
	"pkt.systems/collabd/internal/lease"
	"pkt.systems/collabd/internal/state"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds
	Version    uint64
	ETag       string
	HTTPStatus int // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// classify converts domain errors into Failures. Errors it does not know are
// returned unchanged and surface as internal errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var failure Failure
	if errors.As(err, &failure) {
		return failure
	}
	var versionConflict *state.ConflictError
	if errors.As(err, &versionConflict) {
		return Failure{
			Code:       "version_conflict",
			Detail:     err.Error(),
			Version:    versionConflict.Current,
			ETag:       FormatETag(versionConflict.Current),
			HTTPStatus: http.StatusPreconditionFailed,
		}
	}
	var leaseConflict *lease.ConflictError
	if errors.As(err, &leaseConflict) {
		return Failure{
			Code:       "lease_conflict",
			Detail:     err.Error(),
			RetryAfter: leaseConflict.RetryAfterSeconds(),
			HTTPStatus: http.StatusConflict,
		}
	}
	switch {
	case errors.Is(err, state.ErrDurability), errors.Is(err, eventlog.ErrDurability), errors.Is(err, atomicfile.ErrIO):
		return Failure{Code: "durability_failure", Detail: err.Error(), HTTPStatus: http.StatusServiceUnavailable}
	case errors.Is(err, state.ErrNotFound):
		return Failure{Code: "not_found", Detail: err.Error(), HTTPStatus: http.StatusNotFound}
	case errors.Is(err, state.ErrAlreadyExists):
		return Failure{Code: "already_exists", Detail: err.Error(), HTTPStatus: http.StatusConflict}
	case errors.Is(err, state.ErrInvalidName):
		return Failure{Code: "invalid_name", Detail: err.Error(), HTTPStatus: http.StatusBadRequest}
	case errors.Is(err, state.ErrInvalidPayload):
		return Failure{Code: "invalid_payload", Detail: err.Error(), HTTPStatus: http.StatusBadRequest}
	case errors.Is(err, lease.ErrNotFound):
		return Failure{Code: "lease_not_found", Detail: err.Error(), HTTPStatus: http.StatusNotFound}
	case errors.Is(err, lease.ErrNotHolder):
		return Failure{Code: "not_holder", Detail: err.Error(), HTTPStatus: http.StatusForbidden}
	case errors.Is(err, lease.ErrExpired):
		return Failure{Code: "lease_expired", Detail: err.Error(), HTTPStatus: http.StatusGone}
	case errors.Is(err, lease.ErrInvalidTTL):
		return Failure{Code: "invalid_ttl", Detail: err.Error(), HTTPStatus: http.StatusBadRequest}
	case errors.Is(err, lease.ErrInvalidHolder):
		return Failure{Code: "invalid_holder", Detail: err.Error(), HTTPStatus: http.StatusBadRequest}
	case errors.Is(err, eventlog.ErrInvalidEvent):
		return Failure{Code: "invalid_event", Detail: err.Error(), HTTPStatus: http.StatusBadRequest}
	case errors.Is(err, eventlog.ErrCursorAhead):
		return Failure{Code: "invalid_cursor", Detail: err.Error(), HTTPStatus: http.StatusBadRequest}
	case errors.Is(err, eventlog.ErrClosed):
		return Failure{Code: "shutting_down", Detail: "event log is closed", HTTPStatus: http.StatusServiceUnavailable}
	}
	return err
}

func failureCode(err error) string {
	if err == nil {
		return "success"
	}
	var failure Failure
	if errors.As(err, &failure) {
		return failure.Code
	}
	return "error"
}
