// Package correlation carries the caller-supplied or generated correlation id
// that ties together the log lines and events produced by one request.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header used to pass correlation ids in both directions.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted correlation ids.
const MaxIDLength = 128

type contextKey struct{}

// Set returns a child of ctx carrying id. Invalid ids leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the correlation id carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation id.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Ensure returns ctx with a correlation id, taking candidate when it is valid
// and generating a fresh one otherwise. The id in effect is returned too.
func Ensure(ctx context.Context, candidate string) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id, ok := Normalize(candidate)
	if !ok {
		id = Generate()
	}
	return Set(ctx, id), id
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a new UUIDv7 correlation id.
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
