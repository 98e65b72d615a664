package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"pkt.systems/collabd/internal/correlation"
)

const headerCorrelationID = correlation.Header

type correlationContextKey struct{}

// WithCorrelationID annotates ctx with a correlation identifier to be sent with subsequent requests.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	normalized, ok := correlation.Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey{}, normalized)
}

// CorrelationIDFromContext extracts the correlation identifier carried by ctx, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(correlationContextKey{}).(string); ok {
		return v
	}
	return ""
}

// GenerateCorrelationID creates a new correlation identifier.
func GenerateCorrelationID() string {
	return correlation.Generate()
}

func (c *Client) applyCorrelationHeader(ctx context.Context, req *http.Request) {
	if id := CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set(headerCorrelationID, id)
	}
}

type correlationTransport struct {
	base http.RoundTripper
	id   string
}

func (t *correlationTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if t.id != "" && strings.TrimSpace(req.Header.Get(headerCorrelationID)) == "" {
		req.Header.Set(headerCorrelationID, t.id)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// WithCorrelationHTTPClient returns a shallow copy of cli (or a new client when
// cli is nil) whose requests carry id unless the request context already
// supplies one.
func WithCorrelationHTTPClient(cli *http.Client, id string) *http.Client {
	var base http.Client
	if cli != nil {
		base = *cli
	}
	normalized, _ := correlation.Normalize(id)
	base.Transport = &correlationTransport{base: base.Transport, id: normalized}
	return &base
}
