package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/collabd/api"
	"pkt.systems/collabd/internal/svcfields"
	"pkt.systems/collabd/internal/version"
)

const (
	// DefaultHTTPTimeout bounds unary requests.
	DefaultHTTPTimeout = 15 * time.Second
	// DefaultTailIdleTimeout is how long a tail may stay silent, heartbeats
	// included, before the stream reconnects.
	DefaultTailIdleTimeout = 45 * time.Second
	// DefaultReconnectBackoff is the initial delay between tail reconnects.
	DefaultReconnectBackoff = 250 * time.Millisecond
	maxReconnectBackoff     = 10 * time.Second
)

// Client talks to a single collabd endpoint.
type Client struct {
	baseURL          string
	httpClient       *http.Client
	httpTimeout      time.Duration
	actor            string
	logger           pslog.Base
	tailIdleTimeout  time.Duration
	reconnectBackoff time.Duration
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack. Tail streams
// ignore the client Timeout and rely on context cancellation instead.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = svcfields.WithSubsystem(full, "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithActor sets the actor recorded on events caused by this client.
func WithActor(actor string) Option {
	return func(c *Client) {
		c.actor = strings.TrimSpace(actor)
	}
}

// WithHTTPTimeout bounds unary requests. Zero disables the bound.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.httpTimeout = d
		}
	}
}

// WithTailIdleTimeout sets how long a tail waits for any line before it
// reconnects. Set it above the server heartbeat interval.
func WithTailIdleTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.tailIdleTimeout = d
		}
	}
}

// WithReconnectBackoff sets the initial delay between tail reconnects.
func WithReconnectBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.reconnectBackoff = d
		}
	}
}

// New constructs a client for baseURL (http, https or unix scheme).
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	c := &Client{
		httpTimeout:      DefaultHTTPTimeout,
		logger:           pslog.NoopLogger(),
		tailIdleTimeout:  DefaultTailIdleTimeout,
		reconnectBackoff: DefaultReconnectBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		c.baseURL = strings.TrimRight(trimmed, "/")
		if c.httpClient == nil {
			c.httpClient = &http.Client{}
		}
	case "unix":
		socket := u.Path
		if socket == "" {
			return nil, fmt.Errorf("unix base url requires a socket path")
		}
		c.baseURL = "http://unix"
		if c.httpClient == nil {
			c.httpClient = &http.Client{Transport: unixTransport(socket)}
		}
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return c, nil
}

func unixTransport(socket string) *http.Transport {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socket)
		},
		MaxIdleConns:    16,
		IdleConnTimeout: 90 * time.Second,
	}
}

// BaseURL returns the endpoint requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	if cid := CorrelationIDFromContext(ctx); cid != "" {
		keyvals = append(append([]any(nil), keyvals...), "cid", cid)
	}
	c.logger.Debug(msg, keyvals...)
}

func (c *Client) logWarnCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	if cid := CorrelationIDFromContext(ctx); cid != "" {
		keyvals = append(append([]any(nil), keyvals...), "cid", cid)
	}
	c.logger.Warn(msg, keyvals...)
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    any
	raw     []byte
	headers map[string]string
}

func (c *Client) newRequest(ctx context.Context, r request) (*http.Request, error) {
	target := c.baseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}
	var body io.Reader
	switch {
	case r.raw != nil:
		body = bytes.NewReader(r.raw)
	case r.body != nil:
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(r.body); err != nil {
			return nil, err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if c.actor != "" {
		req.Header.Set(api.HeaderActor, c.actor)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	c.applyCorrelationHeader(ctx, req)
	return req, nil
}

// do runs a unary request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, r request, out any) (*http.Response, error) {
	if c.httpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpTimeout)
		defer cancel()
	}
	req, err := c.newRequest(ctx, r)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logWarnCtx(ctx, "client.http.transport_error", "method", r.method, "path", r.path, "error", err)
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logDebugCtx(ctx, "client.http.error", "method", r.method, "path", r.path, "status", resp.StatusCode)
		return resp, decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("decode %s %s: %w", r.method, r.path, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	c.logDebugCtx(ctx, "client.http.success", "method", r.method, "path", r.path, "status", resp.StatusCode)
	return resp, nil
}

func statePath(kind, id string) string {
	p := "/state/" + url.PathEscape(kind)
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func quoteETag(tag string) string {
	if strings.HasPrefix(tag, `"`) || strings.HasPrefix(tag, "W/") {
		return tag
	}
	return `"` + tag + `"`
}

// Get returns the current payload and ETag of a resource.
func (c *Client) Get(ctx context.Context, kind, id string) (*api.ResourceResponse, error) {
	var out api.ResourceResponse
	if _, err := c.do(ctx, request{method: http.MethodGet, path: statePath(kind, id)}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create stores a new resource. An empty id asks the server to generate one.
func (c *Client) Create(ctx context.Context, kind, id string, payload json.RawMessage) (*api.CreateResponse, error) {
	var query url.Values
	if id != "" {
		query = url.Values{"id": {id}}
	}
	var out api.CreateResponse
	if _, err := c.do(ctx, request{method: http.MethodPost, path: statePath(kind, ""), query: query, raw: payload}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update replaces a resource payload when etag is current.
func (c *Client) Update(ctx context.Context, kind, id, etag string, payload json.RawMessage) (*api.WriteResponse, error) {
	var out api.WriteResponse
	r := request{
		method:  http.MethodPatch,
		path:    statePath(kind, id),
		raw:     payload,
		headers: map[string]string{"If-Match": quoteETag(etag)},
	}
	if _, err := c.do(ctx, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete tombstones a resource when etag is current.
func (c *Client) Delete(ctx context.Context, kind, id, etag string) (*api.WriteResponse, error) {
	var out api.WriteResponse
	r := request{
		method:  http.MethodDelete,
		path:    statePath(kind, id),
		headers: map[string]string{"If-Match": quoteETag(etag)},
	}
	if _, err := c.do(ctx, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns one page of resource ids of kind after the given id.
func (c *Client) List(ctx context.Context, kind, after string, limit int) (*api.ListResponse, error) {
	query := url.Values{}
	if after != "" {
		query.Set("after", after)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out api.ListResponse
	if _, err := c.do(ctx, request{method: http.MethodGet, path: statePath(kind, ""), query: query}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAll pages through every resource of kind.
func (c *Client) ListAll(ctx context.Context, kind string) ([]api.ListItem, error) {
	var items []api.ListItem
	after := ""
	for {
		page, err := c.List(ctx, kind, after, 0)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.Next == "" {
			return items, nil
		}
		after = page.Next
	}
}

// Acquire requests an exclusive lease on kind/id.
func (c *Client) Acquire(ctx context.Context, kind, id, holder string, ttlSeconds int64) (*api.LeaseResponse, error) {
	req := api.AcquireRequest{Resource: api.ResourceRef{Kind: kind, ID: id}, Holder: holder, TTLSeconds: ttlSeconds}
	var out api.LeaseResponse
	if _, err := c.do(ctx, request{method: http.MethodPost, path: "/leases", body: req}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Renew advances the heartbeat of a lease held by holder.
func (c *Client) Renew(ctx context.Context, lockID, holder string) (*api.LeaseResponse, error) {
	var out api.LeaseResponse
	r := request{method: http.MethodPost, path: "/leases/" + url.PathEscape(lockID) + "/renew", body: api.HolderRequest{Holder: holder}}
	if _, err := c.do(ctx, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Release ends a lease held by holder.
func (c *Client) Release(ctx context.Context, lockID, holder string) (*api.LeaseResponse, error) {
	var out api.LeaseResponse
	r := request{method: http.MethodPost, path: "/leases/" + url.PathEscape(lockID) + "/release", body: api.HolderRequest{Holder: holder}}
	if _, err := c.do(ctx, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DescribeLease returns a lease that is active or was reclaimed.
func (c *Client) DescribeLease(ctx context.Context, lockID string) (*api.LeaseResponse, error) {
	var out api.LeaseResponse
	if _, err := c.do(ctx, request{method: http.MethodGet, path: "/leases/" + url.PathEscape(lockID)}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListLeases returns every active lease.
func (c *Client) ListLeases(ctx context.Context) ([]api.LeaseResponse, error) {
	var out api.LeaseListResponse
	if _, err := c.do(ctx, request{method: http.MethodGet, path: "/leases"}, &out); err != nil {
		return nil, err
	}
	return out.Leases, nil
}

// AppendEvent records a caller event and returns its seq.
func (c *Client) AppendEvent(ctx context.Context, req api.AppendEventRequest) (*api.AppendEventResponse, error) {
	var out api.AppendEventResponse
	if _, err := c.do(ctx, request{method: http.MethodPost, path: "/events", body: req}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadEvents returns up to limit events after since. A zero limit uses the
// server maximum.
func (c *Client) ReadEvents(ctx context.Context, since uint64, limit int) (*api.EventPageResponse, error) {
	query := url.Values{"since": {strconv.FormatUint(since, 10)}}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out api.EventPageResponse
	if _, err := c.do(ctx, request{method: http.MethodGet, path: "/events", query: query}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health queries /healthz.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if _, err := c.do(ctx, request{method: http.MethodGet, path: "/healthz"}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// APIError describes an error response from collabd.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		if e.Response.Detail != "" {
			return fmt.Sprintf("collabd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
		}
		return "collabd: " + e.Response.ErrorCode
	}
	return fmt.Sprintf("collabd: status %d", e.Status)
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	return &APIError{
		Status:     resp.StatusCode,
		Response:   errResp,
		Body:       data,
		RetryAfter: parseRetryAfterHeader(resp.Header.Get("Retry-After")),
	}
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(raw); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func hasCode(err error, status int, code string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if code != "" && apiErr.Response.ErrorCode != "" {
		return apiErr.Response.ErrorCode == code
	}
	return apiErr.Status == status
}

// IsConflict reports a version conflict (412).
func IsConflict(err error) bool {
	return hasCode(err, http.StatusPreconditionFailed, "version_conflict")
}

// IsNotFound reports a missing resource or lease (404).
func IsNotFound(err error) bool { return hasCode(err, http.StatusNotFound, "") }

// IsLeaseConflict reports that another holder owns the lease (409).
func IsLeaseConflict(err error) bool { return hasCode(err, http.StatusConflict, "lease_conflict") }

// IsNotHolder reports a renew or release by the wrong holder (403).
func IsNotHolder(err error) bool { return hasCode(err, http.StatusForbidden, "not_holder") }

// IsLeaseExpired reports a renew of a lapsed lease (410).
func IsLeaseExpired(err error) bool { return hasCode(err, http.StatusGone, "lease_expired") }
