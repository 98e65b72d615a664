package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"pkt.systems/collabd/api"
)

// ErrTailLagged is returned by TailStream.Next when the server dropped a
// stream opened with WithoutReconnect because it fell behind.
var ErrTailLagged = errors.New("collabd: tail lagged")

// TailOption customises Tail.
type TailOption func(*tailConfig)

type tailConfig struct {
	reconnect   bool
	onHeartbeat func(api.TailControl)
}

// WithoutReconnect makes the stream end on lagged, disconnect or idle
// timeout instead of resuming from the last seen seq.
func WithoutReconnect() TailOption {
	return func(c *tailConfig) { c.reconnect = false }
}

// WithHeartbeatHook is called for every heartbeat line.
func WithHeartbeatHook(fn func(api.TailControl)) TailOption {
	return func(c *tailConfig) { c.onHeartbeat = fn }
}

// TailStream follows the event log. It is not safe for concurrent use.
type TailStream struct {
	c      *Client
	cfg    tailConfig
	ctx    context.Context
	cancel context.CancelFunc

	cursor   uint64
	conn     *tailConn
	attempts int
}

type tailLine struct {
	line api.TailLine
	err  error
}

type tailConn struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	lines  chan tailLine
	done   chan struct{}
	once   sync.Once
}

func (tc *tailConn) close() {
	tc.once.Do(func() {
		close(tc.done)
		tc.cancel()
		_ = tc.body.Close()
	})
}

// Tail opens a stream of events after since. The stream lives until ctx is
// done or Close is called.
func (c *Client) Tail(ctx context.Context, since uint64, opts ...TailOption) (*TailStream, error) {
	cfg := tailConfig{reconnect: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s := &TailStream{c: c, cfg: cfg, ctx: streamCtx, cancel: cancel, cursor: since}
	if err := s.connect(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Cursor returns the seq of the last event returned by Next.
func (s *TailStream) Cursor() uint64 {
	return s.cursor
}

// Close ends the stream.
func (s *TailStream) Close() {
	s.cancel()
	if s.conn != nil {
		s.conn.close()
		s.conn = nil
	}
}

func (s *TailStream) connect() error {
	reqCtx, cancel := context.WithCancel(s.ctx)
	req, err := s.c.newRequest(reqCtx, request{
		method: http.MethodGet,
		path:   "/events/tail",
		query:  url.Values{"since": {strconv.FormatUint(s.cursor, 10)}},
	})
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", api.ContentTypeNDJSON)
	// Response headers are bounded by the idle timeout; the body is
	// governed by the idle check in Next.
	headerTimer := time.AfterFunc(s.c.tailIdleTimeout, cancel)
	resp, err := s.c.httpClient.Do(req)
	if !headerTimer.Stop() {
		if err == nil {
			_ = resp.Body.Close()
		}
		cancel()
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		return fmt.Errorf("collabd: tail headers not received within %s", s.c.tailIdleTimeout)
	}
	if err != nil {
		cancel()
		return err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return decodeError(resp)
	}
	conn := &tailConn{body: resp.Body, cancel: cancel, lines: make(chan tailLine, 64), done: make(chan struct{})}
	go conn.read()
	s.conn = conn
	s.c.logDebugCtx(s.ctx, "client.tail.connected", "since", s.cursor)
	return nil
}

func (tc *tailConn) read() {
	defer close(tc.lines)
	send := func(item tailLine) bool {
		select {
		case tc.lines <- item:
			return true
		case <-tc.done:
			return false
		}
	}
	scanner := bufio.NewScanner(tc.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		var line api.TailLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			send(tailLine{err: fmt.Errorf("decode tail line: %w", err)})
			return
		}
		if !send(tailLine{line: line}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		send(tailLine{err: err})
		return
	}
	send(tailLine{err: io.EOF})
}

// Next returns the next event with a seq above Cursor. Heartbeats are
// consumed internally. With reconnect enabled, lagged streams, disconnects
// and idle timeouts resume transparently from Cursor.
func (s *TailStream) Next(ctx context.Context) (api.Event, error) {
	for {
		if s.conn == nil {
			if err := s.reconnect(ctx); err != nil {
				return api.Event{}, err
			}
		}
		timer := time.NewTimer(s.c.tailIdleTimeout)
		var (
			item    tailLine
			ok      bool
			idle    bool
			stopped error
		)
		select {
		case <-ctx.Done():
			stopped = ctx.Err()
		case <-s.ctx.Done():
			stopped = s.ctx.Err()
		case <-timer.C:
			idle = true
		case item, ok = <-s.conn.lines:
		}
		timer.Stop()
		if stopped != nil {
			return api.Event{}, stopped
		}

		var cause error
		switch {
		case idle:
			cause = fmt.Errorf("collabd: tail idle for %s", s.c.tailIdleTimeout)
		case !ok:
			cause = io.EOF
		case item.err != nil:
			cause = item.err
		case item.line.Type == api.TailTypeHeartbeat:
			s.attempts = 0
			if s.cfg.onHeartbeat != nil {
				s.cfg.onHeartbeat(api.TailControl{Type: item.line.Type, TS: item.line.TS, Cursor: item.line.Cursor})
			}
			continue
		case item.line.Type == api.TailTypeLagged:
			cause = ErrTailLagged
		default:
			s.attempts = 0
			if item.line.Seq <= s.cursor {
				continue
			}
			s.cursor = item.line.Seq
			return item.line.Event, nil
		}

		s.conn.close()
		s.conn = nil
		if !s.cfg.reconnect {
			return api.Event{}, cause
		}
		s.c.logDebugCtx(ctx, "client.tail.resume", "cursor", s.cursor, "cause", cause)
	}
}

func (s *TailStream) reconnect(ctx context.Context) error {
	for {
		if s.attempts > 0 {
			delay := s.c.reconnectBackoff << min(s.attempts-1, 6)
			if delay > maxReconnectBackoff {
				delay = maxReconnectBackoff
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-s.ctx.Done():
				timer.Stop()
				return s.ctx.Err()
			case <-timer.C:
			}
		}
		s.attempts++
		err := s.connect()
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			return err
		}
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		s.c.logWarnCtx(ctx, "client.tail.reconnect_failed", "cursor", s.cursor, "attempt", s.attempts, "error", err)
	}
}
