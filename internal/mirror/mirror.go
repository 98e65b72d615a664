// Package mirror republishes appended events to a Redis pub/sub channel so
// consumers outside the process can follow the log without holding a tail
// open against collabd.
//
// The mirror stores the seq of the last published event under a Redis key.
// After a restart it resumes from that key, so delivery to the channel is
// at-least-once and consumers dedupe by seq.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"

	"pkt.systems/collabd/internal/clock"
	"pkt.systems/collabd/internal/eventlog"
	"pkt.systems/collabd/internal/loggingutil"
	"pkt.systems/collabd/internal/svcfields"
)

const (
	// DefaultChannel receives one JSON message per event.
	DefaultChannel = "collabd:events"
	// DefaultCursorKey stores the last published seq.
	DefaultCursorKey = "collabd:mirror:cursor"
	// DefaultRetryInterval spaces publish retries while Redis is unavailable.
	DefaultRetryInterval = time.Second
)

// Source is the part of the event log the mirror follows.
type Source interface {
	Head() uint64
	Subscribe(since uint64) (*eventlog.Subscription, error)
}

// Config wires a Mirror.
type Config struct {
	Client        *redis.Client
	Source        Source
	Channel       string
	CursorKey     string
	RetryInterval time.Duration
	Logger        pslog.Logger
	Clock         clock.Clock
}

// Mirror copies events from the log to Redis.
type Mirror struct {
	rdb           *redis.Client
	source        Source
	channel       string
	cursorKey     string
	retryInterval time.Duration
	logger        pslog.Logger
	clock         clock.Clock

	cursor    atomic.Uint64
	published atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and returns an idle Mirror.
func New(cfg Config) (*Mirror, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("mirror: redis client required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("mirror: event source required")
	}
	m := &Mirror{
		rdb:           cfg.Client,
		source:        cfg.Source,
		channel:       cfg.Channel,
		cursorKey:     cfg.CursorKey,
		retryInterval: cfg.RetryInterval,
		logger:        svcfields.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "events.mirror"),
		clock:         clock.OrReal(cfg.Clock),
	}
	if m.channel == "" {
		m.channel = DefaultChannel
	}
	if m.cursorKey == "" {
		m.cursorKey = DefaultCursorKey
	}
	if m.retryInterval <= 0 {
		m.retryInterval = DefaultRetryInterval
	}
	return m, nil
}

// Channel returns the pub/sub channel events are published to.
func (m *Mirror) Channel() string {
	return m.channel
}

// Cursor returns the seq of the last event published.
func (m *Mirror) Cursor() uint64 {
	return m.cursor.Load()
}

// Published returns how many events this process has published.
func (m *Mirror) Published() uint64 {
	return m.published.Load()
}

// LoadCursor reads the stored cursor. A missing key yields 0; a cursor
// ahead of the log head is clamped to the head.
func (m *Mirror) LoadCursor(ctx context.Context) (uint64, error) {
	raw, err := m.rdb.Get(ctx, m.cursorKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("mirror: load cursor: %w", err)
	}
	cursor, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("mirror: cursor %q: %w", raw, err)
	}
	if head := m.source.Head(); cursor > head {
		m.logger.Warn("mirror.cursor.ahead", "cursor", cursor, "head", head)
		cursor = head
	}
	return cursor, nil
}

// Start loads the stored cursor and launches the publish loop.
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("mirror: already started")
	}
	cursor, err := m.LoadCursor(ctx)
	if err != nil {
		return err
	}
	m.cursor.Store(cursor)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(runCtx)
	}()
	m.logger.Info("mirror.start", "channel", m.channel, "cursor", cursor)
	return nil
}

// Stop ends the publish loop and waits for it to exit.
func (m *Mirror) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.logger.Info("mirror.stop", "cursor", m.cursor.Load(), "published", m.published.Load())
}

func (m *Mirror) run(ctx context.Context) {
	for ctx.Err() == nil {
		sub, err := m.source.Subscribe(m.cursor.Load())
		if err != nil {
			if errors.Is(err, eventlog.ErrClosed) {
				return
			}
			m.logger.Warn("mirror.subscribe.error", "error", err)
			if !m.wait(ctx) {
				return
			}
			continue
		}
		err = m.drain(ctx, sub)
		sub.Close()
		switch {
		case errors.Is(err, eventlog.ErrLagged):
			m.logger.Warn("mirror.lagged", "cursor", m.cursor.Load())
		case errors.Is(err, eventlog.ErrClosed), ctx.Err() != nil:
			return
		case err != nil:
			m.logger.Warn("mirror.follow.error", "error", err)
			if !m.wait(ctx) {
				return
			}
		}
	}
}

func (m *Mirror) drain(ctx context.Context, sub *eventlog.Subscription) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		for {
			err := m.publish(ctx, ev)
			if err == nil {
				break
			}
			m.logger.Warn("mirror.publish.error", "seq", ev.Seq, "error", err)
			if !m.wait(ctx) {
				return ctx.Err()
			}
		}
	}
}

func (m *Mirror) publish(ctx context.Context, ev eventlog.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = m.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, m.channel, payload)
		p.Set(ctx, m.cursorKey, strconv.FormatUint(ev.Seq, 10), 0)
		return nil
	})
	if err != nil {
		return err
	}
	m.cursor.Store(ev.Seq)
	m.published.Add(1)
	m.logger.Trace("mirror.publish.success", "seq", ev.Seq, "type", ev.Type)
	return nil
}

func (m *Mirror) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.clock.After(m.retryInterval):
		return true
	}
}
