package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// broker delivers appended events to subscribers in seq order from a single
// goroutine. Sends never block: a subscriber whose buffer is full is dropped
// with ErrLagged and must reconnect from its last seen seq.
type broker struct {
	log    *Log
	buffer int

	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	delivered uint64
	closed    bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newBroker(l *Log, buffer int, head uint64) *broker {
	return &broker{
		log:       l,
		buffer:    buffer,
		subs:      make(map[*Subscription]struct{}),
		delivered: head,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (b *broker) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *broker) run() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case <-b.wake:
		}
		for {
			b.mu.Lock()
			cursor := b.delivered
			b.mu.Unlock()
			events, err := b.log.Read(cursor, readBatch)
			if errors.Is(err, ErrClosed) {
				return
			}
			if err != nil {
				b.log.logger.Error("eventlog.broker.read_failed", "cursor", cursor, "error", err)
				break
			}
			if len(events) == 0 {
				break
			}
			for _, ev := range events {
				b.publish(ev)
			}
		}
	}
}

func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.log.logger.Warn("eventlog.subscriber.lagged", "subscriber", sub.id, "seq", ev.Seq, "buffer", cap(sub.ch))
			b.dropLocked(sub, ErrLagged)
		}
	}
	b.delivered = ev.Seq
}

func (b *broker) subscribe(since uint64) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &Subscription{
		log:    b.log,
		broker: b,
		ch:     make(chan Event, b.buffer),
		cursor: since,
		start:  b.delivered,
	}
	sub.id = fmt.Sprintf("%p", sub)
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *broker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *broker) dropLocked(sub *Subscription, reason error) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.err = reason
	close(sub.ch)
}

func (b *broker) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for sub := range b.subs {
		b.dropLocked(sub, ErrClosed)
	}
	b.mu.Unlock()
	close(b.stop)
	<-b.done
}

// Subscription is one tail of the log. Next first replays the events that
// already existed when the subscription was registered and then returns live
// events, always in strictly increasing seq order. It is not safe for
// concurrent use.
type Subscription struct {
	id     string
	log    *Log
	broker *broker
	ch     chan Event
	// err is written before ch is closed.
	err error

	cursor  uint64
	start   uint64
	pending []Event
}

// Cursor returns the seq of the last event returned by Next, or the initial
// since value.
func (s *Subscription) Cursor() uint64 {
	return s.cursor
}

// Next blocks until the next event is available, ctx is done, or the
// subscription ends. A lagged subscription returns ErrLagged once the
// events already buffered for it have been consumed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if ev.Seq <= s.cursor {
				continue
			}
			s.cursor = ev.Seq
			return ev, nil
		}
		if s.cursor < s.start {
			batch, err := s.log.Read(s.cursor, readBatch)
			if err != nil {
				return Event{}, err
			}
			if len(batch) == 0 {
				return Event{}, fmt.Errorf("%w: replay from %d returned nothing before %d", ErrCorrupt, s.cursor, s.start)
			}
			s.pending = batch
			continue
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case ev, ok := <-s.ch:
			if !ok {
				return Event{}, s.err
			}
			if ev.Seq <= s.cursor {
				continue
			}
			s.cursor = ev.Seq
			return ev, nil
		}
	}
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.dropLocked(s, ErrClosed)
}
