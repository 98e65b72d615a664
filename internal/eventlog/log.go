// Package eventlog is the durable, gapless, append-only event log and the
// broker that fans new events out to live tails.
//
// Appends are serialized by a single writer mutex: the next seq is assigned,
// the record is framed and flushed through the durable backend, and only
// then does the head advance. Delivery to subscribers happens afterwards on
// the broker goroutine, so appends never wait on readers.
//
// Records live in segments named after their first seq
// (events/00000000000000000001.log). Segments rotate once they exceed the
// configured size; everything but the newest segment is sealed and may be
// archived.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/collabd/internal/atomicfile"
	"pkt.systems/collabd/internal/clock"
	"pkt.systems/collabd/internal/loggingutil"
)

const (
	// DefaultSegmentBytes is the rotation threshold for segments.
	DefaultSegmentBytes = 64 << 20
	// DefaultSubscriberBuffer is the per-subscriber delivery buffer.
	DefaultSubscriberBuffer = 256
	// DefaultCacheSize is how many recent events are served from memory.
	DefaultCacheSize = 4096

	segmentDir    = "events"
	segmentSuffix = ".log"
	indexStride   = 128
	readBatch     = 256
)

// Backend persists framed records. *atomicfile.Writer satisfies it.
type Backend interface {
	Append(name string, payload []byte) (int64, error)
	ScanRange(name string, start, end int64, fn func(offset int64, payload []byte) error) (atomicfile.ScanResult, error)
	Recover(name string) (atomicfile.ScanResult, error)
	ReadDir(dir string) ([]atomicfile.Entry, error)
	Path(name string) (string, error)
}

// Config wires a Log.
type Config struct {
	Backend          Backend
	Clock            clock.Clock
	Logger           pslog.Logger
	SegmentBytes     int64
	SubscriberBuffer int
	CacheSize        int
}

type indexPoint struct {
	seq    uint64
	offset int64
}

type segment struct {
	name     string
	firstSeq uint64
	lastSeq  uint64
	size     int64
	index    []indexPoint
}

// SegmentInfo describes one on-disk segment.
type SegmentInfo struct {
	Name     string
	Path     string
	FirstSeq uint64
	LastSeq  uint64
	Size     int64
}

// Log is the event log.
type Log struct {
	backend      Backend
	clock        clock.Clock
	logger       pslog.Logger
	segmentBytes int64
	cacheSize    int

	// writeMu serializes appends, including the durable write.
	writeMu sync.Mutex

	// mu guards the fields below. It is never held across I/O.
	mu       sync.RWMutex
	head     uint64
	segments []*segment
	cache    []Event
	closed   bool

	broker *broker
}

// Open recovers the log found in the backend and starts the broker.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("eventlog: backend is required")
	}
	l := &Log{
		backend:      cfg.Backend,
		clock:        clock.OrReal(cfg.Clock),
		logger:       loggingutil.EnsureLogger(cfg.Logger),
		segmentBytes: cfg.SegmentBytes,
		cacheSize:    cfg.CacheSize,
	}
	if l.segmentBytes <= 0 {
		l.segmentBytes = DefaultSegmentBytes
	}
	if l.cacheSize <= 0 {
		l.cacheSize = DefaultCacheSize
	}
	if err := l.recover(ctx); err != nil {
		return nil, err
	}
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	l.broker = newBroker(l, buffer, l.head)
	go l.broker.run()
	return l, nil
}

func segmentName(firstSeq uint64) string {
	return fmt.Sprintf("%s/%020d%s", segmentDir, firstSeq, segmentSuffix)
}

func parseSegmentName(file string) (uint64, bool) {
	if !strings.HasSuffix(file, segmentSuffix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(file, segmentSuffix), 10, 64)
	if err != nil || seq == 0 {
		return 0, false
	}
	return seq, true
}

func (l *Log) recover(ctx context.Context) error {
	logger := loggingutil.FromContext(ctx, l.logger)
	entries, err := l.backend.ReadDir(segmentDir)
	if err != nil {
		return fmt.Errorf("eventlog: list segments: %w", err)
	}
	var firsts []uint64
	for _, entry := range entries {
		if entry.IsDir {
			continue
		}
		if seq, ok := parseSegmentName(entry.Name); ok {
			firsts = append(firsts, seq)
		}
	}
	sort.Slice(firsts, func(i, j int) bool { return firsts[i] < firsts[j] })

	var expect uint64
	for i, first := range firsts {
		seg := &segment{name: segmentName(first), firstSeq: first}
		last := i == len(firsts)-1
		if last {
			res, err := l.backend.Recover(seg.name)
			if err != nil {
				return fmt.Errorf("eventlog: recover %s: %w", seg.name, err)
			}
			if res.Torn {
				logger.Warn("eventlog.recover.truncated_tail", "segment", seg.name, "offset", res.GoodOffset, "size", res.Size)
			}
		}
		if expect != 0 && first != expect+1 {
			return fmt.Errorf("%w: segment %s starts at %d, expected %d", ErrCorrupt, seg.name, first, expect+1)
		}
		res, err := l.backend.ScanRange(seg.name, 0, -1, func(offset int64, payload []byte) error {
			var ev Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				return fmt.Errorf("%w: %s at %d: %v", ErrCorrupt, seg.name, offset, err)
			}
			want := seg.firstSeq
			if seg.lastSeq != 0 {
				want = seg.lastSeq + 1
			}
			if ev.Seq != want {
				return fmt.Errorf("%w: %s at %d has seq %d, expected %d", ErrCorrupt, seg.name, offset, ev.Seq, want)
			}
			seg.track(ev.Seq, offset)
			l.remember(ev)
			return nil
		})
		if err != nil {
			return err
		}
		if res.Torn {
			return fmt.Errorf("%w: sealed segment %s is damaged at offset %d", ErrCorrupt, seg.name, res.GoodOffset)
		}
		seg.size = res.GoodOffset
		if seg.lastSeq != 0 {
			expect = seg.lastSeq
		} else if !last {
			return fmt.Errorf("%w: sealed segment %s is empty", ErrCorrupt, seg.name)
		}
		l.segments = append(l.segments, seg)
	}
	l.head = expect
	logger.Info("eventlog.recover.complete", "segments", len(l.segments), "head", l.head)
	return nil
}

func (s *segment) track(seq uint64, offset int64) {
	if s.lastSeq == 0 || (seq-s.firstSeq)%indexStride == 0 {
		s.index = append(s.index, indexPoint{seq: seq, offset: offset})
	}
	s.lastSeq = seq
}

// startOffset returns the offset of the last indexed record at or before seq.
func (s *segment) startOffset(seq uint64) int64 {
	i := sort.Search(len(s.index), func(i int) bool { return s.index[i].seq > seq })
	if i == 0 {
		return 0
	}
	return s.index[i-1].offset
}

func (l *Log) remember(ev Event) {
	l.cache = append(l.cache, ev)
	if len(l.cache) > l.cacheSize+l.cacheSize/4 {
		trimmed := make([]Event, l.cacheSize, l.cacheSize+l.cacheSize/4+1)
		copy(trimmed, l.cache[len(l.cache)-l.cacheSize:])
		l.cache = trimmed
	}
}

// Head returns the seq of the newest durable event (0 when empty).
func (l *Log) Head() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Append assigns the next seq to ev, writes it durably and returns it. The
// caller-supplied Seq and TS are ignored.
func (l *Log) Append(ctx context.Context, ev Event) (Event, error) {
	if err := validate(ev); err != nil {
		return Event{}, err
	}
	if len(ev.Details) > 0 {
		ev.Details = append(json.RawMessage(nil), ev.Details...)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	closed, head := l.closed, l.head
	var active *segment
	if n := len(l.segments); n > 0 {
		active = l.segments[n-1]
	}
	l.mu.RUnlock()
	if closed {
		return Event{}, ErrClosed
	}

	ev.Seq = head + 1
	ev.TS = l.clock.Now()
	payload, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: encode event: %w", err)
	}
	target := active
	rotated := false
	if target == nil || (target.size > 0 && target.size+int64(len(payload)) > l.segmentBytes) {
		target = &segment{name: segmentName(ev.Seq), firstSeq: ev.Seq}
		rotated = true
	}
	end, err := l.backend.Append(target.name, payload)
	if err != nil {
		loggingutil.FromContext(ctx, l.logger).Warn("eventlog.append.write_failed", "seq", ev.Seq, "segment", target.name, "error", err)
		return Event{}, fmt.Errorf("%w: %w", ErrDurability, err)
	}
	offset := target.size

	l.mu.Lock()
	if rotated {
		l.segments = append(l.segments, target)
	}
	target.track(ev.Seq, offset)
	target.size = end
	l.head = ev.Seq
	l.remember(ev)
	l.mu.Unlock()

	if rotated && active != nil {
		l.logger.Info("eventlog.segment.rotated", "sealed", active.name, "active", target.name)
	}
	l.broker.notify()
	return ev, nil
}

// Read returns up to limit events with seq greater than since, in order.
func (l *Log) Read(since uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = readBatch
	}
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrClosed
	}
	if since >= l.head {
		l.mu.RUnlock()
		return nil, nil
	}
	if n := len(l.cache); n > 0 && l.cache[0].Seq <= since+1 {
		start := int(since + 1 - l.cache[0].Seq)
		end := start + limit
		if end > n {
			end = n
		}
		out := make([]Event, end-start)
		copy(out, l.cache[start:end])
		l.mu.RUnlock()
		return out, nil
	}
	type segmentView struct {
		name   string
		last   uint64
		size   int64
		offset int64
	}
	views := make([]segmentView, 0, len(l.segments))
	for _, seg := range l.segments {
		if seg.lastSeq <= since {
			continue
		}
		views = append(views, segmentView{name: seg.name, last: seg.lastSeq, size: seg.size, offset: seg.startOffset(since + 1)})
	}
	l.mu.RUnlock()

	out := make([]Event, 0, limit)
	errFull := errors.New("full")
	for _, view := range views {
		_, err := l.backend.ScanRange(view.name, view.offset, view.size, func(offset int64, payload []byte) error {
			var ev Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				return fmt.Errorf("%w: %s at %d: %v", ErrCorrupt, view.name, offset, err)
			}
			if ev.Seq <= since {
				return nil
			}
			out = append(out, ev)
			if len(out) >= limit {
				return errFull
			}
			return nil
		})
		if errors.Is(err, errFull) {
			break
		}
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: segment %s disappeared", ErrCorrupt, view.name)
			}
			return nil, err
		}
	}
	return out, nil
}

// Subscribe registers a tail starting after since. See Subscription.
func (l *Log) Subscribe(since uint64) (*Subscription, error) {
	l.mu.RLock()
	closed, head := l.closed, l.head
	l.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if since > head {
		return nil, fmt.Errorf("%w: since=%d head=%d", ErrCursorAhead, since, head)
	}
	return l.broker.subscribe(since)
}

// Subscribers returns the number of live subscriptions.
func (l *Log) Subscribers() int {
	return l.broker.count()
}

// Segments describes every segment, oldest first. The last one is active.
func (l *Log) Segments() []SegmentInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]SegmentInfo, 0, len(l.segments))
	for _, seg := range l.segments {
		info := SegmentInfo{Name: seg.name, FirstSeq: seg.firstSeq, LastSeq: seg.lastSeq, Size: seg.size}
		if path, err := l.backend.Path(seg.name); err == nil {
			info.Path = path
		}
		out = append(out, info)
	}
	return out
}

// SealedSegments returns every segment except the active one.
func (l *Log) SealedSegments() []SegmentInfo {
	all := l.Segments()
	if len(all) <= 1 {
		return nil
	}
	return all[:len(all)-1]
}

// Close stops the broker and ends every subscription with ErrClosed.
func (l *Log) Close() error {
	l.writeMu.Lock()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.writeMu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.writeMu.Unlock()
	l.broker.close()
	return nil
}
