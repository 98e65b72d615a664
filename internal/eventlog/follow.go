package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/collabd/internal/atomicfile"
)

// DefaultFollowPoll is the fallback rescan interval of Follow when no
// filesystem notification arrives.
const DefaultFollowPoll = 2 * time.Second

// Reader reads the segments of a data directory without taking ownership of
// it. It is used by offline tooling next to a running server.
type Reader struct {
	dir     string
	offsets map[string]int64
	cursor  uint64
}

// NewReader prepares a reader for the data directory dataDir that yields
// events with seq greater than since.
func NewReader(dataDir string, since uint64) *Reader {
	return &Reader{
		dir:     filepath.Join(dataDir, segmentDir),
		offsets: make(map[string]int64),
		cursor:  since,
	}
}

// Cursor returns the seq of the last event delivered.
func (r *Reader) Cursor() uint64 {
	return r.cursor
}

// Drain delivers every complete record currently on disk. A torn record at
// the end of the newest segment is treated as a write in progress and picked
// up by a later call.
func (r *Reader) Drain(fn func(Event) error) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("eventlog: list %s: %w", r.dir, err)
	}
	type seg struct {
		first uint64
		name  string
	}
	var segs []seg
	for _, entry := range entries {
		if first, ok := parseSegmentName(entry.Name()); ok && !entry.IsDir() {
			segs = append(segs, seg{first: first, name: entry.Name()})
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].first < segs[j].first })
	for i, s := range segs {
		if i+1 < len(segs) && segs[i+1].first <= r.cursor+1 {
			continue
		}
		path := filepath.Join(r.dir, s.name)
		res, err := atomicfile.ScanFile(path, r.offsets[s.name], -1, func(offset int64, payload []byte) error {
			var ev Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				return fmt.Errorf("%w: %s at %d: %v", ErrCorrupt, s.name, offset, err)
			}
			if ev.Seq <= r.cursor {
				return nil
			}
			if err := fn(ev); err != nil {
				return err
			}
			r.cursor = ev.Seq
			return nil
		})
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		r.offsets[s.name] = res.GoodOffset
	}
	return nil
}

// Follow drains dataDir and then keeps delivering new events as the server
// appends them, waking on fsnotify events and on a fallback poll. It
// returns when ctx is done or fn fails.
func Follow(ctx context.Context, dataDir string, since uint64, poll time.Duration, fn func(Event) error) error {
	if poll <= 0 {
		poll = DefaultFollowPoll
	}
	reader := NewReader(dataDir, since)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("eventlog: create watcher: %w", err)
	}
	defer watcher.Close()
	dir := filepath.Join(dataDir, segmentDir)
	watching, err := watchSegments(watcher, dataDir, dir)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if !watching {
			// The log has not written its first segment yet; pick up the
			// directory once it exists.
			if watching, err = watchSegments(watcher, dataDir, dir); err != nil {
				return err
			}
		}
		if err := reader.Drain(fn); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
		case _, ok := <-watcher.Errors:
			// Overflow or transient watcher errors fall back to a rescan.
			if !ok {
				return nil
			}
		case <-ticker.C:
		}
	}
}

// watchSegments adds the segment directory to w. When it does not exist yet
// the data directory is watched instead, if present, and false is returned.
func watchSegments(w *fsnotify.Watcher, dataDir, dir string) (bool, error) {
	err := w.Add(dir)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("eventlog: watch %s: %w", dir, err)
	}
	if err := w.Add(dataDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("eventlog: watch %s: %w", dataDir, err)
	}
	return false, nil
}
