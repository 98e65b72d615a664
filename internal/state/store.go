// Package state holds the authoritative value and version of every resource
// and applies optimistic-concurrency updates to them.
//
// Each (kind, id) has its own mutex; unrelated resources never contend. A
// mutation is written through the durable backend before the in-memory copy
// advances, so a failed write leaves the resource untouched.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/collabd/internal/atomicfile"
	"pkt.systems/collabd/internal/clock"
	"pkt.systems/collabd/internal/loggingutil"
)

// Backend persists resource records. *atomicfile.Writer satisfies it.
type Backend interface {
	Write(name string, data []byte) error
	Read(name string) ([]byte, error)
	Remove(name string) error
	ReadDir(dir string) ([]atomicfile.Entry, error)
}

// Op names the mutation carried by a Change.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change describes one committed mutation.
type Change struct {
	Op      Op
	Kind    string
	ID      string
	Version uint64
}

// ChangeHook observes committed mutations of non-reserved kinds. It runs
// while the resource lock is held so hooks see changes of one resource in
// version order. A hook error is logged; the mutation stays committed.
type ChangeHook func(ctx context.Context, change Change) error

// Resource is the stored form of a versioned resource.
type Resource struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Version   uint64          `json:"version"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Item is one row of a List snapshot.
type Item struct {
	ID      string
	Version uint64
}

// Config wires a Store.
type Config struct {
	Backend  Backend
	Clock    clock.Clock
	Logger   pslog.Logger
	OnChange ChangeHook
}

type entry struct {
	mu  sync.Mutex
	rec Resource // Version 0 means the resource was never committed.
}

// Store is the versioned resource store.
type Store struct {
	backend  Backend
	clock    clock.Clock
	logger   pslog.Logger
	onChange ChangeHook

	mu    sync.RWMutex
	kinds map[string]map[string]*entry
}

// Open builds a Store and loads every record found in the backend.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("state: backend is required")
	}
	s := &Store{
		backend:  cfg.Backend,
		clock:    clock.OrReal(cfg.Clock),
		logger:   loggingutil.EnsureLogger(cfg.Logger),
		onChange: cfg.OnChange,
		kinds:    make(map[string]map[string]*entry),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// SetChangeHook replaces the change hook. It must be called before the store
// is shared between goroutines.
func (s *Store) SetChangeHook(hook ChangeHook) {
	s.onChange = hook
}

func (s *Store) load(ctx context.Context) error {
	kinds, err := s.backend.ReadDir("state")
	if err != nil {
		return fmt.Errorf("state: list kinds: %w", err)
	}
	loaded := 0
	for _, kindEntry := range kinds {
		if !kindEntry.IsDir {
			continue
		}
		files, err := s.backend.ReadDir("state/" + kindEntry.Name)
		if err != nil {
			return fmt.Errorf("state: list %s: %w", kindEntry.Name, err)
		}
		for _, file := range files {
			if file.IsDir || !strings.HasSuffix(file.Name, ".json") {
				continue
			}
			name := "state/" + kindEntry.Name + "/" + file.Name
			data, err := s.backend.Read(name)
			if err != nil {
				return fmt.Errorf("state: read %s: %w", name, err)
			}
			var rec Resource
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("state: decode %s: %w", name, err)
			}
			if rec.Kind != kindEntry.Name || rec.ID+".json" != file.Name || rec.Version == 0 {
				return fmt.Errorf("state: record %s does not match its location", name)
			}
			s.entry(rec.Kind, rec.ID, true).rec = rec
			loaded++
		}
	}
	loggingutil.FromContext(ctx, s.logger).Debug("state.load.complete", "records", loaded)
	return nil
}

func (s *Store) entry(kind, id string, create bool) *entry {
	s.mu.RLock()
	e := s.kinds[kind][id]
	s.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.kinds[kind]
	if byID == nil {
		byID = make(map[string]*entry)
		s.kinds[kind] = byID
	}
	if e = byID[id]; e == nil {
		e = &entry{}
		byID[id] = e
	}
	return e
}

// Get returns the current value of a live resource.
func (s *Store) Get(kind, id string) (Resource, error) {
	if err := validateKey(kind, id); err != nil {
		return Resource{}, err
	}
	e := s.entry(kind, id, false)
	if e == nil {
		return Resource{}, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.Version == 0 || e.rec.Deleted {
		return Resource{}, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	return cloneResource(e.rec), nil
}

// Create stores a new resource at version 1. Creating over a tombstone
// continues its version sequence.
func (s *Store) Create(ctx context.Context, kind, id string, payload json.RawMessage) (Resource, error) {
	if err := validateKey(kind, id); err != nil {
		return Resource{}, err
	}
	if err := validatePayload(payload); err != nil {
		return Resource{}, err
	}
	e := s.entry(kind, id, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.Version > 0 && !e.rec.Deleted {
		return Resource{}, fmt.Errorf("%w: %s/%s", ErrAlreadyExists, kind, id)
	}
	next := Resource{
		Kind:      kind,
		ID:        id,
		Version:   e.rec.Version + 1,
		Payload:   compactPayload(payload),
		UpdatedAt: s.clock.Now(),
	}
	return s.commit(ctx, e, next, OpCreate)
}

// Update replaces the payload when expected matches the current version.
// Against a tombstone it answers ErrNotFound for the tombstone version and
// a version conflict for anything older.
func (s *Store) Update(ctx context.Context, kind, id string, expected uint64, payload json.RawMessage) (Resource, error) {
	if err := validateKey(kind, id); err != nil {
		return Resource{}, err
	}
	if err := validatePayload(payload); err != nil {
		return Resource{}, err
	}
	e := s.entry(kind, id, false)
	if e == nil {
		return Resource{}, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := checkExpected(e.rec, kind, id, expected); err != nil {
		return Resource{}, err
	}
	next := e.rec
	next.Version++
	next.Payload = compactPayload(payload)
	next.UpdatedAt = s.clock.Now()
	return s.commit(ctx, e, next, OpUpdate)
}

// Delete replaces a live resource with a tombstone at version+1.
func (s *Store) Delete(ctx context.Context, kind, id string, expected uint64) (Resource, error) {
	if err := validateKey(kind, id); err != nil {
		return Resource{}, err
	}
	e := s.entry(kind, id, false)
	if e == nil {
		return Resource{}, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := checkExpected(e.rec, kind, id, expected); err != nil {
		return Resource{}, err
	}
	next := e.rec
	next.Version++
	next.Payload = nil
	next.Deleted = true
	next.UpdatedAt = s.clock.Now()
	return s.commit(ctx, e, next, OpDelete)
}

func checkExpected(rec Resource, kind, id string, expected uint64) error {
	if rec.Version == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	if rec.Deleted && expected == rec.Version {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	if expected != rec.Version {
		return &ConflictError{Kind: kind, ID: id, Expected: expected, Current: rec.Version, Deleted: rec.Deleted}
	}
	return nil
}

// commit persists next and then publishes it. Callers hold e.mu.
func (s *Store) commit(ctx context.Context, e *entry, next Resource, op Op) (Resource, error) {
	logger := loggingutil.FromContext(ctx, s.logger)
	data, err := json.Marshal(next)
	if err != nil {
		return Resource{}, fmt.Errorf("state: encode %s/%s: %w", next.Kind, next.ID, err)
	}
	if err := s.backend.Write(recordName(next.Kind, next.ID), data); err != nil {
		logger.Warn("state.commit.write_failed", "kind", next.Kind, "id", next.ID, "op", string(op), "error", err)
		return Resource{}, fmt.Errorf("%w: %s/%s: %w", ErrDurability, next.Kind, next.ID, err)
	}
	e.rec = next
	logger.Debug("state.commit.success", "kind", next.Kind, "id", next.ID, "op", string(op), "version", next.Version)
	if s.onChange != nil && !IsReserved(next.Kind) {
		change := Change{Op: op, Kind: next.Kind, ID: next.ID, Version: next.Version}
		if err := s.onChange(ctx, change); err != nil {
			logger.Error("state.commit.notify_failed", "kind", next.Kind, "id", next.ID, "version", next.Version, "error", err)
		}
	}
	return cloneResource(next), nil
}

// List returns the live resources of kind sorted by id, as of the call.
func (s *Store) List(kind string) ([]Item, error) {
	if err := ValidateName("kind", kind); err != nil {
		return nil, err
	}
	s.mu.RLock()
	byID := s.kinds[kind]
	entries := make([]*entry, 0, len(byID))
	for _, e := range byID {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		if rec.Version == 0 || rec.Deleted {
			continue
		}
		items = append(items, Item{ID: rec.ID, Version: rec.Version})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// ListPage returns up to limit items with ids greater than after, plus the
// cursor for the next page ("" when the listing is exhausted).
func (s *Store) ListPage(kind, after string, limit int) ([]Item, string, error) {
	items, err := s.List(kind)
	if err != nil {
		return nil, "", err
	}
	start := sort.Search(len(items), func(i int) bool { return items[i].ID > after })
	items = items[start:]
	if limit <= 0 || len(items) <= limit {
		return items, "", nil
	}
	page := items[:limit]
	return page, page[len(page)-1].ID, nil
}

// Prune forgets records of a reserved kind, tombstones included, that last
// changed before cutoff and for which drop reports true. It returns the
// pruned ids. Ids of reserved kinds are never reused, so a pruned record
// needs no tombstone to keep its version sequence.
func (s *Store) Prune(ctx context.Context, kind string, cutoff time.Time, drop func(Resource) bool) ([]string, error) {
	if !IsReserved(kind) {
		return nil, fmt.Errorf("%w: only reserved kinds can be pruned, got %q", ErrInvalidName, kind)
	}
	s.mu.RLock()
	byID := s.kinds[kind]
	entries := make([]*entry, 0, len(byID))
	for _, e := range byID {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	logger := loggingutil.FromContext(ctx, s.logger)
	var (
		pruned []string
		errs   []error
	)
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec
		if rec.Version == 0 || !rec.UpdatedAt.Before(cutoff) || !drop(cloneResource(rec)) {
			e.mu.Unlock()
			continue
		}
		if err := s.backend.Remove(recordName(rec.Kind, rec.ID)); err != nil {
			e.mu.Unlock()
			logger.Warn("state.prune.remove_failed", "kind", rec.Kind, "id", rec.ID, "error", err)
			errs = append(errs, fmt.Errorf("%w: %s/%s: %w", ErrDurability, rec.Kind, rec.ID, err))
			continue
		}
		e.rec = Resource{}
		s.mu.Lock()
		if s.kinds[kind][rec.ID] == e {
			delete(s.kinds[kind], rec.ID)
		}
		s.mu.Unlock()
		e.mu.Unlock()
		pruned = append(pruned, rec.ID)
	}
	if len(pruned) > 0 {
		logger.Debug("state.prune.complete", "kind", kind, "pruned", len(pruned))
	}
	return pruned, errors.Join(errs...)
}

// Scan calls fn for every live resource of kind, sorted by id.
func (s *Store) Scan(kind string, fn func(Resource) error) error {
	items, err := s.List(kind)
	if err != nil {
		return err
	}
	for _, item := range items {
		res, err := s.Get(kind, item.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(res); err != nil {
			return err
		}
	}
	return nil
}

func validatePayload(payload json.RawMessage) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: not valid JSON", ErrInvalidPayload)
	}
	return nil
}

func compactPayload(payload json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return append(json.RawMessage(nil), payload...)
	}
	return json.RawMessage(buf.Bytes())
}

func cloneResource(rec Resource) Resource {
	if rec.Payload != nil {
		rec.Payload = append(json.RawMessage(nil), rec.Payload...)
	}
	return rec
}
