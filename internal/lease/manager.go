// Package lease grants exclusive, time-boxed ownership of named resources.
//
// Lease records are versioned resources of the reserved kind "_leases", so
// they survive restarts and inherit the store's durability. Operations on
// one resource are serialized by a per-resource mutex; the reclaim sweep
// works from a snapshot and rechecks every candidate under that mutex.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/collabd/internal/clock"
	"pkt.systems/collabd/internal/loggingutil"
	"pkt.systems/collabd/internal/state"
)

const (
	// DefaultMinTTL is the smallest TTL accepted by Acquire.
	DefaultMinTTL = 5 * time.Second
	// DefaultMaxTTL is the largest TTL accepted by Acquire.
	DefaultMaxTTL = time.Hour
	// DefaultSweepInterval is how often expired leases are reclaimed.
	DefaultSweepInterval = time.Second
	// DefaultRetention is how long released and reclaimed lease records
	// stay readable before the sweep prunes them.
	DefaultRetention = 24 * time.Hour

	lockStripes = 256
)

// TransitionHook observes lease transitions. It runs while the resource
// mutex is held, so transitions of one resource arrive in order. Errors are
// logged and do not undo the transition. actor is empty for reclaims.
type TransitionHook func(ctx context.Context, t Transition, l Lease, actor string) error

// Config wires a Manager.
type Config struct {
	Store         *state.Store
	Clock         clock.Clock
	Logger        pslog.Logger
	MinTTL        time.Duration
	MaxTTL        time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
	OnTransition  TransitionHook
}

// Manager owns every lease.
type Manager struct {
	store         *state.Store
	clock         clock.Clock
	logger        pslog.Logger
	minTTL        time.Duration
	maxTTL        time.Duration
	sweepInterval time.Duration
	retention     time.Duration
	onTransition  TransitionHook

	locks [lockStripes]sync.Mutex // striped by resource key

	mu     sync.RWMutex
	active map[string]Lease // resource key -> active lease

	// unannounced holds duplicates reclaimed by rebuild before a
	// transition hook was installed.
	unannounced []Lease

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// Open builds a Manager and rebuilds the active index from the lease
// records already in the store.
func Open(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("lease: store is required")
	}
	m := &Manager{
		store:         cfg.Store,
		clock:         clock.OrReal(cfg.Clock),
		logger:        loggingutil.EnsureLogger(cfg.Logger),
		minTTL:        cfg.MinTTL,
		maxTTL:        cfg.MaxTTL,
		sweepInterval: cfg.SweepInterval,
		retention:     cfg.Retention,
		onTransition:  cfg.OnTransition,
		active:        make(map[string]Lease),
	}
	if m.minTTL <= 0 {
		m.minTTL = DefaultMinTTL
	}
	if m.maxTTL <= 0 {
		m.maxTTL = DefaultMaxTTL
	}
	if m.maxTTL < m.minTTL {
		return nil, fmt.Errorf("lease: max ttl %s is below min ttl %s", m.maxTTL, m.minTTL)
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = DefaultSweepInterval
	}
	if m.retention <= 0 {
		m.retention = DefaultRetention
	}
	if m.sweepInterval >= m.minTTL {
		return nil, fmt.Errorf("lease: sweep interval %s must be shorter than min ttl %s", m.sweepInterval, m.minTTL)
	}
	if err := m.rebuild(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// SetTransitionHook replaces the transition hook. It must be called before
// the manager is shared between goroutines. Reclaims made while opening
// without a hook are delivered to the new hook.
func (m *Manager) SetTransitionHook(hook TransitionHook) {
	m.onTransition = hook
	if hook == nil {
		return
	}
	pending := m.unannounced
	m.unannounced = nil
	for _, l := range pending {
		m.notify(context.Background(), TransitionReclaimed, l, "")
	}
}

// SweepInterval returns the effective reclaim interval.
func (m *Manager) SweepInterval() time.Duration {
	return m.sweepInterval
}

func (m *Manager) rebuild(ctx context.Context) error {
	logger := loggingutil.FromContext(ctx, m.logger)
	var duplicates []Lease
	err := m.store.Scan(Kind, func(res state.Resource) error {
		l, err := decodeLease(res)
		if err != nil {
			return err
		}
		if l.State != StateActive {
			return nil
		}
		key := l.Resource.key()
		if prev, ok := m.active[key]; ok {
			// Keep the newest grant; older ones are reclaimed below.
			if prev.AcquiredAt.After(l.AcquiredAt) {
				duplicates = append(duplicates, l)
				return nil
			}
			duplicates = append(duplicates, prev)
		}
		m.active[key] = l
		return nil
	})
	if err != nil {
		return fmt.Errorf("lease: rebuild index: %w", err)
	}
	for _, dup := range duplicates {
		logger.Warn("lease.rebuild.duplicate", "lock_id", dup.LockID, "resource", dup.Resource.String())
		dup.State = StateReclaimed
		reclaimed, err := m.write(ctx, dup)
		if err != nil {
			return fmt.Errorf("lease: reclaim duplicate %s: %w", dup.LockID, err)
		}
		if m.onTransition == nil {
			m.unannounced = append(m.unannounced, reclaimed)
			continue
		}
		m.notify(ctx, TransitionReclaimed, reclaimed, "")
	}
	logger.Info("lease.rebuild.complete", "active", len(m.active))
	return nil
}

func decodeLease(res state.Resource) (Lease, error) {
	var l Lease
	if err := json.Unmarshal(res.Payload, &l); err != nil {
		return Lease{}, fmt.Errorf("lease: decode %s: %w", res.ID, err)
	}
	if l.LockID != res.ID {
		return Lease{}, fmt.Errorf("lease: record %s carries lock id %q", res.ID, l.LockID)
	}
	l.Version = res.Version
	return l, nil
}

// resourceLock returns the mutex serializing key. Resources sharing a
// stripe serialize against each other; no path holds two stripes.
func (m *Manager) resourceLock(key string) *sync.Mutex {
	return &m.locks[xxhash.Sum64String(key)%lockStripes]
}

func (m *Manager) lookupActive(key string) (Lease, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.active[key]
	return l, ok
}

func (m *Manager) setActive(l Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.State == StateActive {
		m.active[l.Resource.key()] = l
		return
	}
	if cur, ok := m.active[l.Resource.key()]; ok && cur.LockID == l.LockID {
		delete(m.active, l.Resource.key())
	}
}

// write persists l as an update of its record and returns it with the new
// version.
func (m *Manager) write(ctx context.Context, l Lease) (Lease, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return Lease{}, fmt.Errorf("lease: encode %s: %w", l.LockID, err)
	}
	res, err := m.store.Update(ctx, Kind, l.LockID, l.Version, data)
	if err != nil {
		return Lease{}, err
	}
	l.Version = res.Version
	return l, nil
}

func (m *Manager) notify(ctx context.Context, t Transition, l Lease, actor string) {
	if m.onTransition == nil {
		return
	}
	if err := m.onTransition(ctx, t, l, actor); err != nil {
		loggingutil.FromContext(ctx, m.logger).Error("lease.transition.notify_failed",
			"transition", string(t), "lock_id", l.LockID, "error", err)
	}
}

func (m *Manager) validateTTL(ttlSeconds int64) error {
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttlSeconds <= 0 || ttl < m.minTTL || ttl > m.maxTTL {
		return fmt.Errorf("%w: %ds is outside [%s, %s]", ErrInvalidTTL, ttlSeconds, m.minTTL, m.maxTTL)
	}
	return nil
}

func validateHolder(holder string) error {
	if strings.TrimSpace(holder) == "" {
		return fmt.Errorf("%w: holder is required", ErrInvalidHolder)
	}
	if len(holder) > MaxHolderLength {
		return fmt.Errorf("%w: holder exceeds %d characters", ErrInvalidHolder, MaxHolderLength)
	}
	return nil
}

// Acquire grants holder an exclusive lease on res for ttlSeconds. An
// active lease by anyone, including holder, yields a *ConflictError. An
// expired lease that the sweep has not reached yet is reclaimed first.
func (m *Manager) Acquire(ctx context.Context, res Resource, holder string, ttlSeconds int64) (Lease, error) {
	if err := state.ValidateName("resource kind", res.Kind); err != nil {
		return Lease{}, err
	}
	if err := state.ValidateName("resource id", res.ID); err != nil {
		return Lease{}, err
	}
	if err := validateHolder(holder); err != nil {
		return Lease{}, err
	}
	if err := m.validateTTL(ttlSeconds); err != nil {
		return Lease{}, err
	}
	logger := loggingutil.FromContext(ctx, m.logger)
	key := res.key()
	mu := m.resourceLock(key)
	mu.Lock()
	defer mu.Unlock()

	now := m.clock.Now()
	if cur, ok := m.lookupActive(key); ok {
		if cur.ActiveAt(now) {
			logger.Debug("lease.acquire.conflict", "resource", key, "holder", holder, "current_holder", cur.Holder, "lock_id", cur.LockID)
			return Lease{}, &ConflictError{Resource: res, LockID: cur.LockID, Holder: cur.Holder, RetryAfter: cur.Remaining(now)}
		}
		if _, err := m.reclaimLocked(ctx, cur); err != nil {
			return Lease{}, err
		}
	}

	l := Lease{
		LockID:      xid.New().String(),
		Resource:    res,
		Holder:      holder,
		AcquiredAt:  now,
		TTLSeconds:  ttlSeconds,
		HeartbeatAt: now,
		State:       StateActive,
	}
	data, err := json.Marshal(l)
	if err != nil {
		return Lease{}, fmt.Errorf("lease: encode %s: %w", l.LockID, err)
	}
	rec, err := m.store.Create(ctx, Kind, l.LockID, data)
	if err != nil {
		return Lease{}, err
	}
	l.Version = rec.Version
	m.setActive(l)
	logger.Info("lease.acquire.success", "resource", key, "holder", holder, "lock_id", l.LockID, "ttl_seconds", ttlSeconds)
	m.notify(ctx, TransitionAcquired, l, holder)
	return l, nil
}

// current loads the record of lockID and locks its resource. The caller
// must unlock the returned mutex.
func (m *Manager) current(lockID string) (Lease, *sync.Mutex, error) {
	l, err := m.Get(lockID)
	if err != nil {
		return Lease{}, nil, err
	}
	mu := m.resourceLock(l.Resource.key())
	mu.Lock()
	// Re-read under the resource lock; the record may have moved on.
	l, err = m.Get(lockID)
	if err != nil {
		mu.Unlock()
		return Lease{}, nil, err
	}
	return l, mu, nil
}

// Renew moves the heartbeat of an active lease to now.
func (m *Manager) Renew(ctx context.Context, lockID, holder string) (Lease, error) {
	l, mu, err := m.current(lockID)
	if err != nil {
		return Lease{}, err
	}
	defer mu.Unlock()
	logger := loggingutil.FromContext(ctx, m.logger)
	if l.Holder != holder {
		return Lease{}, fmt.Errorf("%w: %s", ErrNotHolder, lockID)
	}
	if l.State == StateReclaimed {
		return Lease{}, fmt.Errorf("%w: %s was reclaimed", ErrExpired, lockID)
	}
	now := m.clock.Now()
	if !l.ActiveAt(now) {
		if _, err := m.reclaimLocked(ctx, l); err != nil {
			return Lease{}, err
		}
		logger.Info("lease.renew.expired", "lock_id", lockID, "holder", holder)
		return Lease{}, fmt.Errorf("%w: %s expired at %s", ErrExpired, lockID, l.ExpiresAt().Format(time.RFC3339Nano))
	}
	l.HeartbeatAt = now
	l, err = m.write(ctx, l)
	if err != nil {
		return Lease{}, err
	}
	m.setActive(l)
	logger.Debug("lease.renew.success", "lock_id", lockID, "holder", holder)
	m.notify(ctx, TransitionRenewed, l, holder)
	return l, nil
}

// Release ends a lease held by holder and tombstones its record. Releasing
// a lease that has expired but not been reclaimed yet is allowed.
func (m *Manager) Release(ctx context.Context, lockID, holder string) (Lease, error) {
	l, mu, err := m.current(lockID)
	if err != nil {
		return Lease{}, err
	}
	defer mu.Unlock()
	if l.Holder != holder {
		return Lease{}, fmt.Errorf("%w: %s", ErrNotHolder, lockID)
	}
	if l.State != StateActive {
		return Lease{}, fmt.Errorf("%w: %s", ErrNotFound, lockID)
	}
	rec, err := m.store.Delete(ctx, Kind, lockID, l.Version)
	if err != nil {
		return Lease{}, err
	}
	l.Version = rec.Version
	l.State = StateReleased
	m.setActive(l)
	loggingutil.FromContext(ctx, m.logger).Info("lease.release.success", "lock_id", lockID, "holder", holder, "resource", l.Resource.String())
	m.notify(ctx, TransitionReleased, l, holder)
	return l, nil
}

// reclaimLocked marks l reclaimed. The caller holds the resource mutex.
func (m *Manager) reclaimLocked(ctx context.Context, l Lease) (Lease, error) {
	l.State = StateReclaimed
	l, err := m.write(ctx, l)
	if err != nil {
		return Lease{}, err
	}
	m.setActive(l)
	loggingutil.FromContext(ctx, m.logger).Info("lease.reclaim.success",
		"lock_id", l.LockID, "holder", l.Holder, "resource", l.Resource.String(), "expired_at", l.ExpiresAt())
	m.notify(ctx, TransitionReclaimed, l, "")
	return l, nil
}

// ReclaimSweep reclaims every lease for which now > heartbeat_at + ttl and
// returns the reclaimed lock ids. It then prunes ended records older than
// the retention window. Failures on single leases are logged and joined
// into the returned error; the sweep continues.
func (m *Manager) ReclaimSweep(ctx context.Context) ([]string, error) {
	snapshot := m.List()
	var (
		reclaimed []string
		errs      []error
	)
	for _, candidate := range snapshot {
		if candidate.ActiveAt(m.clock.Now()) {
			continue
		}
		key := candidate.Resource.key()
		mu := m.resourceLock(key)
		mu.Lock()
		cur, ok := m.lookupActive(key)
		if !ok || cur.LockID != candidate.LockID || cur.ActiveAt(m.clock.Now()) {
			mu.Unlock()
			continue
		}
		_, err := m.reclaimLocked(ctx, cur)
		mu.Unlock()
		if err != nil {
			loggingutil.FromContext(ctx, m.logger).Warn("lease.sweep.reclaim_failed", "lock_id", cur.LockID, "error", err)
			errs = append(errs, err)
			continue
		}
		reclaimed = append(reclaimed, cur.LockID)
	}
	if _, err := m.Prune(ctx); err != nil {
		errs = append(errs, err)
	}
	return reclaimed, errors.Join(errs...)
}

// Prune drops released and reclaimed lease records that ended more than
// the retention window ago. Their lock ids then answer ErrNotFound.
func (m *Manager) Prune(ctx context.Context) ([]string, error) {
	cutoff := m.clock.Now().Add(-m.retention)
	pruned, err := m.store.Prune(ctx, Kind, cutoff, func(res state.Resource) bool {
		if res.Deleted {
			return true
		}
		l, err := decodeLease(res)
		return err == nil && l.State != StateActive
	})
	if len(pruned) > 0 {
		loggingutil.FromContext(ctx, m.logger).Debug("lease.prune.success", "pruned", len(pruned), "cutoff", cutoff)
	}
	return pruned, err
}

// Get returns the lease record of lockID. Released leases are not found.
func (m *Manager) Get(lockID string) (Lease, error) {
	if err := state.ValidateName("lock_id", lockID); err != nil {
		return Lease{}, fmt.Errorf("%w: %s", ErrNotFound, lockID)
	}
	res, err := m.store.Get(Kind, lockID)
	if errors.Is(err, state.ErrNotFound) {
		return Lease{}, fmt.Errorf("%w: %s", ErrNotFound, lockID)
	}
	if err != nil {
		return Lease{}, err
	}
	return decodeLease(res)
}

// List returns the leases currently indexed as active, sorted by resource.
// Leases past their TTL stay listed until they are reclaimed.
func (m *Manager) List() []Lease {
	m.mu.RLock()
	out := make([]Lease, 0, len(m.active))
	for _, l := range m.active {
		out = append(out, l)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Resource.key() < out[j].Resource.key() })
	return out
}

// Now exposes the manager clock for remaining-time calculations.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}
