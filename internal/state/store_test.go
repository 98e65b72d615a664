package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"pkt.systems/collabd/internal/atomicfile"
	"pkt.systems/collabd/internal/clock"
)

type flakyBackend struct {
	*atomicfile.Writer
	fail atomic.Bool
}

func (b *flakyBackend) Write(name string, data []byte) error {
	if b.fail.Load() {
		return &atomicfile.IOError{Op: "write", Name: name, Err: syscall.ENOSPC}
	}
	return b.Writer.Write(name, data)
}

type recordedChanges struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recordedChanges) hook(_ context.Context, c Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func (r *recordedChanges) snapshot() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func newTestStore(t *testing.T, root string) (*Store, *flakyBackend, *recordedChanges) {
	t.Helper()
	writer, err := atomicfile.New(root)
	if err != nil {
		t.Fatalf("atomicfile: %v", err)
	}
	backend := &flakyBackend{Writer: writer}
	rec := &recordedChanges{}
	store, err := Open(context.Background(), Config{
		Backend:  backend,
		Clock:    clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		OnChange: rec.hook,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store, backend, rec
}

func TestCreateGetUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _, changes := newTestStore(t, t.TempDir())
	created, err := store.Create(ctx, "tasks", "T1", json.RawMessage(`{"title": "write docs"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}
	got, err := store.Get("tasks", "T1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Payload) != `{"title":"write docs"}` {
		t.Fatalf("unexpected payload %s", got.Payload)
	}
	updated, err := store.Update(ctx, "tasks", "T1", 1, json.RawMessage(`{"title":"ship docs"}`))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	if _, err := store.Create(ctx, "tasks", "T1", json.RawMessage(`{}`)); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	seen := changes.snapshot()
	if len(seen) != 2 || seen[0].Op != OpCreate || seen[1].Op != OpUpdate || seen[1].Version != 2 {
		t.Fatalf("unexpected changes %+v", seen)
	}
}

func TestConflictingEditScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _, _ := newTestStore(t, t.TempDir())
	if _, err := store.Create(ctx, "tasks", "T1", json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	for v := uint64(1); v < 3; v++ {
		if _, err := store.Update(ctx, "tasks", "T1", v, json.RawMessage(`{"n":2}`)); err != nil {
			t.Fatalf("update to %d: %v", v+1, err)
		}
	}
	// A and B both read version 3.
	readA, _ := store.Get("tasks", "T1")
	readB, _ := store.Get("tasks", "T1")
	if readA.Version != 3 || readB.Version != 3 {
		t.Fatalf("expected both readers at version 3, got %d and %d", readA.Version, readB.Version)
	}
	resB, err := store.Update(ctx, "tasks", "T1", readB.Version, json.RawMessage(`{"by":"B"}`))
	if err != nil || resB.Version != 4 {
		t.Fatalf("B update: version=%d err=%v", resB.Version, err)
	}
	_, err = store.Update(ctx, "tasks", "T1", readA.Version, json.RawMessage(`{"by":"A"}`))
	var conflict *ConflictError
	if !errors.As(err, &conflict) || !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected conflict for A, got %v", err)
	}
	if conflict.Current != 4 || conflict.Expected != 3 {
		t.Fatalf("unexpected conflict detail %+v", conflict)
	}
	reread, _ := store.Get("tasks", "T1")
	resA, err := store.Update(ctx, "tasks", "T1", reread.Version, json.RawMessage(`{"by":"A"}`))
	if err != nil || resA.Version != 5 {
		t.Fatalf("A retry: version=%d err=%v", resA.Version, err)
	}
}

func TestConcurrentUpdatesSameVersionExactlyOneWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _, _ := newTestStore(t, t.TempDir())
	if _, err := store.Create(ctx, "jobs", "J1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	const writers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := store.Update(ctx, "jobs", "J1", 1, json.RawMessage(fmt.Sprintf(`{"writer":%d}`, i)))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrVersionConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	if successes.Load() != 1 || conflicts.Load() != writers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d/%d", writers-1, successes.Load(), conflicts.Load())
	}
	got, _ := store.Get("jobs", "J1")
	if got.Version != 2 {
		t.Fatalf("expected version 2 after race, got %d", got.Version)
	}
}

func TestVersionsAreMonotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _, _ := newTestStore(t, t.TempDir())
	res, err := store.Create(ctx, "k", "id", json.RawMessage(`0`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	last := res.Version
	for i := 1; i <= 20; i++ {
		res, err = store.Update(ctx, "k", "id", last, json.RawMessage(fmt.Sprint(i)))
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if res.Version != last+1 {
			t.Fatalf("expected version %d, got %d", last+1, res.Version)
		}
		last = res.Version
	}
}

func TestDurabilityFailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, backend, changes := newTestStore(t, t.TempDir())
	if _, err := store.Create(ctx, "tasks", "T1", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	backend.fail.Store(true)
	_, err := store.Update(ctx, "tasks", "T1", 1, json.RawMessage(`{"v":2}`))
	if !errors.Is(err, ErrDurability) || !errors.Is(err, atomicfile.ErrIO) {
		t.Fatalf("expected durability failure, got %v", err)
	}
	if _, err := store.Create(ctx, "tasks", "T2", json.RawMessage(`{}`)); !errors.Is(err, ErrDurability) {
		t.Fatalf("expected durability failure on create, got %v", err)
	}
	got, err := store.Get("tasks", "T1")
	if err != nil || got.Version != 1 || string(got.Payload) != `{"v":1}` {
		t.Fatalf("state advanced after failed write: %+v err=%v", got, err)
	}
	if _, err := store.Get("tasks", "T2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected T2 to be absent, got %v", err)
	}
	if len(changes.snapshot()) != 1 {
		t.Fatalf("expected no change notification for failed writes")
	}
	backend.fail.Store(false)
	if _, err := store.Update(ctx, "tasks", "T1", 1, json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
}

func TestTombstoneSemantics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _, changes := newTestStore(t, t.TempDir())
	if _, err := store.Create(ctx, "tasks", "T1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	tomb, err := store.Delete(ctx, "tasks", "T1", 1)
	if err != nil || tomb.Version != 2 || !tomb.Deleted {
		t.Fatalf("delete: %+v err=%v", tomb, err)
	}
	if _, err := store.Get("tasks", "T1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected tombstone to read as not found, got %v", err)
	}
	if _, err := store.Update(ctx, "tasks", "T1", 1, json.RawMessage(`{}`)); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected stale update to conflict, got %v", err)
	}
	if _, err := store.Update(ctx, "tasks", "T1", 2, json.RawMessage(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected update at tombstone version to be not found, got %v", err)
	}
	if _, err := store.Delete(ctx, "tasks", "T1", 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected repeated delete to be not found, got %v", err)
	}
	recreated, err := store.Create(ctx, "tasks", "T1", json.RawMessage(`{"again":true}`))
	if err != nil || recreated.Version != 3 {
		t.Fatalf("recreate: %+v err=%v", recreated, err)
	}
	seen := changes.snapshot()
	if len(seen) != 3 || seen[1].Op != OpDelete {
		t.Fatalf("unexpected changes %+v", seen)
	}
}

func TestNotFoundAndValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _, _ := newTestStore(t, t.TempDir())
	if _, err := store.Get("tasks", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Update(ctx, "tasks", "missing", 1, json.RawMessage(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
	if _, err := store.Create(ctx, "tasks", "../etc", json.RawMessage(`{}`)); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected invalid name, got %v", err)
	}
	if _, err := store.Create(ctx, "tasks", "ok", json.RawMessage(`{broken`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
	if _, err := store.Create(ctx, "tasks", "ok", nil); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload for empty body, got %v", err)
	}
}

func TestListSnapshotAndPaging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _, _ := newTestStore(t, t.TempDir())
	for _, id := range []string{"c", "a", "b", "d"} {
		if _, err := store.Create(ctx, "tasks", id, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := store.Delete(ctx, "tasks", "d", 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	items, err := store.List("tasks")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 || items[0].ID != "a" || items[2].ID != "c" {
		t.Fatalf("unexpected items %+v", items)
	}
	page, next, err := store.ListPage("tasks", "", 2)
	if err != nil || len(page) != 2 || next != "b" {
		t.Fatalf("first page %+v next=%q err=%v", page, next, err)
	}
	page, next, err = store.ListPage("tasks", next, 2)
	if err != nil || len(page) != 1 || page[0].ID != "c" || next != "" {
		t.Fatalf("second page %+v next=%q err=%v", page, next, err)
	}
	empty, err := store.List("nothing")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %+v err=%v", empty, err)
	}
}

func TestReservedKindsDoNotNotify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _, changes := newTestStore(t, t.TempDir())
	if _, err := store.Create(ctx, "_leases", "L1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("create reserved: %v", err)
	}
	if len(changes.snapshot()) != 0 {
		t.Fatalf("expected no notification for reserved kind")
	}
}

func TestHookErrorDoesNotFailMutation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _, _ := newTestStore(t, t.TempDir())
	store.SetChangeHook(func(context.Context, Change) error { return errors.New("log unavailable") })
	res, err := store.Create(ctx, "tasks", "T1", json.RawMessage(`{}`))
	if err != nil || res.Version != 1 {
		t.Fatalf("expected committed create, got %+v err=%v", res, err)
	}
}

func TestReopenLoadsRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	store, _, _ := newTestStore(t, root)
	if _, err := store.Create(ctx, "tasks", "T1", json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Update(ctx, "tasks", "T1", 1, json.RawMessage(`{"a":2}`)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.Create(ctx, "tasks", "T2", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Delete(ctx, "tasks", "T2", 1); err != nil {
		t.Fatalf("delete: %v", err)
	}

	reopened, _, _ := newTestStore(t, root)
	got, err := reopened.Get("tasks", "T1")
	if err != nil || got.Version != 2 || string(got.Payload) != `{"a":2}` {
		t.Fatalf("reloaded resource %+v err=%v", got, err)
	}
	if _, err := reopened.Update(ctx, "tasks", "T2", 1, json.RawMessage(`{}`)); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected reloaded tombstone to conflict, got %v", err)
	}
}

func TestScanVisitsLiveResources(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _, _ := newTestStore(t, t.TempDir())
	for _, id := range []string{"x", "y"} {
		if _, err := store.Create(ctx, "k", id, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	var ids []string
	if err := store.Scan("k", func(r Resource) error {
		ids = append(ids, r.ID)
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(ids) != 2 || ids[0] != "x" {
		t.Fatalf("unexpected scan ids %v", ids)
	}
}
