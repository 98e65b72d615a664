package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"pkt.systems/collabd/internal/atomicfile"
	"pkt.systems/collabd/internal/clock"
	"pkt.systems/collabd/internal/eventlog"
	"pkt.systems/collabd/internal/lease"
	"pkt.systems/collabd/internal/state"
)

type failingWriter struct {
	*atomicfile.Writer
	fail atomic.Bool
}

func (w *failingWriter) Write(name string, data []byte) error {
	if w.fail.Load() {
		return &atomicfile.IOError{Op: "write", Name: name, Err: syscall.ENOSPC}
	}
	return w.Writer.Write(name, data)
}

type harness struct {
	svc    *Service
	clock  *clock.Manual
	events *eventlog.Log
	writer *failingWriter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	writer, err := atomicfile.New(t.TempDir())
	if err != nil {
		t.Fatalf("atomicfile: %v", err)
	}
	fw := &failingWriter{Writer: writer}
	clk := clock.NewManual(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	store, err := state.Open(ctx, state.Config{Backend: fw, Clock: clk})
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	events, err := eventlog.Open(ctx, eventlog.Config{Backend: writer, Clock: clk})
	if err != nil {
		t.Fatalf("eventlog: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })
	leases, err := lease.Open(ctx, lease.Config{Store: store, Clock: clk, MinTTL: 5 * time.Second, SweepInterval: time.Second})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	svc, err := New(Config{State: store, Leases: leases, Events: events, Clock: clk})
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	return &harness{svc: svc, clock: clk, events: events, writer: fw}
}

func expectFailure(t *testing.T, err error, code string, status int) Failure {
	t.Helper()
	var failure Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected Failure %s, got %T %v", code, err, err)
	}
	if failure.Code != code || failure.HTTPStatus != status {
		t.Fatalf("expected %s/%d, got %s/%d (%s)", code, status, failure.Code, failure.HTTPStatus, failure.Detail)
	}
	return failure
}

func TestConflictingEditScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.CreateResource(ctx, CreateCommand{Kind: "tasks", ID: "T1", Payload: json.RawMessage(`{"title":"a"}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	etag := created.ETag
	for i := 0; i < 2; i++ {
		res, err := h.svc.UpdateResource(ctx, UpdateCommand{Kind: "tasks", ID: "T1", IfMatch: etag, Payload: json.RawMessage(`{"step":1}`)})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		etag = res.ETag
	}
	if etag != "3" {
		t.Fatalf("expected version 3, got %s", etag)
	}

	readA, _ := h.svc.GetResource(ctx, "tasks", "T1")
	readB, _ := h.svc.GetResource(ctx, "tasks", "T1")
	updatedB, err := h.svc.UpdateResource(ctx, UpdateCommand{Kind: "tasks", ID: "T1", IfMatch: `"` + readB.ETag + `"`, Payload: json.RawMessage(`{"by":"B"}`)})
	if err != nil || updatedB.Version != 4 {
		t.Fatalf("B update: %+v err=%v", updatedB, err)
	}
	_, err = h.svc.UpdateResource(ctx, UpdateCommand{Kind: "tasks", ID: "T1", IfMatch: readA.ETag, Payload: json.RawMessage(`{"by":"A"}`)})
	failure := expectFailure(t, err, "version_conflict", http.StatusPreconditionFailed)
	if failure.Version != 4 || failure.ETag != "4" {
		t.Fatalf("conflict should carry current version, got %+v", failure)
	}
	reread, _ := h.svc.GetResource(ctx, "tasks", "T1")
	retried, err := h.svc.UpdateResource(ctx, UpdateCommand{Kind: "tasks", ID: "T1", IfMatch: reread.ETag, Payload: json.RawMessage(`{"by":"A"}`)})
	if err != nil || retried.Version != 5 {
		t.Fatalf("A retry: %+v err=%v", retried, err)
	}
}

func TestResourceChangesAreRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := WithActor(context.Background(), "alice")
	created, err := h.svc.CreateResource(ctx, CreateCommand{Kind: "jobs", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a generated id")
	}
	if _, err := h.svc.DeleteResource(ctx, DeleteCommand{Kind: "jobs", ID: created.ID, IfMatch: created.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	page, err := h.svc.ReadEvents(ctx, 0, 0)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(page.Events) != 2 || page.Next != 2 || page.Head != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
	ops := []string{"create", "delete"}
	for i, ev := range page.Events {
		if ev.Type != eventlog.TypeResourceUpdated || ev.Actor != "alice" || ev.Target.ID != created.ID {
			t.Fatalf("unexpected event %+v", ev)
		}
		var details struct {
			Op      string `json:"op"`
			Version uint64 `json:"version"`
		}
		if err := json.Unmarshal(ev.Details, &details); err != nil {
			t.Fatalf("details: %v", err)
		}
		if details.Op != ops[i] || details.Version != uint64(i+1) {
			t.Fatalf("unexpected details %+v", details)
		}
	}
	if _, err := h.svc.GetResource(ctx, "jobs", created.ID); err == nil {
		t.Fatal("expected deleted resource to be gone")
	} else {
		expectFailure(t, err, "not_found", http.StatusNotFound)
	}
}

func TestConditionalWriteValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.CreateResource(ctx, CreateCommand{Kind: "tasks", ID: "T1", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := h.svc.UpdateResource(ctx, UpdateCommand{Kind: "tasks", ID: "T1", Payload: json.RawMessage(`{}`)})
	expectFailure(t, err, "missing_if_match", http.StatusPreconditionRequired)
	_, err = h.svc.UpdateResource(ctx, UpdateCommand{Kind: "tasks", ID: "T1", IfMatch: "abc", Payload: json.RawMessage(`{}`)})
	expectFailure(t, err, "invalid_etag", http.StatusBadRequest)
	_, err = h.svc.UpdateResource(ctx, UpdateCommand{Kind: "tasks", ID: "T1", IfMatch: "1", Payload: json.RawMessage(`{bad`)})
	expectFailure(t, err, "invalid_payload", http.StatusBadRequest)
	_, err = h.svc.UpdateResource(ctx, UpdateCommand{Kind: "tasks", ID: "nope", IfMatch: "1", Payload: json.RawMessage(`{}`)})
	expectFailure(t, err, "not_found", http.StatusNotFound)
	_, err = h.svc.CreateResource(ctx, CreateCommand{Kind: "tasks", ID: "T1", Payload: json.RawMessage(`{}`)})
	expectFailure(t, err, "already_exists", http.StatusConflict)
	_, err = h.svc.CreateResource(ctx, CreateCommand{Kind: lease.Kind, ID: "x", Payload: json.RawMessage(`{}`)})
	expectFailure(t, err, "invalid_kind", http.StatusBadRequest)
	_, err = h.svc.GetResource(ctx, "tasks", "../etc")
	expectFailure(t, err, "invalid_name", http.StatusBadRequest)
	_, err = h.svc.ListResources(ctx, ListCommand{Kind: "tasks", Limit: -1})
	expectFailure(t, err, "invalid_limit", http.StatusBadRequest)
}

func TestListResourcesPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		if _, err := h.svc.CreateResource(ctx, CreateCommand{Kind: "tasks", ID: id, Payload: json.RawMessage(`1`)}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	first, err := h.svc.ListResources(ctx, ListCommand{Kind: "tasks", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first.Items) != 2 || first.Items[0].ID != "a" || first.Next != "b" || first.Items[0].ETag != "1" {
		t.Fatalf("unexpected first page %+v", first)
	}
	second, err := h.svc.ListResources(ctx, ListCommand{Kind: "tasks", After: first.Next, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(second.Items) != 1 || second.Items[0].ID != "c" || second.Next != "" {
		t.Fatalf("unexpected second page %+v", second)
	}
}

func TestDurabilityFailureMapsTo503(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.CreateResource(ctx, CreateCommand{Kind: "tasks", ID: "T1", Payload: json.RawMessage(`{"v":1}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.writer.fail.Store(true)
	_, err = h.svc.UpdateResource(ctx, UpdateCommand{Kind: "tasks", ID: "T1", IfMatch: created.ETag, Payload: json.RawMessage(`{"v":2}`)})
	expectFailure(t, err, "durability_failure", http.StatusServiceUnavailable)
	h.writer.fail.Store(false)
	got, err := h.svc.GetResource(ctx, "tasks", "T1")
	if err != nil || got.Version != 1 || string(got.Payload) != `{"v":1}` {
		t.Fatalf("failed write changed state: %+v err=%v", got, err)
	}
	if h.svc.Head() != 1 {
		t.Fatalf("failed write appended an event, head=%d", h.svc.Head())
	}
}

func TestUnrecordedChangesAreCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.CreateResource(ctx, CreateCommand{Kind: "tasks", ID: "T1", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if h.svc.UnrecordedChanges() != 0 {
		t.Fatalf("expected no unrecorded changes, got %d", h.svc.UnrecordedChanges())
	}
	if err := h.events.Close(); err != nil {
		t.Fatalf("close events: %v", err)
	}
	created, err := h.svc.CreateResource(ctx, CreateCommand{Kind: "tasks", ID: "T2", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("committed write must succeed when the append fails: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("unexpected result %+v", created)
	}
	if _, err := h.svc.Acquire(ctx, AcquireCommand{Kind: "tasks", ID: "T2", Holder: "worker-1", TTLSeconds: 30}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := h.svc.UnrecordedChanges(); got != 2 {
		t.Fatalf("expected 2 unrecorded changes, got %d", got)
	}
}

func TestLeaseLifecycleFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	acquired, err := h.svc.Acquire(ctx, AcquireCommand{Kind: "jobs", ID: "J9", Holder: "worker-1", TTLSeconds: 30})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acquired.RemainingSeconds != 30 || acquired.ETag != "1" {
		t.Fatalf("unexpected lease result %+v", acquired)
	}
	lockID := acquired.Lease.LockID

	h.clock.Advance(10 * time.Second)
	_, err = h.svc.Acquire(ctx, AcquireCommand{Kind: "jobs", ID: "J9", Holder: "worker-2", TTLSeconds: 30})
	failure := expectFailure(t, err, "lease_conflict", http.StatusConflict)
	if failure.RetryAfter != 20 {
		t.Fatalf("expected retry after 20s, got %d", failure.RetryAfter)
	}
	_, err = h.svc.Renew(ctx, LeaseCommand{LockID: lockID, Holder: "worker-2"})
	expectFailure(t, err, "not_holder", http.StatusForbidden)
	_, err = h.svc.Release(ctx, LeaseCommand{LockID: "unknown", Holder: "worker-1"})
	expectFailure(t, err, "lease_not_found", http.StatusNotFound)
	_, err = h.svc.Acquire(ctx, AcquireCommand{Kind: "jobs", ID: "J8", Holder: "worker-1", TTLSeconds: 1})
	expectFailure(t, err, "invalid_ttl", http.StatusBadRequest)
	_, err = h.svc.Acquire(ctx, AcquireCommand{Kind: "jobs", ID: "J8", Holder: "", TTLSeconds: 30})
	expectFailure(t, err, "invalid_holder", http.StatusBadRequest)

	h.clock.Advance(21 * time.Second)
	_, err = h.svc.Renew(ctx, LeaseCommand{LockID: lockID, Holder: "worker-1"})
	expectFailure(t, err, "lease_expired", http.StatusGone)
	described, err := h.svc.DescribeLease(ctx, lockID)
	if err != nil || described.Lease.State != lease.StateReclaimed || described.RemainingSeconds != 0 {
		t.Fatalf("unexpected described lease %+v err=%v", described, err)
	}

	page, err := h.svc.ReadEvents(ctx, 0, 0)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	want := []string{eventlog.TypeLeaseAcquired, eventlog.TypeLeaseReclaimed}
	if len(page.Events) != len(want) {
		t.Fatalf("expected %v, got %+v", want, page.Events)
	}
	for i, ev := range page.Events {
		if ev.Type != want[i] || ev.Target.LockID != lockID || ev.Target.Kind != "jobs" {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	if page.Events[0].Actor != "worker-1" || page.Events[1].Actor != DefaultSystemActor {
		t.Fatalf("unexpected actors %q %q", page.Events[0].Actor, page.Events[1].Actor)
	}
}

func TestReleaseAndListLeases(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	acquired, err := h.svc.Acquire(ctx, AcquireCommand{Kind: "jobs", ID: "J1", Holder: "w", TTLSeconds: 10})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.clock.Advance(4 * time.Second)
	leases := h.svc.ListLeases(ctx)
	if len(leases) != 1 || leases[0].RemainingSeconds != 6 {
		t.Fatalf("unexpected leases %+v", leases)
	}
	renewed, err := h.svc.Renew(ctx, LeaseCommand{LockID: acquired.Lease.LockID, Holder: "w"})
	if err != nil || renewed.RemainingSeconds != 10 {
		t.Fatalf("renew: %+v err=%v", renewed, err)
	}
	if _, err := h.svc.Release(ctx, LeaseCommand{LockID: acquired.Lease.LockID, Holder: "w"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(h.svc.ListLeases(ctx)) != 0 {
		t.Fatal("released lease still listed")
	}
	_, err = h.svc.DescribeLease(ctx, acquired.Lease.LockID)
	expectFailure(t, err, "lease_not_found", http.StatusNotFound)
	_, err = h.svc.Acquire(ctx, AcquireCommand{Kind: lease.Kind, ID: "x", Holder: "w", TTLSeconds: 10})
	expectFailure(t, err, "invalid_kind", http.StatusBadRequest)
}

func TestReclaimExpired(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Acquire(ctx, AcquireCommand{Kind: "jobs", ID: "J1", Holder: "w", TTLSeconds: 5}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.clock.Advance(6 * time.Second)
	ids, err := h.svc.ReclaimExpired(ctx)
	if err != nil || len(ids) != 1 {
		t.Fatalf("expected one reclaim, got %v err=%v", ids, err)
	}
}

func TestAppendEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := WithActor(context.Background(), "ui")
	ev, err := h.svc.AppendEvent(ctx, AppendCommand{Type: "job.started", Target: eventlog.Target{Kind: "jobs", ID: "J1"}, Details: json.RawMessage(`{"n":1}`)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev.Seq != 1 || ev.Actor != "ui" {
		t.Fatalf("unexpected event %+v", ev)
	}
	ev, err = h.svc.AppendEvent(ctx, AppendCommand{Type: "job.done", Actor: "runner"})
	if err != nil || ev.Actor != "runner" || ev.Seq != 2 {
		t.Fatalf("unexpected event %+v err=%v", ev, err)
	}
	_, err = h.svc.AppendEvent(ctx, AppendCommand{Type: eventlog.TypeLeaseReleased})
	expectFailure(t, err, "invalid_event", http.StatusBadRequest)
	_, err = h.svc.ReadEvents(ctx, 9, 0)
	expectFailure(t, err, "invalid_cursor", http.StatusBadRequest)

	page, err := h.svc.ReadEvents(ctx, 1, 10)
	if err != nil || len(page.Events) != 1 || page.Next != 2 {
		t.Fatalf("unexpected page %+v err=%v", page, err)
	}
	empty, err := h.svc.ReadEvents(ctx, 2, 10)
	if err != nil || len(empty.Events) != 0 || empty.Next != 2 {
		t.Fatalf("unexpected empty page %+v err=%v", empty, err)
	}

	sub, err := h.svc.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	first, err := sub.Next(ctx)
	if err != nil || first.Seq != 1 {
		t.Fatalf("unexpected first tail event %+v err=%v", first, err)
	}
	h.svc.TailClosed(ctx, "test")
}

func TestParseETag(t *testing.T) {
	t.Parallel()

	cases := map[string]uint64{"7": 7, `"7"`: 7, `W/"12"`: 12, " 3 ": 3}
	for raw, want := range cases {
		got, err := ParseETag(raw)
		if err != nil || got != want {
			t.Fatalf("ParseETag(%q) = %d, %v", raw, got, err)
		}
	}
	for _, raw := range []string{"", "0", "*", "-1", `"abc"`} {
		if _, err := ParseETag(raw); err == nil {
			t.Fatalf("ParseETag(%q) should fail", raw)
		}
	}
}

func TestClassifyPassesUnknownErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	if got := classify(boom); got != boom {
		t.Fatalf("expected unknown error unchanged, got %v", got)
	}
	if classify(nil) != nil {
		t.Fatal("expected nil")
	}
	if failureCode(boom) != "error" || failureCode(nil) != "success" {
		t.Fatal("unexpected failure codes")
	}
}
