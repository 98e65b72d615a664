package collabd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pkt.systems/collabd/api"
	"pkt.systems/collabd/client"
	"pkt.systems/collabd/internal/atomicfile"
	"pkt.systems/collabd/internal/clock"
)

func unixConfig(t *testing.T, dataDir string) Config {
	t.Helper()
	sockDir, err := os.MkdirTemp("", "cd")
	if err != nil {
		t.Fatalf("socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })
	return Config{
		DataDir:       dataDir,
		ListenProto:   "unix",
		Listen:        filepath.Join(sockDir, "collabd.sock"),
		TailHeartbeat: 100 * time.Millisecond,
	}
}

func startTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, *client.Client, func(context.Context) error) {
	t.Helper()
	srv, stop, err := StartServer(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })
	cli, err := client.New("unix://"+cfg.Listen, client.WithActor("tester"))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return srv, cli, stop
}

func TestServerPersistsAcrossRestart(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	ctx := context.Background()

	_, cli, stop := startTestServer(t, unixConfig(t, dataDir))
	created, err := cli.Create(ctx, "doc", "D1", json.RawMessage(`{"title":"draft"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := cli.Update(ctx, "doc", "D1", created.ETag, json.RawMessage(`{"title":"final"}`)); err != nil {
		t.Fatalf("update: %v", err)
	}
	granted, err := cli.Acquire(ctx, "doc", "D1", "editor-1", 60)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	page, err := cli.ReadEvents(ctx, 0, 100)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	head := page.Head
	if head != 3 {
		t.Fatalf("expected head 3, got %d", head)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	_, cli, _ = startTestServer(t, unixConfig(t, dataDir))
	doc, err := cli.Get(ctx, "doc", "D1")
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if doc.Version != 2 || string(doc.Payload) != `{"title":"final"}` {
		t.Fatalf("unexpected doc after restart %+v", doc)
	}
	lease, err := cli.DescribeLease(ctx, granted.LockID)
	if err != nil {
		t.Fatalf("describe after restart: %v", err)
	}
	if lease.Holder != "editor-1" || lease.State != "active" {
		t.Fatalf("unexpected lease after restart %+v", lease)
	}
	if _, err := cli.Acquire(ctx, "doc", "D1", "editor-2", 60); !client.IsLeaseConflict(err) {
		t.Fatalf("expected lease conflict after restart, got %v", err)
	}
	appended, err := cli.AppendEvent(ctx, api.AppendEventRequest{Type: "comment", Target: api.Target{Kind: "doc", ID: "D1"}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if appended.Seq != head+1 {
		t.Fatalf("expected seq %d after restart, got %d", head+1, appended.Seq)
	}
}

func TestDataDirIsExclusive(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	startTestServer(t, unixConfig(t, dataDir))
	_, err := NewServer(unixConfig(t, dataDir))
	if !errors.Is(err, atomicfile.ErrLocked) {
		t.Fatalf("expected data dir lock error, got %v", err)
	}
}

func TestShutdownEndsOpenTails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv, cli, stop := startTestServer(t, unixConfig(t, t.TempDir()))
	stream, err := cli.Tail(ctx, 0, client.WithoutReconnect())
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	defer stream.Close()
	if _, err := cli.AppendEvent(ctx, api.AppendEventRequest{Type: "comment", Target: api.Target{Kind: "doc", ID: "D1"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	ev, err := stream.Next(ctx)
	if err != nil || ev.Seq != 1 {
		t.Fatalf("expected seq 1, got %+v err=%v", ev, err)
	}

	stopped := make(chan error, 1)
	go func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		stopped <- stop(shutdownCtx)
	}()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown blocked on an open tail")
	}
	nextCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := stream.Next(nextCtx); err == nil {
		t.Fatal("expected tail to end after shutdown")
	}
	if srv.ListenerAddr() != nil {
		t.Fatal("listener should be released after shutdown")
	}
}

func TestServerSweeperReclaimsExpiredLeases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	cfg := unixConfig(t, t.TempDir())
	cfg.SweepInterval = time.Second
	_, cli, _ := startTestServer(t, cfg, WithClock(clk))

	granted, err := cli.Acquire(ctx, "job", "J1", "worker-1", 5)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.BlockUntil(1)
	clk.Advance(6 * time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for {
		page, err := cli.ReadEvents(ctx, 0, 100)
		if err != nil {
			t.Fatalf("read events: %v", err)
		}
		var reclaimed *api.Event
		for i := range page.Events {
			if page.Events[i].Type == "lease_reclaimed" {
				reclaimed = &page.Events[i]
			}
		}
		if reclaimed != nil {
			if reclaimed.Target.LockID != granted.LockID || reclaimed.Actor != "collabd" {
				t.Fatalf("unexpected reclaim event %+v", reclaimed)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lease was not reclaimed; events %+v", page.Events)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := cli.Acquire(ctx, "job", "J1", "worker-2", 5); err != nil {
		t.Fatalf("acquire after reclaim: %v", err)
	}
}

func TestServerMirrorsEventsToRedis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	_, cli, _ := startTestServer(t, unixConfig(t, t.TempDir()), WithRedisClient(rdb))
	for i := 0; i < 3; i++ {
		if _, err := cli.AppendEvent(ctx, api.AppendEventRequest{Type: "comment", Target: api.Target{Kind: "doc", ID: "D1"}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		raw, err := rdb.Get(ctx, DefaultRedisCursorKey).Result()
		if err == nil {
			if cursor, _ := strconv.ParseUint(raw, 10, 64); cursor == 3 {
				return
			}
		} else if !errors.Is(err, redis.Nil) {
			t.Fatalf("redis get: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("mirror cursor did not reach 3 (last %q)", raw)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStartServerReportsListenErrors(t *testing.T) {
	t.Parallel()

	cfg := Config{DataDir: t.TempDir(), ListenProto: "unix", Listen: filepath.Join(t.TempDir(), "missing", "collabd.sock")}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := StartServer(ctx, cfg); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected listen error, got %v", err)
	}
	// The data directory must be released after the failed start.
	srv, err := NewServer(Config{DataDir: cfg.DataDir})
	if err != nil {
		t.Fatalf("reopen data dir: %v", err)
	}
	_ = srv.Close()
}

func TestStartServerLivesUntilContextEnds(t *testing.T) {
	t.Parallel()

	cfg := unixConfig(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })
	cli, err := client.New("unix://"+cfg.Listen, client.WithHTTPTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := cli.Health(context.Background()); err != nil {
		t.Fatalf("health while ctx is live: %v", err)
	}
	if srv.ListenerAddr() == nil {
		t.Fatalf("expected listener while ctx is live")
	}

	cancel()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := cli.Health(context.Background()); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server still serving after ctx ended")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop after ctx ended: %v", err)
	}
}
