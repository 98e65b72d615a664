package archive

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/minio/minio-go/v7"

	"pkt.systems/collabd/internal/atomicfile"
	"pkt.systems/collabd/internal/eventlog"
)

func setupFakeS3(t *testing.T, bucket string) Config {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	if bucket != "" {
		if err := backend.CreateBucket(bucket); err != nil {
			t.Fatalf("create bucket: %v", err)
		}
	}
	return Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		AccessKey:      "test",
		SecretKey:      "test",
		Insecure:       true,
		ForcePathStyle: true,
	}
}

func openRotatingLog(t *testing.T, events int) *eventlog.Log {
	t.Helper()
	writer, err := atomicfile.New(t.TempDir())
	if err != nil {
		t.Fatalf("atomicfile: %v", err)
	}
	l, err := eventlog.Open(context.Background(), eventlog.Config{Backend: writer, SegmentBytes: 512})
	if err != nil {
		t.Fatalf("eventlog: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	for i := 0; i < events; i++ {
		ev := eventlog.Event{Type: "note", Target: eventlog.Target{Kind: "doc", ID: "a"}, Details: []byte(`{"text":"` + strings.Repeat("x", 64) + `"}`)}
		if _, err := l.Append(context.Background(), ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return l
}

func TestSyncUploadsSealedSegmentsOnce(t *testing.T) {
	t.Parallel()

	cfg := setupFakeS3(t, "collabd-archive")
	l := openRotatingLog(t, 40)
	sealed := l.SealedSegments()
	if len(sealed) < 2 {
		t.Fatalf("expected several sealed segments, got %d", len(sealed))
	}
	cfg.Source = l
	cfg.Prefix = "/node-a/"
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	written, err := a.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(written) != len(sealed) {
		t.Fatalf("expected %d uploads, got %v", len(sealed), written)
	}
	for _, seg := range sealed {
		key := a.ObjectKey(seg)
		if !strings.HasPrefix(key, "node-a/") {
			t.Fatalf("unexpected object key %q", key)
		}
		info, err := a.client.StatObject(ctx, cfg.Bucket, key, minio.StatObjectOptions{})
		if err != nil {
			t.Fatalf("stat %s: %v", key, err)
		}
		if info.Size != seg.Size {
			t.Fatalf("object %s size %d, want %d", key, info.Size, seg.Size)
		}
		if info.ContentType != "application/octet-stream" {
			t.Fatalf("object %s content type %q", key, info.ContentType)
		}
	}

	again, err := a.SyncOnce(ctx)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected no re-upload, got %v err=%v", again, err)
	}

	fresh, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	again, err = fresh.SyncOnce(ctx)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected existing objects to be skipped, got %v err=%v", again, err)
	}
}

func TestSyncSkipsActiveSegment(t *testing.T) {
	t.Parallel()

	cfg := setupFakeS3(t, "collabd-archive")
	l := openRotatingLog(t, 1)
	cfg.Source = l
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	written, err := a.SyncOnce(context.Background())
	if err != nil || len(written) != 0 {
		t.Fatalf("expected nothing to archive, got %v err=%v", written, err)
	}
}

func TestEnsureBucketCreatesMissingBucket(t *testing.T) {
	t.Parallel()

	cfg := setupFakeS3(t, "")
	cfg.Bucket = "fresh-bucket"
	cfg.Source = openRotatingLog(t, 0)
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := a.EnsureBucket(ctx); err != nil {
		t.Fatalf("ensure bucket: %v", err)
	}
	exists, err := a.client.BucketExists(ctx, cfg.Bucket)
	if err != nil || !exists {
		t.Fatalf("expected bucket to exist, got %v err=%v", exists, err)
	}
	if err := a.EnsureBucket(ctx); err != nil {
		t.Fatalf("ensure bucket twice: %v", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	l := openRotatingLog(t, 0)
	cases := []Config{
		{Source: l, Endpoint: "localhost:9000"},
		{Bucket: "b", Endpoint: "localhost:9000"},
		{Bucket: "b", Source: l},
	}
	for i, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
