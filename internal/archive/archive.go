// Package archive uploads sealed event log segments to S3-compatible object
// storage. Segments are immutable once sealed, so an object that already
// exists with the segment's size is never uploaded again.
package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/collabd/internal/clock"
	"pkt.systems/collabd/internal/eventlog"
	"pkt.systems/collabd/internal/loggingutil"
	"pkt.systems/collabd/internal/svcfields"
)

// DefaultInterval is the pause between archive passes.
const DefaultInterval = time.Minute

// Source lists sealed segments.
type Source interface {
	SealedSegments() []eventlog.SegmentInfo
}

// Config wires an Archiver. Either Client or Endpoint must be set.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	Insecure       bool
	ForcePathStyle bool
	// Client overrides the client built from Endpoint and the credentials.
	Client   *minio.Client
	Source   Source
	Interval time.Duration
	Logger   pslog.Logger
	Clock    clock.Clock
}

// Archiver copies sealed segments to a bucket.
type Archiver struct {
	client   *minio.Client
	bucket   string
	prefix   string
	source   Source
	interval time.Duration
	logger   pslog.Logger
	clock    clock.Clock

	mu       sync.Mutex
	uploaded map[string]int64
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds an Archiver. It does not contact the object store.
func New(cfg Config) (*Archiver, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("archive: bucket required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("archive: segment source required")
	}
	client := cfg.Client
	if client == nil {
		endpoint := strings.TrimSpace(cfg.Endpoint)
		if endpoint == "" {
			return nil, fmt.Errorf("archive: endpoint required")
		}
		var creds *credentials.Credentials
		if cfg.AccessKey != "" {
			creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
		} else {
			creds = credentials.NewChainCredentials([]credentials.Provider{
				&credentials.EnvAWS{},
				&credentials.EnvMinio{},
				&credentials.FileAWSCredentials{},
				&credentials.IAM{},
			})
		}
		options := &minio.Options{
			Creds:  creds,
			Secure: !cfg.Insecure,
			Region: cfg.Region,
		}
		if cfg.ForcePathStyle {
			options.BucketLookup = minio.BucketLookupPath
		}
		var err error
		client, err = minio.New(endpoint, options)
		if err != nil {
			return nil, fmt.Errorf("archive: create client: %w", err)
		}
	}
	a := &Archiver{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		source:   cfg.Source,
		interval: cfg.Interval,
		logger:   svcfields.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "events.archive"),
		clock:    clock.OrReal(cfg.Clock),
		uploaded: make(map[string]int64),
	}
	if a.interval <= 0 {
		a.interval = DefaultInterval
	}
	return a, nil
}

// ObjectKey returns the object name a segment is stored under.
func (a *Archiver) ObjectKey(seg eventlog.SegmentInfo) string {
	name := path.Base(seg.Name)
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}

// EnsureBucket creates the bucket when it does not exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("archive: bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("archive: make bucket: %w", err)
	}
	a.logger.Info("archive.bucket.created", "bucket", a.bucket)
	return nil
}

// SyncOnce uploads every sealed segment not yet in the bucket and returns
// the object keys written.
func (a *Archiver) SyncOnce(ctx context.Context) ([]string, error) {
	var (
		written []string
		errs    []error
	)
	for _, seg := range a.source.SealedSegments() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		key := a.ObjectKey(seg)
		a.mu.Lock()
		size, done := a.uploaded[key]
		a.mu.Unlock()
		if done && size == seg.Size {
			continue
		}
		uploaded, err := a.syncSegment(ctx, key, seg)
		if err != nil {
			a.logger.Warn("archive.segment.error", "object", key, "error", err)
			errs = append(errs, err)
			continue
		}
		a.mu.Lock()
		a.uploaded[key] = seg.Size
		a.mu.Unlock()
		if uploaded {
			written = append(written, key)
		}
	}
	return written, errors.Join(errs...)
}

func (a *Archiver) syncSegment(ctx context.Context, key string, seg eventlog.SegmentInfo) (bool, error) {
	info, err := a.client.StatObject(ctx, a.bucket, key, minio.StatObjectOptions{})
	switch {
	case err == nil && info.Size == seg.Size:
		a.logger.Debug("archive.segment.present", "object", key, "size", seg.Size)
		return false, nil
	case err != nil && !isNotFound(err):
		return false, fmt.Errorf("archive: stat %s: %w", key, err)
	}
	if seg.Path == "" {
		return false, fmt.Errorf("archive: segment %s has no local path", seg.Name)
	}
	opts := minio.PutObjectOptions{
		ContentType: segmentContentType,
		UserMetadata: map[string]string{
			"first-seq": strconv.FormatUint(seg.FirstSeq, 10),
			"last-seq":  strconv.FormatUint(seg.LastSeq, 10),
		},
	}
	if _, err := a.client.FPutObject(ctx, a.bucket, key, seg.Path, opts); err != nil {
		return false, fmt.Errorf("archive: upload %s: %w", key, err)
	}
	a.logger.Info("archive.segment.uploaded", "object", key, "first_seq", seg.FirstSeq, "last_seq", seg.LastSeq, "size", seg.Size)
	return true, nil
}

// Segments hold binary framed records.
const segmentContentType = "application/octet-stream"

// Start runs SyncOnce every interval until Stop.
func (a *Archiver) Start(ctx context.Context) {
	a.mu.Lock()
	if a.stop != nil {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	a.stop = stop
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		go func() {
			<-stop
			cancel()
		}()
		for {
			if _, err := a.SyncOnce(runCtx); err != nil && runCtx.Err() == nil {
				a.logger.Warn("archive.sync.error", "error", err)
			}
			select {
			case <-stop:
				return
			case <-a.clock.After(a.interval):
			}
		}
	}()
}

// Stop ends the background loop and waits for an in-flight pass.
func (a *Archiver) Stop() {
	a.mu.Lock()
	stop := a.stop
	a.stop = nil
	a.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	a.wg.Wait()
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound || errResp.Code == "NoSuchKey"
	}
	return false
}
