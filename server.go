package collabd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/pslog"

	"pkt.systems/collabd/internal/archive"
	"pkt.systems/collabd/internal/atomicfile"
	"pkt.systems/collabd/internal/clock"
	"pkt.systems/collabd/internal/core"
	"pkt.systems/collabd/internal/eventlog"
	"pkt.systems/collabd/internal/httpapi"
	"pkt.systems/collabd/internal/lease"
	"pkt.systems/collabd/internal/mirror"
	"pkt.systems/collabd/internal/state"
	"pkt.systems/collabd/internal/svcfields"
)

// Server wraps the HTTP server, the data directory, and the coordination
// components that live on it.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	clock        clock.Clock
	dirLock      *atomicfile.DirLock
	store        *state.Store
	leases       *lease.Manager
	events       *eventlog.Log
	core         *core.Service
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	telemetry    *telemetryBundle
	redis        *redis.Client
	ownsRedis    bool
	mirror       *mirror.Mirror
	archiver     *archive.Archiver
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	draining  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	OTLPEndpoint string
	Redis        *redis.Client
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithRedisClient supplies the client used by the event mirror instead of
// dialing Config.RedisURL. The caller keeps ownership of the client.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) {
		o.Redis = client
	}
}

// NewServer opens the data directory and constructs a collabd server
// according to cfg. The directory stays locked until Shutdown.
// Example:
//
//	cfg := collabd.Config{DataDir: "/var/lib/collabd", Listen: ":9450"}
//	srv, err := collabd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (srv *Server, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	if o.Redis != nil && cfg.RedisURL == "" {
		cfg.RedisURL = "redis://" + o.Redis.Options().Addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := clock.OrReal(o.Clock)
	ctx := context.Background()

	s := &Server{
		cfg:     cfg,
		logger:  svcfields.WithSubsystem(logger, "server.lifecycle.core"),
		clock:   serverClock,
		readyCh: make(chan struct{}),
	}
	defer func() {
		if err != nil {
			s.release(context.Background())
		}
	}()

	s.telemetry, err = setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:     cfg.OTLPEndpoint,
		MetricsListen:    cfg.MetricsListen,
		PprofListen:      cfg.PprofListen,
		ProfilingMetrics: cfg.EnableProfilingMetrics,
	}, logger)
	if err != nil {
		return nil, err
	}

	s.dirLock, err = atomicfile.Lock(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	writer, err := atomicfile.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open data dir: %w", err)
	}
	s.store, err = state.Open(ctx, state.Config{
		Backend: writer,
		Clock:   serverClock,
		Logger:  svcfields.WithSubsystem(logger, "state.store"),
	})
	if err != nil {
		return nil, err
	}
	s.events, err = eventlog.Open(ctx, eventlog.Config{
		Backend:          writer,
		Clock:            serverClock,
		Logger:           svcfields.WithSubsystem(logger, "events.log"),
		SegmentBytes:     cfg.SegmentBytes,
		SubscriberBuffer: cfg.SubscriberBuffer,
		CacheSize:        cfg.EventCacheSize,
	})
	if err != nil {
		return nil, err
	}
	s.leases, err = lease.Open(ctx, lease.Config{
		Store:         s.store,
		Clock:         serverClock,
		Logger:        svcfields.WithSubsystem(logger, "lease.manager"),
		MinTTL:        cfg.MinTTL,
		MaxTTL:        cfg.MaxTTL,
		SweepInterval: cfg.SweepInterval,
		Retention:     cfg.LeaseRetention,
	})
	if err != nil {
		return nil, err
	}
	s.core, err = core.New(core.Config{
		State:       s.store,
		Leases:      s.leases,
		Events:      s.events,
		Logger:      logger,
		Clock:       serverClock,
		SystemActor: cfg.SystemActor,
	})
	if err != nil {
		return nil, err
	}

	if cfg.MirrorEnabled() {
		s.redis = o.Redis
		if s.redis == nil {
			redisOpts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("redis url: %w", err)
			}
			s.redis = redis.NewClient(redisOpts)
			s.ownsRedis = true
		}
		s.mirror, err = mirror.New(mirror.Config{
			Client:    s.redis,
			Source:    s.events,
			Channel:   cfg.RedisChannel,
			CursorKey: cfg.RedisCursorKey,
			Logger:    logger,
			Clock:     serverClock,
		})
		if err != nil {
			return nil, err
		}
	}
	if cfg.ArchiveEnabled() {
		s.archiver, err = archive.New(archive.Config{
			Endpoint:       cfg.ArchiveEndpoint,
			Region:         cfg.ArchiveRegion,
			Bucket:         cfg.ArchiveBucket,
			Prefix:         cfg.ArchivePrefix,
			AccessKey:      cfg.ArchiveAccessKey,
			SecretKey:      cfg.ArchiveSecretKey,
			Insecure:       cfg.ArchiveInsecure,
			ForcePathStyle: cfg.ArchivePathStyle,
			Source:         s.events,
			Interval:       cfg.ArchiveInterval,
			Logger:         logger,
			Clock:          serverClock,
		})
		if err != nil {
			return nil, err
		}
	}

	s.handler = httpapi.New(httpapi.Config{
		Core:               s.core,
		Logger:             logger,
		Clock:              serverClock,
		JSONMaxBytes:       cfg.JSONMaxBytes,
		TailHeartbeat:      cfg.TailHeartbeat,
		Ready:              s.ready,
		HTTPTracingEnabled: s.telemetry != nil && s.telemetry.tracing,
	})
	mux := http.NewServeMux()
	s.handler.Register(mux)
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	s.logger.Info("server.init",
		"data_dir", cfg.DataDir,
		"head", s.events.Head(),
		"leases", len(s.leases.List()),
		"mirror", cfg.MirrorEnabled(),
		"archive", cfg.ArchiveEnabled(),
	)
	return s, nil
}

// Handler returns the underlying HTTP handler so collabd can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Core exposes the coordination service for in-process callers.
func (s *Server) Core() *core.Service {
	return s.core
}

// Start brings up the background workers, begins serving requests, and
// blocks until the server stops.
func (s *Server) Start() error {
	ctx := context.Background()
	if s.mirror != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		if err := s.mirror.Start(ctx); err != nil {
			return err
		}
	}
	if s.archiver != nil {
		if err := s.archiver.EnsureBucket(ctx); err != nil {
			return err
		}
		s.archiver.Start(ctx)
	}
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.leases.Start(ctx, s.core.ReclaimExpired)
	s.signalReady()
	s.logger.Info("listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. Open tails are ended first so the HTTP server can go idle.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.draining = true
	s.mu.Unlock()

	s.logger.Info("server.shutdown.begin")
	s.handler.Drain()
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	errs = append(errs, s.release(ctx))
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("server.shutdown.error", "error", err)
		return err
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// release stops the workers and closes everything NewServer opened, in
// reverse order. Components that were never built are skipped.
func (s *Server) release(ctx context.Context) error {
	var errs []error
	if s.leases != nil {
		s.leases.Stop()
	}
	if s.mirror != nil {
		s.mirror.Stop()
	}
	if s.archiver != nil {
		s.archiver.Stop()
	}
	if s.events != nil {
		if err := s.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event log: %w", err))
		}
		s.events = nil
	}
	if s.redis != nil && s.ownsRedis {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	s.redis = nil
	if s.dirLock != nil {
		if err := s.dirLock.Close(); err != nil {
			errs = append(errs, fmt.Errorf("unlock data dir: %w", err))
		}
		s.dirLock = nil
	}
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	socketPath := s.socketPath
	s.mu.Unlock()
	if l != nil {
		_ = l.Close()
	}
	if socketPath != "" {
		if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	return errors.Join(errs...)
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return errors.New("draining")
	}
	return nil
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// MetricsAddr returns the bound metrics listener, or nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.telemetry == nil {
		return nil
	}
	return s.telemetry.metricsAddr
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server. Shutdown already reports fatal serve errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a collabd server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down. The server also
// stops when ctx ends, so ctx must outlive the server rather than bound the
// startup wait.
// Example:
//
//	cfg := collabd.Config{DataDir: dir, ListenProto: "unix", Listen: "/tmp/collabd.sock"}
//	srv, stop, err := collabd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("collabd: server stopped before becoming ready")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
		stopped  = make(chan struct{})
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			defer close(stopped)
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = stop(context.Background())
			case <-stopped:
			}
		}()
	}
	return srv, stop, nil
}
