package collabd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/collabd/internal/eventlog"
	"pkt.systems/collabd/internal/lease"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9450"
	// DefaultListenProto controls the listener type when none is configured.
	DefaultListenProto = "tcp"
	// DefaultDataDir holds state records and event segments.
	DefaultDataDir = "collabd-data"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultJSONMaxBytes caps request bodies.
	DefaultJSONMaxBytes = 1 << 20
	// DefaultMinTTL is the shortest lease a holder may request.
	DefaultMinTTL = lease.DefaultMinTTL
	// DefaultMaxTTL is the longest lease a holder may request.
	DefaultMaxTTL = lease.DefaultMaxTTL
	// DefaultSweepInterval is the reclaim sweep cadence. Reclaim latency is
	// bounded by ttl plus this interval.
	DefaultSweepInterval = lease.DefaultSweepInterval
	// DefaultLeaseRetention is how long ended lease records stay readable.
	DefaultLeaseRetention = lease.DefaultRetention
	// DefaultSegmentBytes is the event segment rotation threshold.
	DefaultSegmentBytes = eventlog.DefaultSegmentBytes
	// DefaultSubscriberBuffer is the per-tail delivery buffer.
	DefaultSubscriberBuffer = eventlog.DefaultSubscriberBuffer
	// DefaultEventCacheSize is how many recent events are served from memory.
	DefaultEventCacheSize = eventlog.DefaultCacheSize
	// DefaultTailHeartbeat is the idle interval between tail heartbeats.
	DefaultTailHeartbeat = 15 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultRedisChannel receives mirrored events.
	DefaultRedisChannel = "collabd:events"
	// DefaultRedisCursorKey stores the mirror position.
	DefaultRedisCursorKey = "collabd:mirror:cursor"
	// DefaultArchiveInterval is the pause between archive passes.
	DefaultArchiveInterval = time.Minute
	// DefaultArchiveRegion is used when no region is configured.
	DefaultArchiveRegion = "us-east-1"
)

// Config captures the tunables for a collabd server.
type Config struct {
	// Listen is the server bind address (for example ":9450" or a socket path).
	Listen string
	// ListenProto selects the listener type ("tcp" or "unix").
	ListenProto string
	// DataDir holds state records and event log segments. One process owns it.
	DataDir string

	// MetricsListen is the Prometheus endpoint bind address; empty disables it.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables it.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables tracing export (grpc://, grpcs://, http://, https://).
	OTLPEndpoint string

	// JSONMaxBytes caps request bodies.
	JSONMaxBytes int64
	// MinTTL and MaxTTL bound requested lease lifetimes.
	MinTTL time.Duration
	MaxTTL time.Duration
	// SweepInterval is the reclaim sweep cadence and must stay below MinTTL.
	SweepInterval time.Duration
	// LeaseRetention is how long released and reclaimed lease records are
	// kept before the sweep prunes them.
	LeaseRetention time.Duration
	// SystemActor is recorded on events collabd originates itself.
	SystemActor string

	// SegmentBytes is the event segment rotation threshold.
	SegmentBytes int64
	// SubscriberBuffer is the per-tail delivery buffer. A tail that falls
	// this far behind is dropped and must resume from its cursor.
	SubscriberBuffer int
	// EventCacheSize is how many recent events are kept in memory.
	EventCacheSize int
	// TailHeartbeat is the idle interval between tail heartbeats.
	TailHeartbeat time.Duration
	// ShutdownTimeout bounds graceful shutdown when driven by the CLI.
	ShutdownTimeout time.Duration

	// RedisURL enables the Redis event mirror (redis://host:6379/0).
	RedisURL string
	// RedisChannel receives one message per event.
	RedisChannel string
	// RedisCursorKey stores the last mirrored seq.
	RedisCursorKey string

	// ArchiveEndpoint and ArchiveBucket enable sealed segment archival.
	ArchiveEndpoint  string
	ArchiveBucket    string
	ArchivePrefix    string
	ArchiveRegion    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	// ArchiveInsecure uses plain HTTP to reach the object store.
	ArchiveInsecure bool
	// ArchivePathStyle forces path-style bucket addressing.
	ArchivePathStyle bool
	// ArchiveInterval is the pause between archive passes.
	ArchiveInterval time.Duration
}

// MirrorEnabled reports whether the Redis mirror is configured.
func (c Config) MirrorEnabled() bool {
	return strings.TrimSpace(c.RedisURL) != ""
}

// ArchiveEnabled reports whether segment archival is configured.
func (c Config) ArchiveEnabled() bool {
	return strings.TrimSpace(c.ArchiveBucket) != ""
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen-proto must be tcp or unix, got %q", c.ListenProto)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.JSONMaxBytes == 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	} else if c.JSONMaxBytes < 0 {
		return fmt.Errorf("config: json-max must be > 0")
	}
	if c.MinTTL == 0 {
		c.MinTTL = DefaultMinTTL
	}
	if c.MaxTTL == 0 {
		c.MaxTTL = DefaultMaxTTL
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.LeaseRetention == 0 {
		c.LeaseRetention = DefaultLeaseRetention
	} else if c.LeaseRetention < 0 {
		return fmt.Errorf("config: lease-retention must be positive")
	}
	if c.MinTTL < time.Second {
		return fmt.Errorf("config: min-ttl must be at least 1s")
	}
	if c.MaxTTL < c.MinTTL {
		return fmt.Errorf("config: max-ttl (%s) must be >= min-ttl (%s)", c.MaxTTL, c.MinTTL)
	}
	if c.SweepInterval < 0 || c.SweepInterval >= c.MinTTL {
		return fmt.Errorf("config: sweep-interval (%s) must be positive and below min-ttl (%s)", c.SweepInterval, c.MinTTL)
	}
	if c.SegmentBytes == 0 {
		c.SegmentBytes = DefaultSegmentBytes
	} else if c.SegmentBytes < 1024 {
		return fmt.Errorf("config: segment-bytes must be at least 1KiB")
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = DefaultSubscriberBuffer
	} else if c.SubscriberBuffer < 0 {
		return fmt.Errorf("config: subscriber-buffer must be > 0")
	}
	if c.EventCacheSize == 0 {
		c.EventCacheSize = DefaultEventCacheSize
	} else if c.EventCacheSize < 0 {
		return fmt.Errorf("config: event-cache must be >= 0")
	}
	if c.TailHeartbeat == 0 {
		c.TailHeartbeat = DefaultTailHeartbeat
	} else if c.TailHeartbeat < 0 {
		return fmt.Errorf("config: tail-heartbeat must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MirrorEnabled() {
		if _, err := redis.ParseURL(c.RedisURL); err != nil {
			return fmt.Errorf("config: redis-url: %w", err)
		}
		if c.RedisChannel == "" {
			c.RedisChannel = DefaultRedisChannel
		}
		if c.RedisCursorKey == "" {
			c.RedisCursorKey = DefaultRedisCursorKey
		}
	}
	if c.ArchiveEnabled() != (strings.TrimSpace(c.ArchiveEndpoint) != "") {
		return fmt.Errorf("config: archive-bucket and archive-endpoint must be set together")
	}
	if c.ArchiveEnabled() {
		if c.ArchiveRegion == "" {
			c.ArchiveRegion = DefaultArchiveRegion
		}
		if c.ArchiveInterval == 0 {
			c.ArchiveInterval = DefaultArchiveInterval
		} else if c.ArchiveInterval < 0 {
			return fmt.Errorf("config: archive-interval must be > 0")
		}
	}
	return nil
}

// DefaultConfigDir returns the directory holding the CLI config file
// (COLLABD_CONFIG_DIR, else $HOME/.collabd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("COLLABD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".collabd"), nil
}

// DefaultConfigPath returns the default YAML config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
