package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/collabd"
	"pkt.systems/collabd/internal/svcfields"
	"pkt.systems/collabd/internal/version"
	"pkt.systems/pslog"
)

const envPrefix = "COLLABD"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("COLLABD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "collabd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server itself
// rather than a subcommand. Server failures go to the structured log;
// subcommand failures are printed plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !hasSubcommand(root, args[i:])
			}
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			sh := strings.TrimPrefix(arg, "-")
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !hasSubcommand(root, args[i:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 && i < len(args) {
						i++
					}
					break
				}
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func hasSubcommand(root *cobra.Command, args []string) bool {
	for _, tok := range args {
		if isSubcommandToken(root, tok) {
			return true
		}
	}
	return false
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func parseBytesFlag(name string) (int64, error) {
	raw := strings.TrimSpace(viper.GetString(name))
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return int64(size), nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := collabd.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// serverFlagNames are bound to viper and, through AutomaticEnv, to
// COLLABD_<NAME> environment variables.
var serverFlagNames = []string{
	"config",
	"listen", "listen-proto", "data-dir",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"json-max", "min-ttl", "max-ttl", "sweep-interval", "lease-retention", "system-actor",
	"segment-size", "subscriber-buffer", "event-cache", "tail-heartbeat", "shutdown-timeout",
	"redis-url", "redis-channel", "redis-cursor-key",
	"archive-endpoint", "archive-bucket", "archive-prefix", "archive-region",
	"archive-access-key", "archive-secret-key", "archive-insecure", "archive-path-style", "archive-interval",
	"log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.GetViper()
	cmd := &cobra.Command{
		Use:           "collabd",
		Short:         "collabd coordinates collaborators with versioned state, leases, and an ordered event log",
		SilenceErrors: true,
		Example: `
  # Serve from ./collabd-data on :9450
  collabd

  # Dedicated data directory, shorter leases
  collabd --data-dir /var/lib/collabd --min-ttl 2s --sweep-interval 500ms

  # Mirror events to Redis and archive sealed segments to MinIO
  COLLABD_REDIS_URL=redis://localhost:6379/0 \
  COLLABD_ARCHIVE_ENDPOINT=localhost:9000 COLLABD_ARCHIVE_BUCKET=collabd \
  COLLABD_ARCHIVE_INSECURE=true collabd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to collabd",
				"version", version.Current(),
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			server, err := collabd.NewServer(cfg, collabd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdown := func() error {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
			defer func() { _ = shutdown() }()
			go func() {
				<-ctx.Done()
				if err := shutdown(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.collabd/config.yaml)")

	flags := cmd.Flags()
	flags.String("listen", collabd.DefaultListen, "listen address (host:port, or a socket path with --listen-proto unix)")
	flags.String("listen-proto", collabd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.StringP("data-dir", "d", collabd.DefaultDataDir, "directory holding state records and event segments")
	flags.String("metrics-listen", collabd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", collabd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("json-max", humanizeBytes(collabd.DefaultJSONMaxBytes), "maximum request body size")
	flags.Duration("min-ttl", collabd.DefaultMinTTL, "shortest lease ttl a holder may request")
	flags.Duration("max-ttl", collabd.DefaultMaxTTL, "longest lease ttl a holder may request")
	flags.Duration("sweep-interval", collabd.DefaultSweepInterval, "reclaim sweep interval (must be below --min-ttl)")
	flags.Duration("lease-retention", collabd.DefaultLeaseRetention, "how long released and reclaimed lease records are kept")
	flags.String("system-actor", "", "actor recorded on events collabd originates itself (default collabd)")
	flags.String("segment-size", humanizeBytes(collabd.DefaultSegmentBytes), "event log segment rotation size")
	flags.Int("subscriber-buffer", collabd.DefaultSubscriberBuffer, "events buffered per tail before it is dropped as lagged")
	flags.Int("event-cache", collabd.DefaultEventCacheSize, "recent events kept in memory")
	flags.Duration("tail-heartbeat", collabd.DefaultTailHeartbeat, "idle interval between tail heartbeats")
	flags.Duration("shutdown-timeout", collabd.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.String("redis-url", "", "mirror events to this Redis (redis://host:6379/0; empty disables)")
	flags.String("redis-channel", collabd.DefaultRedisChannel, "Redis channel receiving mirrored events")
	flags.String("redis-cursor-key", collabd.DefaultRedisCursorKey, "Redis key storing the mirror position")
	flags.String("archive-endpoint", "", "S3-compatible endpoint for segment archival (host:port)")
	flags.String("archive-bucket", "", "bucket receiving sealed segments (empty disables archival)")
	flags.String("archive-prefix", "", "object key prefix for archived segments")
	flags.String("archive-region", collabd.DefaultArchiveRegion, "object store region")
	flags.String("archive-access-key", "", "object store access key (falls back to AWS_/MINIO_ environment credentials)")
	flags.String("archive-secret-key", "", "object store secret key")
	flags.Bool("archive-insecure", false, "use plain HTTP for the object store")
	flags.Bool("archive-path-style", false, "force path-style bucket addressing")
	flags.Duration("archive-interval", collabd.DefaultArchiveInterval, "pause between archive passes")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error)")

	for _, name := range serverFlagNames {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newLogCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig() (collabd.Config, error) {
	var cfg collabd.Config
	var err error
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.DataDir, err = expandPath(strings.TrimSpace(viper.GetString("data-dir")))
	if err != nil {
		return cfg, fmt.Errorf("expand data-dir: %w", err)
	}
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	if cfg.JSONMaxBytes, err = parseBytesFlag("json-max"); err != nil {
		return cfg, err
	}
	cfg.MinTTL = viper.GetDuration("min-ttl")
	cfg.MaxTTL = viper.GetDuration("max-ttl")
	cfg.SweepInterval = viper.GetDuration("sweep-interval")
	cfg.LeaseRetention = viper.GetDuration("lease-retention")
	cfg.SystemActor = viper.GetString("system-actor")
	if cfg.SegmentBytes, err = parseBytesFlag("segment-size"); err != nil {
		return cfg, err
	}
	cfg.SubscriberBuffer = viper.GetInt("subscriber-buffer")
	cfg.EventCacheSize = viper.GetInt("event-cache")
	cfg.TailHeartbeat = viper.GetDuration("tail-heartbeat")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.RedisURL = strings.TrimSpace(viper.GetString("redis-url"))
	cfg.RedisChannel = viper.GetString("redis-channel")
	cfg.RedisCursorKey = viper.GetString("redis-cursor-key")
	cfg.ArchiveEndpoint = strings.TrimSpace(viper.GetString("archive-endpoint"))
	cfg.ArchiveBucket = strings.TrimSpace(viper.GetString("archive-bucket"))
	cfg.ArchivePrefix = viper.GetString("archive-prefix")
	cfg.ArchiveRegion = viper.GetString("archive-region")
	cfg.ArchiveAccessKey = viper.GetString("archive-access-key")
	cfg.ArchiveSecretKey = viper.GetString("archive-secret-key")
	cfg.ArchiveInsecure = viper.GetBool("archive-insecure")
	cfg.ArchivePathStyle = viper.GetBool("archive-path-style")
	cfg.ArchiveInterval = viper.GetDuration("archive-interval")
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
