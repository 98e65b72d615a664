package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/collabd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage collabd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.collabd/config.yaml"
	if path, err := collabd.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default collabd configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				outPath, err = collabd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the server flags; keys match flag names so viper
// reads the file without translation.
type configDefaults struct {
	Listen                 string `yaml:"listen"`
	ListenProto            string `yaml:"listen-proto"`
	DataDir                string `yaml:"data-dir"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	JSONMax                string `yaml:"json-max"`
	MinTTL                 string `yaml:"min-ttl"`
	MaxTTL                 string `yaml:"max-ttl"`
	SweepInterval          string `yaml:"sweep-interval"`
	LeaseRetention         string `yaml:"lease-retention"`
	SystemActor            string `yaml:"system-actor"`
	SegmentSize            string `yaml:"segment-size"`
	SubscriberBuffer       int    `yaml:"subscriber-buffer"`
	EventCache             int    `yaml:"event-cache"`
	TailHeartbeat          string `yaml:"tail-heartbeat"`
	ShutdownTimeout        string `yaml:"shutdown-timeout"`
	RedisURL               string `yaml:"redis-url"`
	RedisChannel           string `yaml:"redis-channel"`
	RedisCursorKey         string `yaml:"redis-cursor-key"`
	ArchiveEndpoint        string `yaml:"archive-endpoint"`
	ArchiveBucket          string `yaml:"archive-bucket"`
	ArchivePrefix          string `yaml:"archive-prefix"`
	ArchiveRegion          string `yaml:"archive-region"`
	ArchiveInsecure        bool   `yaml:"archive-insecure"`
	ArchivePathStyle       bool   `yaml:"archive-path-style"`
	ArchiveInterval        string `yaml:"archive-interval"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Listen:           collabd.DefaultListen,
		ListenProto:      collabd.DefaultListenProto,
		DataDir:          collabd.DefaultDataDir,
		MetricsListen:    collabd.DefaultMetricsListen,
		PprofListen:      collabd.DefaultPprofListen,
		JSONMax:          humanizeBytes(collabd.DefaultJSONMaxBytes),
		MinTTL:           collabd.DefaultMinTTL.String(),
		MaxTTL:           collabd.DefaultMaxTTL.String(),
		SweepInterval:    collabd.DefaultSweepInterval.String(),
		LeaseRetention:   collabd.DefaultLeaseRetention.String(),
		SegmentSize:      humanizeBytes(collabd.DefaultSegmentBytes),
		SubscriberBuffer: collabd.DefaultSubscriberBuffer,
		EventCache:       collabd.DefaultEventCacheSize,
		TailHeartbeat:    collabd.DefaultTailHeartbeat.String(),
		ShutdownTimeout:  collabd.DefaultShutdownTimeout.String(),
		RedisChannel:     collabd.DefaultRedisChannel,
		RedisCursorKey:   collabd.DefaultRedisCursorKey,
		ArchiveRegion:    collabd.DefaultArchiveRegion,
		ArchiveInterval:  collabd.DefaultArchiveInterval.String(),
		LogLevel:         "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	header := []byte("# collabd configuration. Keys match the command line flags;\n# COLLABD_<FLAG> environment variables take precedence over this file.\n")
	return append(header, data...), nil
}
