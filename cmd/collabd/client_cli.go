package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/collabd/api"
	collabdclient "pkt.systems/collabd/client"
	"pkt.systems/collabd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	clientServerKey    = "client.server"
	clientTimeoutKey   = "client.timeout"
	clientActorKey     = "client.actor"
	clientLogLevelKey  = "client.log_level"
	clientLogOutputKey = "client.log_output"

	envServerURL   = "COLLABD_CLIENT_SERVER"
	envKind        = "COLLABD_CLIENT_KIND"
	envID          = "COLLABD_CLIENT_ID"
	envETag        = "COLLABD_CLIENT_ETAG"
	envLockID      = "COLLABD_CLIENT_LOCK_ID"
	envHolder      = "COLLABD_CLIENT_HOLDER"
	envExpires     = "COLLABD_CLIENT_EXPIRES_AT"
	envCursor      = "COLLABD_CLIENT_CURSOR"
	envCorrelation = "COLLABD_CLIENT_CORRELATION_ID"

	defaultServerURL  = "http://127.0.0.1:9450"
	defaultAcquireTTL = 30 * time.Second
)

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
	outputYAML outputMode = "yaml"
)

func newClientCommand() *cobra.Command {
	cfg := &clientCLIConfig{}
	var verbose bool
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interact with a running collabd server",
	}

	flags := cmd.PersistentFlags()
	flags.String("server", defaultServerURL, "collabd server base URL (http://, https:// or unix:///path/to.sock)")
	flags.Duration("timeout", collabdclient.DefaultHTTPTimeout, "HTTP client timeout")
	flags.String("actor", "", "actor recorded on the events this command causes (default user@hostname)")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	flags.String("log-output", "", "client log output path (default stderr)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose (trace) client logging")

	mustBindFlag(clientServerKey, envServerURL, flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "COLLABD_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientActorKey, "COLLABD_CLIENT_ACTOR", flags.Lookup("actor"))
	mustBindFlag(clientLogLevelKey, "COLLABD_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))
	mustBindFlag(clientLogOutputKey, "COLLABD_CLIENT_LOG_OUTPUT", flags.Lookup("log-output"))
	cfg.verboseFlag = &verbose

	cmd.AddCommand(
		newClientStateCommand(cfg),
		newClientLeaseCommand(cfg),
		newClientEventsCommand(cfg),
		newClientHealthCommand(cfg),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

type clientCLIConfig struct {
	loaded      bool
	server      string
	timeout     time.Duration
	actor       string
	logLevel    string
	logOutput   string
	verboseFlag *bool
	logger      pslog.Logger
	logClosers  []io.Closer
}

func (c *clientCLIConfig) load() error {
	if c.loaded {
		return nil
	}
	c.server = strings.TrimSpace(viper.GetString(clientServerKey))
	if c.server == "" {
		c.server = defaultServerURL
	}
	c.timeout = viper.GetDuration(clientTimeoutKey)
	if c.timeout <= 0 {
		c.timeout = collabdclient.DefaultHTTPTimeout
	}
	c.actor = strings.TrimSpace(viper.GetString(clientActorKey))
	if c.actor == "" {
		c.actor = defaultActor()
	}
	c.logOutput = viper.GetString(clientLogOutputKey)
	c.logLevel = strings.TrimSpace(viper.GetString(clientLogLevelKey))
	if c.verboseFlag != nil && *c.verboseFlag {
		c.logLevel = "trace"
	}
	if err := c.setupLogger(); err != nil {
		return err
	}
	c.loaded = true
	return nil
}

func (c *clientCLIConfig) setupLogger() error {
	levelStr := strings.ToLower(c.logLevel)
	if levelStr == "" || levelStr == "none" || levelStr == "off" || levelStr == "disabled" {
		c.logger = nil
		return nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return fmt.Errorf("invalid client log level %q", c.logLevel)
	}
	var writer io.Writer = os.Stderr
	switch c.logOutput {
	case "", "stderr":
	case "-", "stdout":
		writer = os.Stdout
	default:
		f, err := os.OpenFile(c.logOutput, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		c.logClosers = append(c.logClosers, f)
		writer = f
	}
	c.logger = svcfields.WithSubsystem(pslog.NewStructured(writer), "client.cli").LogLevel(level)
	return nil
}

func (c *clientCLIConfig) cleanup() {
	for _, closer := range c.logClosers {
		_ = closer.Close()
	}
	c.logClosers = nil
	c.logger = nil
	c.loaded = false
}

func (c *clientCLIConfig) client() (*collabdclient.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	opts := []collabdclient.Option{
		collabdclient.WithHTTPTimeout(c.timeout),
		collabdclient.WithActor(c.actor),
	}
	if c.logger != nil {
		opts = append(opts, collabdclient.WithLogger(c.logger))
	}
	return collabdclient.New(c.server, opts...)
}

// run loads the config, builds a client and hands both to fn.
func (c *clientCLIConfig) run(cmd *cobra.Command, fn func(ctx context.Context, cli *collabdclient.Client) error) error {
	cli, err := c.client()
	if err != nil {
		return err
	}
	defer c.cleanup()
	return fn(commandContextWithCorrelation(cmd), cli)
}

func defaultActor() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	user := os.Getenv("USER")
	if user == "" {
		return host
	}
	return user + "@" + host
}

func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func commandContextWithCorrelation(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if id := strings.TrimSpace(os.Getenv(envCorrelation)); id != "" {
		return collabdclient.WithCorrelationID(ctx, id)
	}
	return ctx
}

func resolveArg(args []string, idx int, envVar, what string) (string, error) {
	if idx < len(args) {
		if v := strings.TrimSpace(args[idx]); v != "" {
			return v, nil
		}
	}
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s required (pass it as an argument or export %s)", what, envVar)
}

func resolveFlag(value, envVar, flag string) (string, error) {
	if v := strings.TrimSpace(value); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("--%s required (or export %s)", flag, envVar)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type export struct {
	name  string
	value string
}

func writeExports(out io.Writer, exports ...export) error {
	for _, ex := range exports {
		if ex.value == "" {
			continue
		}
		if _, err := fmt.Fprintf(out, "export %s=%q\n", ex.name, ex.value); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func durationSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

func newClientStateCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Read and write versioned resources",
	}
	cmd.AddCommand(
		newClientStateGetCommand(cfg),
		newClientStateCreateCommand(cfg),
		newClientStateUpdateCommand(cfg),
		newClientStateDeleteCommand(cfg),
		newClientStateListCommand(cfg),
	)
	return cmd
}

func newClientStateGetCommand(cfg *clientCLIConfig) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get KIND [ID]",
		Short: "Print a resource payload and export its etag",
		Example: `  # Print the payload on stderr-free stdout and capture the etag
  collabd client state get doc D1 --output json`,
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveArg(args, 1, envID, "resource id")
			if err != nil {
				return err
			}
			return cfg.run(cmd, func(ctx context.Context, cli *collabdclient.Client) error {
				res, err := cli.Get(ctx, args[0], id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch outputMode(strings.ToLower(output)) {
				case outputJSON:
					return writeJSON(out, res)
				case outputYAML:
					data, err := convertJSONToYAML(res.Payload)
					if err != nil {
						return err
					}
					_, err = out.Write(data)
					return err
				default:
					if err := writeExports(out,
						export{envKind, res.Kind},
						export{envID, res.ID},
						export{envETag, res.ETag},
					); err != nil {
						return err
					}
					_, err := fmt.Fprintf(out, "# %s\n", res.Payload)
					return err
				}
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json|yaml)")
	return cmd
}

func newClientStateCreateCommand(cfg *clientCLIConfig) *cobra.Command {
	var file, format, output string
	cmd := &cobra.Command{
		Use:   "create KIND [ID]",
		Short: "Create a resource at version 1",
		Example: `  # Create with a server-generated id and export the id and etag
  eval "$(echo '{"title":"draft"}' | collabd client state create doc)"

  # Create from a YAML file
  collabd client state create doc D1 --file doc.yaml`,
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) > 1 {
				id = args[1]
			}
			payload, err := loadPayload(file, payloadFormat(strings.ToLower(format)), cmd.InOrStdin())
			if err != nil {
				return err
			}
			return cfg.run(cmd, func(ctx context.Context, cli *collabdclient.Client) error {
				res, err := cli.Create(ctx, args[0], id, payload)
				if err != nil {
					return err
				}
				if outputMode(output) == outputJSON {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				return writeExports(cmd.OutOrStdout(),
					export{envKind, args[0]},
					export{envID, res.ID},
					export{envETag, res.ETag},
				)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "payload file (- for stdin)")
	cmd.Flags().StringVar(&format, "format", string(payloadFormatAuto), "payload format (auto|json|yaml)")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newClientStateUpdateCommand(cfg *clientCLIConfig) *cobra.Command {
	var file, format, output, etag string
	cmd := &cobra.Command{
		Use:   "update KIND [ID]",
		Short: "Replace a resource payload if its etag still matches",
		Example: `  # Fetch, edit, and write back under If-Match
  eval "$(collabd client state get doc D1)"
  echo '{"title":"final"}' | collabd client state update doc`,
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveArg(args, 1, envID, "resource id")
			if err != nil {
				return err
			}
			match, err := resolveFlag(etag, envETag, "etag")
			if err != nil {
				return err
			}
			payload, err := loadPayload(file, payloadFormat(strings.ToLower(format)), cmd.InOrStdin())
			if err != nil {
				return err
			}
			return cfg.run(cmd, func(ctx context.Context, cli *collabdclient.Client) error {
				res, err := cli.Update(ctx, args[0], id, match, payload)
				if err != nil {
					return err
				}
				if outputMode(output) == outputJSON {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				return writeExports(cmd.OutOrStdout(), export{envETag, res.ETag})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "payload file (- for stdin)")
	cmd.Flags().StringVar(&format, "format", string(payloadFormatAuto), "payload format (auto|json|yaml)")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	cmd.Flags().StringVar(&etag, "etag", "", "expected etag (default $"+envETag+")")
	return cmd
}

func newClientStateDeleteCommand(cfg *clientCLIConfig) *cobra.Command {
	var etag string
	cmd := &cobra.Command{
		Use:          "delete KIND [ID]",
		Aliases:      []string{"rm"},
		Short:        "Tombstone a resource if its etag still matches",
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveArg(args, 1, envID, "resource id")
			if err != nil {
				return err
			}
			match, err := resolveFlag(etag, envETag, "etag")
			if err != nil {
				return err
			}
			return cfg.run(cmd, func(ctx context.Context, cli *collabdclient.Client) error {
				res, err := cli.Delete(ctx, args[0], id, match)
				if err != nil {
					return err
				}
				return writeExports(cmd.OutOrStdout(), export{envETag, res.ETag})
			})
		},
	}
	cmd.Flags().StringVar(&etag, "etag", "", "expected etag (default $"+envETag+")")
	return cmd
}

func newClientStateListCommand(cfg *clientCLIConfig) *cobra.Command {
	var after, output string
	var limit int
	var all bool
	cmd := &cobra.Command{
		Use:          "list KIND",
		Aliases:      []string{"ls"},
		Short:        "List live resources of a kind",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(ctx context.Context, cli *collabdclient.Client) error {
				var resp api.ListResponse
				if all {
					items, err := cli.ListAll(ctx, args[0])
					if err != nil {
						return err
					}
					resp.Items = items
				} else {
					page, err := cli.List(ctx, args[0], after, limit)
					if err != nil {
						return err
					}
					resp = *page
				}
				out := cmd.OutOrStdout()
				if outputMode(output) == outputJSON {
					return writeJSON(out, resp)
				}
				for _, item := range resp.Items {
					if _, err := fmt.Fprintf(out, "%s\t%s\n", item.ID, item.ETag); err != nil {
						return err
					}
				}
				if resp.Next != "" {
					_, err := fmt.Fprintf(out, "# next: --after %s\n", resp.Next)
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "list ids after this one")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (server default when 0)")
	cmd.Flags().BoolVar(&all, "all", false, "follow pages until the end")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newClientLeaseCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Acquire, renew and release leases",
	}
	cmd.AddCommand(
		newClientLeaseAcquireCommand(cfg),
		newClientLeaseRenewCommand(cfg),
		newClientLeaseReleaseCommand(cfg),
		newClientLeaseDescribeCommand(cfg),
		newClientLeaseListCommand(cfg),
	)
	return cmd
}

func leaseExports(cfg *clientCLIConfig, l *api.LeaseResponse) []export {
	return []export{
		{envLockID, l.LockID},
		{envKind, l.Resource.Kind},
		{envID, l.Resource.ID},
		{envHolder, l.Holder},
		{envExpires, formatTime(l.ExpiresAt)},
		{envServerURL, cfg.server},
	}
}

func writeLease(cmd *cobra.Command, cfg *clientCLIConfig, output string, l *api.LeaseResponse) error {
	if outputMode(output) == outputJSON {
		return writeJSON(cmd.OutOrStdout(), l)
	}
	return writeExports(cmd.OutOrStdout(), leaseExports(cfg, l)...)
}

func newClientLeaseAcquireCommand(cfg *clientCLIConfig) *cobra.Command {
	var holder, output string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "acquire KIND ID",
		Short: "Acquire an exclusive lease on a resource",
		Example: `  # Acquire a lease and export its lock id
  eval "$(collabd client lease acquire job J1 --ttl 30s)"`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			secs := durationSeconds(ttl)
			if secs <= 0 {
				return fmt.Errorf("ttl must be > 0")
			}
			if holder == "" {
				holder = defaultHolder()
			}
			return cfg.run(cmd, func(ctx context.Context, cli *collabdclient.Client) error {
				l, err := cli.Acquire(ctx, args[0], args[1], holder, secs)
				if err != nil {
					return err
				}
				return writeLease(cmd, cfg, output, l)
			})
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "holder identity (default hostname-pid)")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultAcquireTTL, "lease ttl (rounded up to whole seconds)")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newClientLeaseRenewCommand(cfg *clientCLIConfig) *cobra.Command {
	var holder, output string
	cmd := &cobra.Command{
		Use:          "renew [LOCK_ID]",
		Aliases:      []string{"keepalive"},
		Short:        "Renew a lease before it expires",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			lockID, err := resolveArg(args, 0, envLockID, "lock id")
			if err != nil {
				return err
			}
			who, err := resolveFlag(holder, envHolder, "holder")
			if err != nil {
				return err
			}
			return cfg.run(cmd, func(ctx context.Context, cli *collabdclient.Client) error {
				l, err := cli.Renew(ctx, lockID, who)
				if err != nil {
					return err
				}
				return writeLease(cmd, cfg, output, l)
			})
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "holder identity (default $"+envHolder+")")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newClientLeaseReleaseCommand(cfg *clientCLIConfig) *cobra.Command {
	var holder string
	cmd := &cobra.Command{
		Use:          "release [LOCK_ID]",
		Short:        "Release a lease",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			lockID, err := resolveArg(args, 0, envLockID, "lock id")
			if err != nil {
				return err
			}
			who, err := resolveFlag(holder, envHolder, "holder")
			if err != nil {
				return err
			}
			return cfg.run(cmd, func(ctx context.Context, cli *collabdclient.Client) error {
				l, err := cli.Release(ctx, lockID, who)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "released %s (%s)\n", l.LockID, l.State)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "holder identity (default $"+envHolder+")")
	return cmd
}

func newClientLeaseDescribeCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:          "describe [LOCK_ID]",
		Aliases:      []string{"get"},
		Short:        "Describe a lease",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			lockID, err := resolveArg(args, 0, envLockID, "lock id")
			if err != nil {
				return err
			}
			return cfg.run(cmd, func(ctx context.Context, cli *collabdclient.Client) error {
				l, err := cli.DescribeLease(ctx, lockID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), l)
			})
		},
	}
}

func newClientLeaseListCommand(cfg *clientCLIConfig) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:          "list",
		Aliases:      []string{"ls"},
		Short:        "List active leases",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(ctx context.Context, cli *collabdclient.Client) error {
				leases, err := cli.ListLeases(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if outputMode(output) == outputJSON {
					return writeJSON(out, api.LeaseListResponse{Leases: leases})
				}
				for _, l := range leases {
					if _, err := fmt.Fprintf(out, "%s\t%s/%s\t%s\t%ds\n", l.LockID, l.Resource.Kind, l.Resource.ID, l.Holder, l.RemainingSeconds); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json)")
	return cmd
}

func newClientEventsCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "events",
		Aliases: []string{"ev"},
		Short:   "Append, read and tail the event log",
	}
	cmd.AddCommand(
		newClientEventsAppendCommand(cfg),
		newClientEventsReadCommand(cfg),
		newClientEventsTailCommand(cfg),
	)
	return cmd
}

func newClientEventsAppendCommand(cfg *clientCLIConfig) *cobra.Command {
	var kind, id, lockID, details string
	cmd := &cobra.Command{
		Use:          "append TYPE",
		Short:        "Append a custom event",
		Example:      `  collabd client events append comment --kind doc --id D1 --details '{"text":"lgtm"}'`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.AppendEventRequest{
				Type:   args[0],
				Target: api.Target{Kind: kind, ID: id, LockID: lockID},
			}
			if details != "" {
				if !json.Valid([]byte(details)) {
					return fmt.Errorf("--details must be valid JSON")
				}
				req.Details = json.RawMessage(details)
			}
			return cfg.run(cmd, func(ctx context.Context, cli *collabdclient.Client) error {
				res, err := cli.AppendEvent(ctx, req)
				if err != nil {
					return err
				}
				return writeExports(cmd.OutOrStdout(), export{envCursor, strconv.FormatUint(res.Seq, 10)})
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "target resource kind")
	cmd.Flags().StringVar(&id, "id", "", "target resource id")
	cmd.Flags().StringVar(&lockID, "lock-id", "", "target lease")
	cmd.Flags().StringVar(&details, "details", "", "JSON details document")
	return cmd
}

func newClientEventsReadCommand(cfg *clientCLIConfig) *cobra.Command {
	var since uint64
	var limit int
	cmd := &cobra.Command{
		Use:          "read",
		Short:        "Print one page of events after --since as NDJSON",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(ctx context.Context, cli *collabdclient.Client) error {
				page, err := cli.ReadEvents(ctx, since, limit)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, ev := range page.Events {
					if err := enc.Encode(ev); err != nil {
						return err
					}
				}
				return writeExports(cmd.ErrOrStderr(), export{envCursor, strconv.FormatUint(page.Next, 10)})
			})
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "return events with seq above this cursor")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum events (server default when 0)")
	return cmd
}

func newClientEventsTailCommand(cfg *clientCLIConfig) *cobra.Command {
	var since uint64
	var count int
	var noReconnect bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream events after --since as NDJSON",
		Example: `  # Follow everything from the beginning
  collabd client events tail --since 0

  # Stop after 10 events
  collabd client events tail --since "$COLLABD_CLIENT_CURSOR" --count 10`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(ctx context.Context, cli *collabdclient.Client) error {
				var opts []collabdclient.TailOption
				if noReconnect {
					opts = append(opts, collabdclient.WithoutReconnect())
				}
				stream, err := cli.Tail(ctx, since, opts...)
				if err != nil {
					return err
				}
				defer stream.Close()
				enc := json.NewEncoder(cmd.OutOrStdout())
				for seen := 0; count <= 0 || seen < count; seen++ {
					ev, err := stream.Next(ctx)
					if err != nil {
						if ctx.Err() != nil {
							return nil
						}
						return err
					}
					if err := enc.Encode(ev); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "stream events with seq above this cursor")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 follows forever)")
	cmd.Flags().BoolVar(&noReconnect, "no-reconnect", false, "exit instead of resuming when the stream lags or drops")
	return cmd
}

func newClientHealthCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:          "health",
		Short:        "Check server liveness",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(ctx context.Context, cli *collabdclient.Client) error {
				res, err := cli.Health(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}
