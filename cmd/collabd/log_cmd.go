package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/collabd/internal/eventlog"
)

func newLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Read the event log straight from a data directory",
		Long: `Reads event segments from disk without contacting the server. Safe to run
next to a live server: records still being written are skipped until complete.`,
	}
	cmd.AddCommand(newLogDumpCommand(), newLogTailCommand())
	return cmd
}

func logDataDir(flagValue string) (string, error) {
	dir := strings.TrimSpace(flagValue)
	if dir == "" {
		dir = strings.TrimSpace(viper.GetString("data-dir"))
	}
	if dir == "" {
		return "", fmt.Errorf("--data-dir required")
	}
	return expandPath(dir)
}

func newLogDumpCommand() *cobra.Command {
	var dataDir, eventType string
	var since uint64
	cmd := &cobra.Command{
		Use:          "dump",
		Short:        "Print every stored event after --since as NDJSON",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := logDataDir(dataDir)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			return eventlog.NewReader(dir, since).Drain(func(ev eventlog.Event) error {
				if eventType != "" && ev.Type != eventType {
					return nil
				}
				return enc.Encode(ev)
			})
		},
	}
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "collabd data directory (default $COLLABD_DATA_DIR)")
	cmd.Flags().Uint64Var(&since, "since", 0, "skip events with seq at or below this cursor")
	cmd.Flags().StringVar(&eventType, "type", "", "only print events of this type")
	return cmd
}

func newLogTailCommand() *cobra.Command {
	var dataDir, eventType string
	var since uint64
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the event log on disk as NDJSON",
		Example: `  # Watch a local server's log from the beginning
  collabd log tail -d /var/lib/collabd`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := logDataDir(dataDir)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			err = eventlog.Follow(ctx, dir, since, poll, func(ev eventlog.Event) error {
				if eventType != "" && ev.Type != eventType {
					return nil
				}
				return enc.Encode(ev)
			})
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "collabd data directory (default $COLLABD_DATA_DIR)")
	cmd.Flags().Uint64Var(&since, "since", 0, "skip events with seq at or below this cursor")
	cmd.Flags().StringVar(&eventType, "type", "", "only print events of this type")
	cmd.Flags().DurationVar(&poll, "poll", eventlog.DefaultFollowPoll, "rescan interval when no filesystem notification arrives")
	return cmd
}
