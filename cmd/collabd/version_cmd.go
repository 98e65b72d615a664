package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"pkt.systems/collabd/internal/version"
)

type versionInfo struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func newVersionCommand() *cobra.Command {
	var short, asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the collabd version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch {
			case asJSON:
				return writeJSON(out, versionInfo{
					Module:    version.Module(),
					Version:   version.Current(),
					GoVersion: runtime.Version(),
					Platform:  runtime.GOOS + "/" + runtime.GOARCH,
				})
			case short:
				_, err := fmt.Fprintln(out, version.Current())
				return err
			default:
				_, err := fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
				return err
			}
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print build details as JSON")
	cmd.MarkFlagsMutuallyExclusive("short", "json")
	return cmd
}
