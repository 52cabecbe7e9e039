package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/trbjo/idled/config"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show lock, inhibitor, power and listener state of the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callDaemon("Status")
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			if len(body) != 1 {
				return fmt.Errorf("unexpected status reply with %d values", len(body))
			}
			out, ok := body[0].(string)
			if !ok {
				return fmt.Errorf("unexpected status reply of type %T", body[0])
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Make the running daemon re-read its configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := callDaemon("Reload")
			return err
		},
	}
}

func newLogLevelCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "log-level LEVEL",
		Short:     "Change the log level of the running daemon",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"debug", "info", "warn", "error"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(args[0])); err != nil {
				return err
			}
			_, err := callDaemon("SetLogLevel", args[0])
			return err
		},
	}
}

func newCheckConfigCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config [FILE]",
		Short: "Validate a configuration file without starting the daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.path()
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok, %d listeners\n", path, len(cfg.Listeners))
			return nil
		},
	}
}
