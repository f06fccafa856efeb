package main

import (
	"encoding/json"
	"fmt"
	"log"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-desk/internal/config"
)

func newSessionsCmd(logger *log.Logger) *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and maintain thread sessions",
	}
	sessionsCmd.AddCommand(newSessionsListCmd(logger), newSessionsSweepCmd(logger))
	return sessionsCmd
}

func newSessionsListCmd(logger *log.Logger) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known thread sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			if err := cfg.ValidateStore(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			registry, closeStore, err := openRegistry(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			sessions := registry.List()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}

			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "THREAD\tSESSION\tDESK\tSTARTED\tIDLE")
			for _, s := range sessions {
				desk := s.Desk
				if desk == "" {
					desk = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", s.Key, s.SessionID, desk, s.Started, s.IdleFor(now).Round(time.Second))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print sessions as JSON")
	return cmd
}

func newSessionsSweepCmd(logger *log.Logger) *cobra.Command {
	var maxIdle time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Forget sessions idle longer than --max-idle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			if err := cfg.ValidateStore(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if maxIdle <= 0 {
				maxIdle = cfg.SessionMaxIdle
			}
			registry, closeStore, err := openRegistry(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			evicted := registry.Sweep(cmd.Context(), maxIdle)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "evicted %d session(s) idle longer than %s\n", evicted, maxIdle)
			return err
		},
	}
	cmd.Flags().DurationVar(&maxIdle, "max-idle", 0, "idle threshold (defaults to CRAB_DESK_SESSION_MAX_IDLE)")
	return cmd
}
