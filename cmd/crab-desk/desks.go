package main

import (
	"fmt"
	"log"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-desk/internal/config"
	"crabstack.local/projects/crab-desk/internal/desk"
	"crabstack.local/projects/crab-desk/internal/ids"
)

func newDesksCmd(logger *log.Logger) *cobra.Command {
	desksCmd := &cobra.Command{
		Use:   "desks",
		Short: "Work with the desk catalog",
	}
	desksCmd.AddCommand(newDesksCheckCmd(logger))
	desksCmd.AddCommand(newDesksManifestCmd())
	return desksCmd
}

func newDesksCheckCmd(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a desk catalog and list its desks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.FromEnv().DesksFile
			if len(args) == 1 {
				path = args[0]
			}
			if strings.TrimSpace(path) == "" {
				return fmt.Errorf("no desk catalog given and CRAB_DESK_DESKS_FILE is not set")
			}
			catalog, err := desk.Load(path, logger)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DESK\tALIASES\tWRITABLE\tREADABLE\tBLOCKED\tKNOWLEDGE")
			for _, d := range catalog.Desks() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					d.Name,
					strings.Join(d.Aliases, ","),
					strings.Join(d.Boundaries.Writable, ","),
					strings.Join(d.Boundaries.Readable, ","),
					strings.Join(d.Boundaries.Blocked, ","),
					len(d.Knowledge),
				)
			}
			return w.Flush()
		},
	}
}

func newDesksManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest <session-id>",
		Short: "Show the boundary manifest a session was created with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := strings.TrimSpace(args[0])
			if !ids.IsSessionID(sessionID) {
				return fmt.Errorf("%q is not a session id", sessionID)
			}
			manifest, err := desk.ReadManifest(desk.ManifestPath(config.FromEnv().ManifestDir(), sessionID))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session:  %s\n", manifest.SessionID)
			fmt.Fprintf(out, "desk:     %s\n", manifest.Desk)
			fmt.Fprintf(out, "created:  %s\n", manifest.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "writable: %s\n", strings.Join(manifest.Boundaries.Writable, ", "))
			fmt.Fprintf(out, "readable: %s\n", strings.Join(manifest.Boundaries.Readable, ", "))
			fmt.Fprintf(out, "blocked:  %s\n", strings.Join(manifest.Boundaries.Blocked, ", "))
			return nil
		},
	}
}
