package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-desk/internal/config"
	"crabstack.local/projects/crab-desk/internal/session"
)

func newRootCmd(logger *log.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "crab-desk",
		Short:         "Bridge Discord threads to Claude sessions",
		Long:          "crab-desk turns Discord threads into long-lived Claude conversations, streaming progress back into the thread and answering the agent's multiple-choice questions with buttons.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newServeCmd(logger),
		newSessionsCmd(logger),
		newDesksCmd(logger),
	)
	return rootCmd
}

// openRegistry opens the configured session store and loads it into a
// registry. The returned close func releases the store.
func openRegistry(ctx context.Context, cfg config.Config, logger *log.Logger) (*session.Registry, func() error, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir: %w", err)
	}
	store, err := session.OpenStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}
	registry := session.NewRegistry(store, logger)
	registry.Load(ctx)
	return registry, store.Close, nil
}
