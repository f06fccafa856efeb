package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-desk/internal/agent"
	"crabstack.local/projects/crab-desk/internal/config"
	"crabstack.local/projects/crab-desk/internal/delivery"
	"crabstack.local/projects/crab-desk/internal/desk"
	"crabstack.local/projects/crab-desk/internal/discord"
	"crabstack.local/projects/crab-desk/internal/orchestrator"
	"crabstack.local/projects/crab-desk/internal/prompt"
	"crabstack.local/projects/crab-desk/internal/relay"
	"crabstack.local/projects/crab-desk/internal/session"
)

const (
	shutdownTimeout     = 30 * time.Second
	workerIdleTimeout   = 10 * time.Minute
	attachmentFetchWait = 30 * time.Second
)

func newServeCmd(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Discord bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	registry, closeStore, err := openRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Printf("session store close failed: %v", err)
		}
	}()
	go registry.RunSweeper(ctx, cfg.SweepInterval, cfg.SessionMaxIdle)

	var desks orchestrator.DeskResolver
	if strings.TrimSpace(cfg.DesksFile) != "" {
		catalog, err := desk.Load(cfg.DesksFile, logger)
		if err != nil {
			return fmt.Errorf("load desk catalog: %w", err)
		}
		go func() {
			if err := catalog.Watch(ctx); err != nil {
				logger.Printf("desk catalog watch stopped: %v", err)
			}
		}()
		desks = catalog
		logger.Printf("desk catalog loaded path=%s desks=%d", catalog.Path(), len(catalog.Desks()))
	}

	dg, err := discord.NewSession(cfg.DiscordBotToken)
	if err != nil {
		return err
	}
	sender := discord.NewSender(dg)

	runner := agent.NewRunner(agent.Options{
		Command:        cfg.AgentCommand,
		Args:           cfg.AgentArgs,
		Model:          cfg.AgentModel,
		PermissionMode: cfg.PermissionMode,
		WorkDir:        cfg.WorkDir,
	}, logger)

	orchCfg := orchestrator.Config{
		Delivery: delivery.Config{
			MaxLength:        cfg.MaxMessageLength,
			DebounceInterval: cfg.UpdateInterval,
		},
		ManifestDir: cfg.ManifestDir(),
		ChoiceTool:  prompt.ToolName,
	}
	if addr := strings.TrimSpace(cfg.RelayAddr); addr != "" {
		orchCfg.RelayBaseURL = "http://" + addr
	}
	orch, err := orchestrator.New(orchestrator.Deps{
		Registry:  registry,
		Scheduler: session.NewScheduler(logger, cfg.QueueSize, workerIdleTimeout),
		Prompts:   prompt.NewManager(logger),
		Agent:     runner,
		Platform:  sender,
		Desks:     desks,
	}, orchCfg, logger)
	if err != nil {
		return err
	}

	listener := discord.NewListener(dg, dg, orch, registry, discord.Options{
		AttachmentDir: cfg.AttachmentDir(),
		HTTPClient:    &http.Client{Timeout: attachmentFetchWait},
	}, logger)
	if err := listener.Start(ctx); err != nil {
		return err
	}

	var relayServer *relay.Server
	if orchCfg.RelayBaseURL != "" {
		relayServer = relay.NewServer(cfg.RelayAddr, orch, logger)
		if err := relayServer.Start(ctx); err != nil {
			_ = listener.Stop()
			return err
		}
	}

	logger.Printf("crab-desk serving sessions=%d db_driver=%s", len(registry.List()), cfg.DBDriver)
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := listener.Stop(); err != nil {
		logger.Printf("shutdown error: %v", err)
	}
	if relayServer != nil {
		if err := relayServer.Stop(shutdownCtx); err != nil {
			logger.Printf("shutdown error: %v", err)
		}
	}
	if err := orch.Close(shutdownCtx); err != nil {
		logger.Printf("shutdown timed out: %v", err)
	}
	return nil
}
