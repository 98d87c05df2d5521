package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/axiom/internal/config"
	"github.com/haasonsaas/axiom/internal/decompose"
	"github.com/haasonsaas/axiom/internal/eventlog"
	"github.com/haasonsaas/axiom/internal/exec"
	"github.com/haasonsaas/axiom/internal/gateway"
	"github.com/haasonsaas/axiom/internal/hooks"
	"github.com/haasonsaas/axiom/internal/hooks/bundled"
	"github.com/haasonsaas/axiom/internal/intervention"
	"github.com/haasonsaas/axiom/internal/observability"
	"github.com/haasonsaas/axiom/internal/orchestrator"
	"github.com/haasonsaas/axiom/internal/storage"
	"github.com/haasonsaas/axiom/internal/supervisor"
	"github.com/haasonsaas/axiom/internal/tasks"
	"github.com/haasonsaas/axiom/internal/worktree"
)

func newServeCommand() *cobra.Command {
	var (
		configPath  string
		monitorAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the stdio RPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, monitorAddr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("AXIOM_CONFIG"), "path to the settings file")
	cmd.Flags().StringVar(&monitorAddr, "monitor", "", "address for the websocket monitor and /metrics (empty disables)")
	return cmd
}

func runServe(configPath, monitorAddr string) error {
	logger := setupLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	agentPath := cfg.Execution.AgentPath
	if agentPath == "" {
		agentPath = os.Getenv("CLAUDE_CODE_PATH")
	}
	if agentPath != "" {
		if agentPath, err = exec.ValidateAgentPath(agentPath); err != nil {
			return fmt.Errorf("agent binary: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(nil)

	var events *eventlog.Logger
	if cfg.Logging.Dir != "" {
		events, err = eventlog.New(cfg.Logging.Dir, fmt.Sprintf("axiom-%d", os.Getpid()), logger)
		if err != nil {
			return err
		}
		defer events.Close()
	}

	var store storage.Store
	if cfg.Logging.Database != "" {
		store, err = storage.NewSQLiteStore(cfg.Logging.Database)
		if err != nil {
			return err
		}
	} else {
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	registry := tasks.NewRegistry(logger)
	if err := registry.StartSweeper("@every 1m", 24*time.Hour); err != nil {
		return err
	}
	defer registry.StopSweeper()

	hookReg := hooks.NewRegistry(logger)
	orch := orchestrator.New(hookReg, registry, logger, metrics)

	// Intervention controller.
	controller := intervention.NewController(intervention.Config{
		PlanningGrace:  secs(cfg.Intervention.PlanningGraceSec),
		ActionCooldown: secs(cfg.Intervention.ActionCooldownSec),
		VerifyWindow:   secs(cfg.Intervention.VerifyWindowSec),
		Messages:       cfg.Intervention.Messages,
	}, logger, metrics)

	// Bundled hook chain, priority order: security, validation, parallel
	// detection, intervention, persistence.
	schemaHook, err := bundled.SchemaValidation()
	if err != nil {
		return err
	}
	for _, h := range []*hooks.Hook{bundled.Security(), schemaHook, bundled.ParallelDetection()} {
		if err := hookReg.Register(h); err != nil {
			return err
		}
	}
	for _, h := range controller.Hooks() {
		if err := hookReg.Register(h); err != nil {
			return err
		}
	}
	if err := hookReg.Register(bundled.Persistence(store, events, logger)); err != nil {
		return err
	}

	// PTY executor for spawn.
	supCfg := supervisor.Config{
		AgentPath:         agentPath,
		StartupTimeout:    cfg.Execution.StartupTimeout(),
		IdleTimeout:       cfg.Execution.IdleTimeout(),
		HeartbeatInterval: cfg.Execution.Heartbeat(),
		ReadySentinel:     cfg.Execution.ReadySentinel,
	}
	if err := orch.RegisterExecutor("spawn", func() orchestrator.Executor {
		return supervisor.New(supCfg, logger)
	}); err != nil {
		return err
	}

	// Decomposer for orchestrate.
	var trees *worktree.Manager
	if cfg.Execution.UseWorktree {
		trees = worktree.NewManager(worktree.Config{
			RepoPath:   cfg.Execution.RepoPath,
			BaseBranch: cfg.Execution.BaseBranch,
			AutoMerge:  cfg.Execution.AutoMerge,
		}, logger)
	}
	decomposer := decompose.NewService(decompose.Config{
		MaxParallel: cfg.Execution.MaxParallel,
		TaskTimeout: cfg.Execution.TaskTimeout(),
		MaxRetries:  cfg.Execution.MaxRetries,
		UseWorktree: cfg.Execution.UseWorktree,
		AutoMerge:   cfg.Execution.AutoMerge,
	}, &decompose.AgentRunner{Base: supCfg, Logger: logger}, trees, logger, metrics)
	if err := orch.RegisterExecutor("orchestrate", func() orchestrator.Executor {
		return decomposer.NewExecutorFor()
	}); err != nil {
		return err
	}

	// Optional websocket monitor and metrics listener.
	if monitorAddr != "" {
		hub := gateway.NewMonitorHub(logger)
		orch.AttachMonitor(hub)
		go func() {
			if err := hub.Listen(ctx, monitorAddr); err != nil {
				logger.Error("monitor listener failed", "error", err)
			}
		}()
	}

	logger.Info("axiom serving",
		"version", version,
		"agent", agentPath,
		"worktrees", cfg.Execution.UseWorktree)

	server := gateway.NewServer(orch, decomposer, controller, events, logger, os.Stdin, os.Stdout)
	err = server.Serve(ctx)

	// Global cleanup: drain every registered PTY, workspace and worktree
	// exactly once, whether we got here by transport close or by signal.
	decomposer.Cleanup(context.Background())
	return err
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
