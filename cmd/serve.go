package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/orchard/internal/activity"
	"github.com/zjrosen/orchard/internal/agentsess"
	"github.com/zjrosen/orchard/internal/conflict"
	"github.com/zjrosen/orchard/internal/llm"
	"github.com/zjrosen/orchard/internal/log"
	"github.com/zjrosen/orchard/internal/mergequeue"
	"github.com/zjrosen/orchard/internal/monitor"
	"github.com/zjrosen/orchard/internal/orchestrator"
	"github.com/zjrosen/orchard/internal/printer"
	ptydclient "github.com/zjrosen/orchard/internal/ptyd/client"
	"github.com/zjrosen/orchard/internal/project"
	"github.com/zjrosen/orchard/internal/store"
	"github.com/zjrosen/orchard/internal/tracing"
	"github.com/zjrosen/orchard/internal/worktree"
)

var serveCmd = &cobra.Command{
	Use:   "serve [project-path]",
	Short: "Run the control plane for a project",
	Long: `Run the control plane: open the project database, connect to the PTY
daemon, start the session registry, terminal monitor, and conflict tracker,
and run the orchestrator loop.

The project path defaults to the current directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	path := "."
	if len(args) == 1 {
		path = args[0]
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.TraceFile != "" {
		f, err := os.OpenFile(cfg.TraceFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) //nolint:gosec // G304: operator-chosen path
		if err != nil {
			return fmt.Errorf("failed to open trace file: %w", err)
		}
		shutdown, err := tracing.Init(f)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		if _, err := tracing.Init(nil); err != nil {
			return err
		}
	}

	registry, err := store.OpenRegistryDB("")
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	proj, db, err := project.Open(registry, path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	log.Info(log.CatConfig, "project opened", "id", proj.ID, "path", proj.Path)

	// Daemon transport.
	daemonClient := ptydclient.NewClient("ws://" + cfg.DaemonAddr + "/ws")
	daemonClient.Start(ctx)

	// Repositories and services.
	git := worktree.NewRealExecutor()
	sessionRepo := store.NewAgentSessionRepo(db)
	wtRepo := store.NewWorktreeRepo(db)
	patternRepo := store.NewPatternRepo(db)
	act := activity.NewService(store.NewActivityRepo(db), store.NewChatRepo(db), proj.ID)
	sessions := agentsess.NewRegistry(sessionRepo, daemonClient, proj.ID, proj.Path)
	manager := worktree.NewManager(wtRepo, git, sessions)
	queue := mergequeue.NewService(store.NewMergeQueueRepo(db), git)
	mon := monitor.NewMonitor(patternRepo, proj.ID)
	tracker := conflict.NewTracker(wtRepo, git, act, proj.ID)
	exec := printer.NewExecutor(store.NewPrintSessionRepo(db), wtRepo, queue, git, proj.ID,
		func() string { return manager.DefaultBranch(proj) },
		printer.Config{AgentCommand: cfg.Agent.Command, AgentArgs: cfg.Agent.PrintArgs})

	// Startup reconciliation.
	sessions.PurgeTerminated()
	mon.PurgeExpired()
	worktrees, err := manager.LoadWorktreesForProject(proj)
	if err != nil {
		return err
	}
	mainWorktreeID := ""
	var roots []string
	for _, wt := range worktrees {
		roots = append(roots, wt.Path)
		if wt.IsMain {
			mainWorktreeID = wt.ID
		}
	}
	if candidates, err := exec.RecoverInterrupted(mainWorktreeID); err != nil {
		log.ErrorErr(log.CatPrinter, "interruption recovery failed", err)
	} else if len(candidates) > 0 {
		log.Info(log.CatPrinter, "interrupted print sessions awaiting resume", "count", len(candidates))
	}
	if err := tracker.Rescan(); err != nil {
		log.ErrorErr(log.CatConflict, "initial conflict scan failed", err)
	}
	if err := tracker.Watch(ctx, roots); err != nil {
		log.ErrorErr(log.CatConflict, "conflict watcher failed", err)
	}

	// Event wiring.
	sessions.Watch(ctx, daemonClient.Bus())
	mon.Watch(ctx, daemonClient.Bus())

	// Orchestrator loop.
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	var chat llm.Client = llm.NewAnthropicClient(apiKey, llm.WithModel(cfg.Orchestrator.Model))
	loop := orchestrator.NewLoop(orchestrator.Deps{
		Project:      proj,
		Worktrees:    manager,
		WorktreeRepo: wtRepo,
		Sessions:     sessions,
		SessionRepo:  sessionRepo,
		Queue:        queue,
		Printer:      exec,
		Activity:     act,
		Patterns:     patternRepo,
		Terminal:     daemonClient,
		LLM:          chat,
		AgentCommand: cfg.Agent.Command,
	}, orchestrator.Config{
		Model:        cfg.Orchestrator.Model,
		TickInterval: cfg.Orchestrator.TickInterval(),
		Enabled:      cfg.Orchestrator.Enabled && apiKey != "",
	})
	loop.Start(ctx)
	if apiKey == "" {
		log.Warn(log.CatOrch, "ANTHROPIC_API_KEY not set, orchestrator disabled")
	}

	fmt.Printf("orchard control plane running for %s (%s)\n", proj.Name, proj.ID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	loop.Stop()
	return nil
}
