// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lockclaw/lockclaw/pkg/audit"
	"github.com/lockclaw/lockclaw/pkg/bus"
	"github.com/lockclaw/lockclaw/pkg/config"
	"github.com/lockclaw/lockclaw/pkg/gateway"
	"github.com/lockclaw/lockclaw/pkg/injection"
	"github.com/lockclaw/lockclaw/pkg/integrations"
	"github.com/lockclaw/lockclaw/pkg/integrations/discord"
	"github.com/lockclaw/lockclaw/pkg/integrations/slack"
	"github.com/lockclaw/lockclaw/pkg/integrations/telegram"
	"github.com/lockclaw/lockclaw/pkg/logger"
	"github.com/lockclaw/lockclaw/pkg/providers"
	"github.com/lockclaw/lockclaw/pkg/ratelimit"
	"github.com/lockclaw/lockclaw/pkg/rbac"
	"github.com/lockclaw/lockclaw/pkg/sandbox"
	"github.com/lockclaw/lockclaw/pkg/storage"
	"github.com/lockclaw/lockclaw/pkg/subagent"
	"github.com/lockclaw/lockclaw/pkg/swarm"
	"github.com/lockclaw/lockclaw/pkg/task"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and platform services",
		RunE:  runServe,
	}
	cmd.Flags().BoolP("debug", "d", false, "Enable debug logging")
	return cmd
}

// serveRunner holds the initialized platform components so startup and
// shutdown stay in one place. createServeRunner only wires; start and
// stop own the lifecycle.
type serveRunner struct {
	cfg          *config.Config
	db           *storage.DB
	chain        *audit.Chain
	limiter      *ratelimit.Limiter
	executor     *task.Executor
	swarms       *swarm.Manager
	integrations *integrations.Manager
	bus          *bus.MessageBus
	srv          *gateway.Server
	retention    *audit.RetentionScheduler

	ctx    context.Context
	cancel context.CancelFunc
}

func runServe(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")

	runner, err := createServeRunner(debug)
	if err != nil {
		return err
	}

	if err := runner.start(); err != nil {
		runner.stop()
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	runner.stop()
	return nil
}

func createServeRunner(debug bool) (*serveRunner, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if debug {
		logger.SetLevel(logger.DEBUG)
	} else {
		logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	}
	if cfg.LogFile != "" {
		if err := logger.EnableFileLogging(cfg.LogFile); err != nil {
			return nil, fmt.Errorf("log_file: %w", err)
		}
	}

	db, err := storage.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			db.Close()
		}
	}()

	chain, err := audit.NewChain(db, []byte(cfg.AuditSigningKey()))
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter(ratelimit.DefaultRules(
		cfg.RateLimits.TaskCreationPerMinute,
		cfg.RateLimits.APIRequestsPerMinute,
		cfg.RateLimits.WSConnectsPerMinute,
		cfg.RateLimits.SwarmExecutesPer5Min,
	)...)

	validator, err := injection.NewValidator(injection.Config{
		MaxInputLength:      cfg.Validator.MaxInputLength,
		MaxFileBytes:        cfg.Validator.MaxFileBytes,
		CustomBlockPatterns: cfg.Validator.CustomBlockPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("validator.custom_block_patterns: %w", err)
	}

	authz := rbac.NewEngine(rbac.SeedRoles())

	var runner *sandbox.Runner
	if cfg.Sandbox.Enabled {
		runner = sandbox.NewRunner(sandbox.Limits{
			MaxWallMs:      int64(cfg.Sandbox.MaxWallMs),
			MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
			MaxMemoryMB:    int64(cfg.Sandbox.MaxMemoryMB),
		})
	}

	taskStore, err := task.NewStore(db)
	if err != nil {
		return nil, err
	}
	executor, err := task.NewExecutor(task.Config{
		MaxConcurrent:    cfg.Executor.MaxConcurrent,
		DefaultTimeoutMs: int64(cfg.Executor.DefaultTimeoutMs),
		MaxTimeoutMs:     int64(cfg.Executor.MaxTimeoutMs),
	}, task.Deps{
		Store:     taskStore,
		Chain:     chain,
		Limiter:   limiter,
		Validator: validator,
		RBAC:      authz,
		Runner:    runner,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		if !ok {
			cancel()
		}
	}()

	profiles, err := subagent.NewProfileStore(db)
	if err != nil {
		return nil, err
	}
	if err := profiles.EnsureSeeds(ctx); err != nil {
		return nil, fmt.Errorf("seed profiles: %w", err)
	}
	delegations, err := subagent.NewDelegationStore(db)
	if err != nil {
		return nil, err
	}

	// No vendor LLM client ships with the platform; delegation reports
	// DEPENDENCY_UNAVAILABLE until the embedding application wires one.
	engine := subagent.NewEngine(subagent.Config{
		MaxDepth:           cfg.Swarm.MaxDepth,
		DefaultTimeoutMs:   int64(cfg.Swarm.DelegateTimeoutMs),
		DefaultTokenBudget: int64(cfg.Swarm.DefaultTokenBudget),
	}, profiles, delegations, chain, providers.Unconfigured())

	templates, err := swarm.NewTemplateStore(db)
	if err != nil {
		return nil, err
	}
	if err := templates.EnsureSeeds(ctx); err != nil {
		return nil, fmt.Errorf("seed swarm templates: %w", err)
	}
	runs, err := swarm.NewRunStore(db)
	if err != nil {
		return nil, err
	}

	var router swarm.ModelRouter
	if cfg.Swarm.EnableRouter {
		router = swarm.NewHeuristicRouter(nil)
	}
	swarms := swarm.NewManager(swarm.Config{
		DefaultTokenBudget: int64(cfg.Swarm.DefaultTokenBudget),
		DefaultCoordinator: cfg.Swarm.DefaultCoordinator,
		DelegateTimeoutMs:  int64(cfg.Swarm.DelegateTimeoutMs),
	}, templates, runs, engine, chain, router)

	executor.RegisterHandler(task.TypeEcho, task.NewEchoHandler())
	executor.RegisterHandler(subagent.TaskType, subagent.NewTaskHandler(engine))
	executor.RegisterHandler(swarm.TaskType, swarm.NewTaskHandler(swarms))
	if cfg.Executor.EnableShell {
		executor.RegisterHandler(task.TypeShell, task.NewShellHandler(runner))
	}

	messageBus := bus.NewMessageBus()
	configStore, err := integrations.NewConfigStore(db)
	if err != nil {
		return nil, err
	}
	messageStore, err := integrations.NewMessageStore(db)
	if err != nil {
		return nil, err
	}
	im := integrations.NewManager(integrations.ManagerConfig{
		DefaultMaxPerSecond: cfg.Integrations.DefaultMaxPerSecond,
	}, configStore, messageStore, messageBus)
	im.RegisterFactory("telegram", telegram.New)
	im.RegisterFactory("discord", discord.New)
	im.RegisterFactory("slack", slack.New)
	if err := configStore.SeedFromFile(ctx, cfg.Integrations); err != nil {
		return nil, fmt.Errorf("seed integrations: %w", err)
	}

	var srv *gateway.Server
	if cfg.Gateway.Enabled {
		gateway.SetVersion(formatVersion())
		srv, err = gateway.NewServer(cfg.Gateway, gateway.Deps{
			Executor:     executor,
			Swarms:       swarms,
			Chain:        chain,
			RBAC:         authz,
			Profiles:     profiles,
			Delegations:  delegations,
			Integrations: im,
		})
		if err != nil {
			return nil, err
		}
	}

	var retention *audit.RetentionScheduler
	if cfg.Audit.RetentionSchedule != "" {
		retention, err = audit.NewRetentionScheduler(chain, audit.Policy{
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			MaxEntries: int64(cfg.Audit.MaxEntries),
		}, cfg.Audit.RetentionSchedule)
		if err != nil {
			return nil, fmt.Errorf("audit.retention_schedule: %w", err)
		}
	}

	ok = true
	return &serveRunner{
		cfg:          cfg,
		db:           db,
		chain:        chain,
		limiter:      limiter,
		executor:     executor,
		swarms:       swarms,
		integrations: im,
		bus:          messageBus,
		srv:          srv,
		retention:    retention,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

func (r *serveRunner) start() error {
	if r.srv != nil {
		if err := r.srv.Start(); err != nil {
			return err
		}
		fmt.Printf("Gateway listening on %s:%d\n", r.cfg.Gateway.Host, r.cfg.Gateway.Port)
	}

	if err := r.integrations.StartAll(r.ctx); err != nil {
		return fmt.Errorf("start integrations: %w", err)
	}

	if r.retention != nil {
		r.retention.Start()
		logger.InfoCF("main", "Retention scheduler started", map[string]any{
			"schedule": r.cfg.Audit.RetentionSchedule,
		})
	}

	fmt.Println("Press Ctrl+C to stop")
	return nil
}

func (r *serveRunner) stop() {
	fmt.Println("\nShutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.retention != nil {
		r.retention.Stop()
	}
	if r.srv != nil {
		if err := r.srv.Stop(ctx); err != nil {
			logger.ErrorCF("main", "Gateway shutdown error", map[string]any{"error": err.Error()})
		}
	}
	if err := r.integrations.StopAll(ctx); err != nil {
		logger.ErrorCF("main", "Integrations shutdown error", map[string]any{"error": err.Error()})
	}
	if err := r.executor.Shutdown(ctx); err != nil {
		logger.ErrorCF("main", "Executor shutdown error", map[string]any{"error": err.Error()})
	}
	r.limiter.Stop()
	r.bus.Close()
	r.cancel()
	r.db.Close()

	logger.InfoC("main", "Shutdown complete")
}
