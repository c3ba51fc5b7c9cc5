package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/calderlabs/overseer/internal/agents"
	"github.com/calderlabs/overseer/internal/channels"
	"github.com/calderlabs/overseer/internal/channels/discord"
	"github.com/calderlabs/overseer/internal/channels/telegram"
	"github.com/calderlabs/overseer/internal/commands"
	"github.com/calderlabs/overseer/internal/config"
	"github.com/calderlabs/overseer/internal/dispatch"
	"github.com/calderlabs/overseer/internal/gateway"
	"github.com/calderlabs/overseer/internal/halt"
	"github.com/calderlabs/overseer/internal/observability"
	"github.com/calderlabs/overseer/internal/rpc"
	"github.com/calderlabs/overseer/internal/scanner"
	"github.com/calderlabs/overseer/internal/scheduler"
	"github.com/calderlabs/overseer/internal/toolrouter"
	"github.com/calderlabs/overseer/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "overseer.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	logger.Info("starting overseer", "version", version, "config", configPath)

	if err := cfg.EnsureStateDirs(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
	}

	halts := halt.NewManager(logger)

	// Tool-server fleet. A server that fails to start stays registered so
	// the health loop below can keep trying to bring it up.
	var servers []*rpc.Client
	for _, serverCfg := range cfg.ToolServers {
		client := rpc.NewClient(serverCfg, logger)
		if err := client.Start(ctx); err != nil {
			logger.Error("tool server failed to start", "server", serverCfg.Name, "error", err)
		}
		servers = append(servers, client)
	}

	var audit *scanner.AuditLog
	var scannerCaller scanner.Caller
	if cfg.Scanner.Enabled {
		audit, err = scanner.OpenAuditLog(filepath.Join(cfg.StateDir, "scanner-audit.jsonl"))
		if err != nil {
			return fmt.Errorf("open scanner audit log: %w", err)
		}
		for _, client := range servers {
			if client.Name() == cfg.Scanner.ServerName {
				scannerCaller = client
			}
		}
		if scannerCaller == nil {
			logger.Warn("scanner server not running, scanning disabled",
				"server", cfg.Scanner.ServerName)
		}
	}

	router := toolrouter.NewRouter(logger)
	for _, client := range servers {
		var server toolrouter.Server = client
		if scannerCaller != nil && client.Name() != cfg.Scanner.ServerName {
			server = scanner.Wrap(client, scannerCaller, scanner.Config{
				ScanInput:  cfg.Scanner.ScanInput,
				ScanOutput: cfg.Scanner.ScanOutput,
				FailMode:   scanner.FailMode(cfg.Scanner.FailMode),
			}, audit, logger)
		}
		if err := router.RegisterServer(server, client.Config().AllowDestructiveTools); err != nil {
			logger.Error("tool server registration failed", "server", client.Name(), "error", err)
		}
	}
	if err := router.Discover(ctx); err != nil {
		logger.Warn("tool discovery incomplete", "error", err)
	}
	for _, warning := range router.Warnings() {
		logger.Warn("tool router warning", "warning", warning)
	}

	// Health-monitor the fleet: a server that stops answering is restarted
	// with backoff, and its catalog re-discovered once it is back.
	fleetMembers := make([]rpc.Member, 0, len(servers))
	for _, client := range servers {
		fleetMembers = append(fleetMembers, client)
	}
	fleet := rpc.NewFleet(fleetMembers, rpc.FleetOptions{
		OnRestart: func(ctx context.Context) {
			if err := router.Discover(ctx); err != nil {
				logger.Warn("rediscovery after restart incomplete", "error", err)
			}
			for _, warning := range router.Warnings() {
				logger.Warn("tool router warning", "warning", warning)
			}
		},
		Logger:  logger,
		Metrics: metrics,
	})
	fleet.Start(ctx)

	var launcher agents.Launcher
	if cfg.AgentRunner.Command != "" {
		launcher, err = agents.NewLauncher(agents.LauncherConfig{
			Command:         cfg.AgentRunner.Command,
			Args:            cfg.AgentRunner.Args,
			OrchestratorURL: "http://" + cfg.Gateway.Addr,
			Logger:          logger,
		})
		if err != nil {
			return fmt.Errorf("build agent launcher: %w", err)
		}
	}
	supervisor := agents.NewSupervisor(cfg.Agents, agents.Options{
		StateDir: cfg.StateDir,
		Launcher: launcher,
		Logger:   logger,
		Metrics:  metrics,
	})
	supervisor.Start(ctx)

	gatewaySrv := gateway.NewServer(router, supervisor, metrics, logger)
	if err := gatewaySrv.Start(cfg.Gateway.Addr); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	logger.Info("gateway listening", "addr", gatewaySrv.Addr())

	archive := findConversationArchive(router, cfg.ToolServers, logger)

	var sched *scheduler.Scheduler

	registry := commands.NewRegistry(logger)
	deps := commands.Deps{
		Statuses: supervisor.Statuses,
		Servers: func() []commands.ServerStatus {
			counts := router.ServerToolCounts()
			out := make([]commands.ServerStatus, 0, len(servers))
			for _, client := range servers {
				out = append(out, commands.ServerStatus{
					Name:    client.Name(),
					Running: client.Running(),
					Tools:   counts[client.Name()],
				})
			}
			return out
		},
		Halts: halts,
		BlockedTools: router.BlockedTools,
		Warnings:     router.Warnings,
		Skills: func() []models.Skill {
			if sched == nil {
				return nil
			}
			return sched.Skills()
		},
		Version:   version,
		StartTime: time.Now(),
	}
	if archive != nil {
		deps.Conversations = archive
	}
	if err := commands.RegisterBuiltins(registry, deps); err != nil {
		return fmt.Errorf("register commands: %w", err)
	}

	bindings := dispatch.NewBindings(cfg.Bindings, cfg.Channels.DefaultAgent)

	adapters := buildAdapters(cfg, logger)
	var manager *channels.Manager
	pipeline := dispatch.NewPipeline(registry, bindings, supervisor, senderFunc(func(ctx context.Context, channel, chatID, text string) error {
		return manager.Send(ctx, channel, chatID, text)
	}), archive, logger)
	manager = channels.NewManager(adapters, channels.DispatcherFunc(pipeline.Dispatch), halts, channels.ManagerOptions{
		PollInterval: cfg.Channels.PollInterval,
		MaxPerCycle:  cfg.Channels.MaxPerCycle,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start channel manager: %w", err)
	}

	if cfg.Scheduler.Enabled {
		sched = scheduler.New(scheduler.Options{
			Store:    scheduler.NewStore(cfg.StateDir, logger),
			Router:   router,
			Runner:   &skillRunner{supervisor: supervisor, agentID: cfg.Channels.DefaultAgent},
			Halts:    halts,
			Notifier: manager,
			NotifyTarget: func() (string, string) {
				targets := manager.NotifyTargets()
				if len(targets) == 0 {
					return "", ""
				}
				channel, chatID := targets[0][0], targets[0][1]
				if cfg.Channels.NotifyChatID != "" {
					chatID = cfg.Channels.NotifyChatID
				}
				return channel, chatID
			},
			Logger:  logger,
			Metrics: metrics,
		})
		if err := sched.Load(); err != nil {
			return fmt.Errorf("load scheduler state: %w", err)
		}
		sched.Start(ctx)
	}

	logger.Info("overseer started",
		"tool_servers", len(servers),
		"agents", len(cfg.Agents),
		"adapters", len(adapters),
		"scheduler", cfg.Scheduler.Enabled,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop intake first, then workers, then the surfaces they depend on.
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Warn("channel manager stop", "error", err)
	}
	if sched != nil {
		sched.Stop()
	}
	supervisor.Stop(shutdownCtx)
	gatewaySrv.Stop(shutdownCtx)
	fleet.Stop()
	for _, client := range servers {
		if err := client.Stop(shutdownCtx); err != nil {
			logger.Warn("tool server stop", "server", client.Name(), "error", err)
		}
	}
	if audit != nil {
		audit.Close()
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info("overseer stopped")
	return nil
}

// senderFunc adapts a closure to the dispatch.Sender interface. The channel
// manager is constructed after the pipeline, so the pipeline sends through
// this indirection.
type senderFunc func(ctx context.Context, channel, chatID, text string) error

func (f senderFunc) Send(ctx context.Context, channel, chatID, text string) error {
	return f(ctx, channel, chatID, text)
}

func buildAdapters(cfg *config.Config, logger *slog.Logger) []channels.Adapter {
	var adapters []channels.Adapter
	if cfg.Channels.Telegram.Enabled {
		var monitored []string
		if cfg.Channels.NotifyChatID != "" {
			monitored = []string{cfg.Channels.NotifyChatID}
		}
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:          cfg.Channels.Telegram.BotToken,
			MonitoredChats: monitored,
			Logger:         logger,
		})
		if err != nil {
			logger.Error("telegram adapter rejected", "error", err)
		} else {
			adapters = append(adapters, adapter)
		}
	}
	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.NewAdapter(discord.Config{
			Token:      cfg.Channels.Discord.BotToken,
			ChannelIDs: cfg.Channels.Discord.ChannelIDs,
			Logger:     logger,
		})
		if err != nil {
			logger.Error("discord adapter rejected", "error", err)
		} else {
			adapters = append(adapters, adapter)
		}
	}
	return adapters
}

// findConversationArchive picks the first tool server that exposes a
// store_conversation tool. Without one, archival and /delete are disabled.
func findConversationArchive(router *toolrouter.Router, servers []rpc.ServerConfig, logger *slog.Logger) *dispatch.ConversationArchive {
	for _, server := range servers {
		if archive := dispatch.NewConversationArchive(router, server.Name); archive != nil {
			logger.Info("conversation archive bound", "server", server.Name)
			return archive
		}
	}
	logger.Info("no conversation archive available")
	return nil
}

// skillRunner executes scheduler skills on the default reasoner agent.
type skillRunner struct {
	supervisor *agents.Supervisor
	agentID    string
}

func (r *skillRunner) RunSkill(ctx context.Context, skill models.Skill, notifyChatID string) (string, error) {
	if r.agentID == "" {
		return "", fmt.Errorf("no default agent configured for skills")
	}
	agent, err := r.supervisor.EnsureRunning(ctx, r.agentID)
	if err != nil {
		return "", err
	}
	reasoner := agent.Reasoner()
	if reasoner == nil {
		return "", fmt.Errorf("agent %s has no reasoner", r.agentID)
	}
	resp, err := reasoner.ExecuteSkill(ctx, agents.SkillRequest{
		SkillID:            skill.ID,
		SkillName:          skill.Name,
		Instructions:       skill.Instructions,
		MaxSteps:           skill.MaxSteps,
		NotifyOnCompletion: skill.NotifyOnCompletion,
		RequiredTools:      skill.RequiredTools,
		ChatID:             notifyChatID,
	})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("skill execution failed: %s", resp.Error)
	}
	return resp.Summary, nil
}
