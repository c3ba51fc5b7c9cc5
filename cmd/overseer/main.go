// Package main provides the CLI entry point for the Overseer agent
// orchestration runtime.
//
// Overseer supervises a fleet of tool-server subprocesses and LLM-backed
// reasoner subprocesses, routes inbound chat messages (Telegram, Discord)
// to the right reasoner, exposes the union of all tool-server capabilities
// behind uniform naming, policy filtering and content scanning, and runs a
// per-minute scheduler for background jobs and skills.
//
// # Basic Usage
//
// Start the runtime:
//
//	overseer serve --config overseer.yaml
//
// # Environment Variables
//
//   - OVERSEER_STATE_DIR: Override the state directory
//   - OVERSEER_LOG_LEVEL: Override the log level (debug, info, warn, error)
//   - OVERSEER_LOG_FORMAT: Override the log format (json, text)
//   - OVERSEER_SCANNER_FAIL_MODE: Override the scanner failure posture
//   - OVERSEER_NOTIFY_CHAT_ID: Override the operator notification chat
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "overseer",
		Short:        "Overseer - multi-agent orchestration runtime",
		Long:         "Overseer keeps tool servers and reasoner agents alive,\nroutes chat messages to agents, and schedules background work.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print detailed version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "overseer %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
		},
	}
}
