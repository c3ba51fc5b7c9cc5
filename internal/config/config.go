// Package config loads the runtime configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calderlabs/overseer/internal/rpc"
	"github.com/calderlabs/overseer/pkg/models"
)

// Config is the main configuration structure for Overseer.
type Config struct {
	StateDir    string                   `yaml:"state_dir"`
	Logging     LoggingConfig            `yaml:"logging"`
	Metrics     MetricsConfig            `yaml:"metrics"`
	ToolServers []rpc.ServerConfig       `yaml:"tool_servers"`
	Scanner     ScannerConfig            `yaml:"scanner"`
	Agents      []models.AgentDefinition `yaml:"agents"`
	Channels    ChannelsConfig           `yaml:"channels"`
	Bindings    []models.ChannelBinding  `yaml:"bindings"`
	Scheduler   SchedulerConfig          `yaml:"scheduler"`
	Gateway     GatewayConfig            `yaml:"gateway"`
	AgentRunner AgentRunnerConfig        `yaml:"agent_runner"`
}

// GatewayConfig is the callback API listener reasoners dial back into.
type GatewayConfig struct {
	Addr string `yaml:"addr"`
}

// AgentRunnerConfig names the reasoner binary the supervisor spawns.
type AgentRunnerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ScannerConfig names the tool server used as the content scanner and the
// failure posture when it is unreachable.
type ScannerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ServerName string `yaml:"server_name"`
	ScanInput  bool   `yaml:"scan_input"`
	ScanOutput bool   `yaml:"scan_output"`
	FailMode   string `yaml:"fail_mode"`
}

type ChannelsConfig struct {
	PollInterval time.Duration  `yaml:"poll_interval"`
	MaxPerCycle  int            `yaml:"max_per_cycle"`
	DefaultAgent string         `yaml:"default_agent"`
	NotifyChatID string         `yaml:"notify_chat_id"`
	Telegram     TelegramConfig `yaml:"telegram"`
	Discord      DiscordConfig  `yaml:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type DiscordConfig struct {
	Enabled    bool     `yaml:"enabled"`
	BotToken   string   `yaml:"bot_token"`
	GuildID    string   `yaml:"guild_id"`
	ChannelIDs []string `yaml:"channel_ids"`
}

type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Timezone string `yaml:"timezone"`
}

// Load reads and parses the configuration file, expands ${VAR} references,
// applies defaults and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Scanner.FailMode == "" {
		cfg.Scanner.FailMode = "block"
	}
	if cfg.Scanner.ServerName == "" {
		cfg.Scanner.ServerName = "scanner"
	}
	if cfg.Channels.PollInterval == 0 {
		cfg.Channels.PollInterval = 5 * time.Second
	}
	if cfg.Channels.MaxPerCycle == 0 {
		cfg.Channels.MaxPerCycle = 50
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "UTC"
	}
	if cfg.Gateway.Addr == "" {
		cfg.Gateway.Addr = "127.0.0.1:8790"
	}
}

// applyEnvOverrides lets deployment environments override file settings
// without editing the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OVERSEER_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("OVERSEER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OVERSEER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("OVERSEER_SCANNER_FAIL_MODE"); v != "" {
		cfg.Scanner.FailMode = v
	}
	if v := os.Getenv("OVERSEER_NOTIFY_CHAT_ID"); v != "" {
		cfg.Channels.NotifyChatID = v
	}
}

// Validate rejects configurations that cannot run.
func (cfg *Config) Validate() error {
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text", cfg.Logging.Format)
	}
	switch cfg.Scanner.FailMode {
	case "block", "allow":
	default:
		return fmt.Errorf("scanner.fail_mode %q is not one of block, allow", cfg.Scanner.FailMode)
	}

	seenServers := make(map[string]bool)
	for _, server := range cfg.ToolServers {
		if server.Name == "" {
			return fmt.Errorf("tool server with empty name")
		}
		if server.Command == "" {
			return fmt.Errorf("tool server %s: command is required", server.Name)
		}
		if seenServers[server.Name] {
			return fmt.Errorf("duplicate tool server name %s", server.Name)
		}
		seenServers[server.Name] = true
	}
	if cfg.Scanner.Enabled && !seenServers[cfg.Scanner.ServerName] {
		return fmt.Errorf("scanner.server_name %q does not match any tool server", cfg.Scanner.ServerName)
	}

	if len(cfg.Agents) > 0 && cfg.AgentRunner.Command == "" {
		return fmt.Errorf("agent_runner.command is required when agents are configured")
	}

	seenAgents := make(map[string]bool)
	for _, agent := range cfg.Agents {
		if agent.AgentID == "" {
			return fmt.Errorf("agent with empty agent_id")
		}
		if seenAgents[agent.AgentID] {
			return fmt.Errorf("duplicate agent_id %s", agent.AgentID)
		}
		seenAgents[agent.AgentID] = true
	}

	for _, binding := range cfg.Bindings {
		if binding.Channel == "" || binding.ChatIDPattern == "" || binding.AgentID == "" {
			return fmt.Errorf("binding requires channel, chat_id and agent_id: %+v", binding)
		}
		if !seenAgents[binding.AgentID] {
			return fmt.Errorf("binding references unknown agent %s", binding.AgentID)
		}
	}
	if cfg.Channels.DefaultAgent != "" && !seenAgents[cfg.Channels.DefaultAgent] {
		return fmt.Errorf("channels.default_agent references unknown agent %s", cfg.Channels.DefaultAgent)
	}

	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	return nil
}

// AgentByID finds an agent definition.
func (cfg *Config) AgentByID(id string) (models.AgentDefinition, bool) {
	for _, agent := range cfg.Agents {
		if agent.AgentID == id {
			return agent, true
		}
	}
	return models.AgentDefinition{}, false
}

// EnsureStateDirs creates the state directory tree.
func (cfg *Config) EnsureStateDirs() error {
	for _, dir := range []string{
		cfg.StateDir,
		filepath.Join(cfg.StateDir, "jobs"),
		filepath.Join(cfg.StateDir, "skills"),
		filepath.Join(cfg.StateDir, "agent-prompts"),
	} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}
	return nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".overseer"
	}
	return filepath.Join(home, ".overseer")
}
