package models

import "time"

// AgentState represents the lifecycle state of a managed reasoner process.
type AgentState string

const (
	AgentStopped  AgentState = "stopped"
	AgentStarting AgentState = "starting"
	AgentRunning  AgentState = "running"
	AgentStopping AgentState = "stopping"
)

// LLMProvider identifies which provider family a reasoner is configured for.
// The supervisor only uses this to pick environment variable names; the
// reasoning loop itself lives in the reasoner subprocess.
type LLMProvider string

const (
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderOpenAI    LLMProvider = "openai"
)

// CostControls holds per-agent cost-pause thresholds passed to the reasoner
// through its environment at spawn time.
type CostControls struct {
	ShortWindowMinutes   int    `yaml:"short_window_minutes" json:"short_window_minutes,omitempty"`
	SpikeMultiplier      float64 `yaml:"spike_multiplier" json:"spike_multiplier,omitempty"`
	HardCapTokensPerHour int    `yaml:"hard_cap_tokens_per_hour" json:"hard_cap_tokens_per_hour,omitempty"`
	MinBaselineTokens    int    `yaml:"min_baseline_tokens" json:"min_baseline_tokens,omitempty"`
	NotifyChannel        string `yaml:"notify_channel" json:"notify_channel,omitempty"`
	NotifyChatID         string `yaml:"notify_chat_id" json:"notify_chat_id,omitempty"`
}

// AgentDefinition is the static configuration for one agent. Definitions are
// fixed at startup; the single exception is subagent definitions derived at
// runtime by the supervisor.
type AgentDefinition struct {
	AgentID      string      `yaml:"agent_id" json:"agent_id"`
	Enabled      bool        `yaml:"enabled" json:"enabled"`
	DesiredPort  int         `yaml:"port" json:"port"` // 0 = dynamic allocation
	LLMProvider  LLMProvider `yaml:"llm_provider" json:"llm_provider"`
	Model        string      `yaml:"model" json:"model"`
	Temperature  float64     `yaml:"temperature" json:"temperature,omitempty"`
	SystemPrompt string      `yaml:"system_prompt" json:"system_prompt,omitempty"`

	// AllowedTools is an ordered list of glob patterns. Empty means all
	// tools are allowed. DeniedTools always wins over AllowedTools.
	AllowedTools []string `yaml:"allowed_tools" json:"allowed_tools,omitempty"`
	DeniedTools  []string `yaml:"denied_tools" json:"denied_tools,omitempty"`

	MaxSteps           int           `yaml:"max_steps" json:"max_steps"`
	IdleTimeoutMinutes int           `yaml:"idle_timeout_minutes" json:"idle_timeout_minutes"`
	CostControls       *CostControls `yaml:"cost_controls" json:"cost_controls,omitempty"`
}

// AgentStatus is a copy-on-read snapshot of a managed agent, safe to hold
// outside the supervisor's locks.
type AgentStatus struct {
	AgentID       string     `json:"agent_id"`
	State         AgentState `json:"state"`
	Available     bool       `json:"available"`
	Paused        bool       `json:"paused"`
	PauseReason   string     `json:"pause_reason,omitempty"`
	RestartCount  int        `json:"restart_count"`
	LastRestartAt time.Time  `json:"last_restart_at,omitempty"`
	LastActivity  time.Time  `json:"last_activity,omitempty"`
	ActualPort    int        `json:"actual_port,omitempty"`
	IsSubagent    bool       `json:"is_subagent,omitempty"`
	ParentAgentID string     `json:"parent_agent_id,omitempty"`
}
