package models

import "time"

// JobType distinguishes how a job's next run is determined.
type JobType string

const (
	JobCron      JobType = "cron"      // five-field cron expression
	JobScheduled JobType = "scheduled" // one-shot at ScheduledAt
	JobRecurring JobType = "recurring" // every IntervalMinutes
)

// ActionKind distinguishes direct tool calls from multi-step workflows.
type ActionKind string

const (
	ActionToolCall ActionKind = "tool_call"
	ActionWorkflow ActionKind = "workflow"
)

// WorkflowStep is one step of a workflow action. Steps run in dependency
// order; a failed step aborts everything that depends on it.
type WorkflowStep struct {
	ID         string         `json:"id"`
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
}

// JobAction is what a due job executes through the tool router. No LLM is
// involved in job execution.
type JobAction struct {
	Kind       ActionKind     `json:"kind"`
	ToolName   string         `json:"tool_name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Steps      []WorkflowStep `json:"steps,omitempty"`
}

// Job is a scheduler-managed unit of direct tool work.
type Job struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Type            JobType    `json:"type"`
	CronExpression  string     `json:"cron_expression,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	IntervalMinutes int        `json:"interval_minutes,omitempty"`
	Action          JobAction  `json:"action"`
	Enabled         bool       `json:"enabled"`
	RunCount        int        `json:"run_count"`
	MaxRuns         int        `json:"max_runs,omitempty"` // 0 = unlimited
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
}

// TriggerType distinguishes how a skill is fired.
type TriggerType string

const (
	TriggerCron     TriggerType = "cron"
	TriggerInterval TriggerType = "interval"
	TriggerManual   TriggerType = "manual"
)

// TriggerConfig holds the schedule for a cron or interval skill trigger.
type TriggerConfig struct {
	Schedule        string `json:"schedule,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	IntervalMinutes int    `json:"interval_minutes,omitempty"`
}

// RunStatus is the outcome of the most recent skill run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Skill is a scheduler-visible instruction template executed by a reasoner.
type Skill struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Enabled       bool          `json:"enabled"`
	TriggerType   TriggerType   `json:"trigger_type"`
	TriggerConfig TriggerConfig `json:"trigger_config"`
	Instructions  string        `json:"instructions"`
	MaxSteps      int           `json:"max_steps,omitempty"`

	// RequiredTools gates auto-enable: a disabled skill may only be
	// auto-enabled when every listed tool is routable. An empty list
	// means the skill is toggled manually and never auto-enabled.
	RequiredTools []string `json:"required_tools,omitempty"`

	NotifyOnCompletion bool       `json:"notify_on_completion"`
	LastRunAt          *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus      RunStatus  `json:"last_run_status,omitempty"`
	LastRunSummary     string     `json:"last_run_summary,omitempty"`
}
