package agents

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/calderlabs/overseer/internal/toolpolicy"
	"github.com/calderlabs/overseer/pkg/models"
)

const (
	maxSubagentsPerParent = 5
	defaultSubagentTTL    = 5 * time.Minute
	maxSubagentTTL        = 30 * time.Minute

	// SpawnToolName is the capability tool agents use to create subagents.
	// It is always denied to the subagents themselves.
	SpawnToolName = "spawn_subagent"
)

// SubagentSpec is a parent's request for a helper agent. Field names
// follow the spawn_subagent tool contract.
type SubagentSpec struct {
	Task           string   `json:"task"`
	AllowedTools   []string `json:"allowedTools,omitempty"`
	DeniedTools    []string `json:"deniedTools,omitempty"`
	TimeoutMinutes int      `json:"timeoutMinutes,omitempty"`
	Model          string   `json:"model,omitempty"`
}

// SubagentResult is what the parent gets back from a completed task.
type SubagentResult struct {
	Response   string   `json:"response"`
	ToolsUsed  []string `json:"toolsUsed"`
	TotalSteps int      `json:"totalSteps"`
	SubagentID string   `json:"subagentId"`
}

// SpawnSubagent derives a subagent definition from its parent, spawns it
// and returns the new agent ID. Only a running non-subagent may spawn;
// the subagent's tool policy can only narrow the parent's, and the spawn
// capability itself is always denied.
func (s *Supervisor) SpawnSubagent(ctx context.Context, parentID string, spec SubagentSpec) (string, error) {
	s.mu.Lock()
	parentDef, known := s.defs[parentID]
	if !known {
		s.mu.Unlock()
		return "", models.NewError(models.KindAgentUnavailable, "unknown parent agent %s", parentID)
	}
	parentAgent := s.agents[parentID]
	if parentAgent != nil {
		parentAgent.mu.Lock()
		isSub := parentAgent.isSubagent
		parentAgent.mu.Unlock()
		if isSub {
			s.mu.Unlock()
			return "", models.NewError(models.KindInvalidArgument, "subagent %s cannot spawn subagents", parentID)
		}
	}
	if parentAgent == nil || parentAgent.State() != models.AgentRunning {
		s.mu.Unlock()
		return "", models.NewError(models.KindAgentUnavailable, "parent agent %s is not running", parentID)
	}
	if len(s.children[parentID]) >= maxSubagentsPerParent {
		s.mu.Unlock()
		return "", models.NewError(models.KindCapacityExceeded,
			"agent %s already has %d subagents", parentID, maxSubagentsPerParent)
	}

	subID := parentID + "-sub-" + uuid.NewString()[:8]
	def := deriveSubagentDefinition(parentDef, subID, spec)
	s.defs[subID] = def

	sub := newManaged(def)
	sub.isSubagent = true
	sub.parentID = parentID
	sub.expiresAt = time.Now().Add(subagentTTL(spec.TimeoutMinutes))
	s.agents[subID] = sub
	s.children[parentID] = append(s.children[parentID], subID)
	s.mu.Unlock()

	if err := s.spawn(ctx, sub); err != nil {
		s.removeSubagent(subID, parentID)
		return "", err
	}

	s.logger.Info("subagent spawned", "parent", parentID, "subagent", subID,
		"expires_at", sub.expiresAt)
	return subID, nil
}

// RunSubagent spawns a helper, delivers its task, and kills it once the
// task completes. This is the spawn_subagent tool path: the subagent never
// outlives its single task except through the auto-kill deadline guarding
// a hung reasoner.
func (s *Supervisor) RunSubagent(ctx context.Context, parentID string, spec SubagentSpec) (*SubagentResult, error) {
	subID, err := s.SpawnSubagent(ctx, parentID, spec)
	if err != nil {
		return nil, err
	}
	defer func() {
		if killErr := s.KillSubagent(ctx, subID); killErr != nil {
			s.logger.Warn("subagent kill after task failed", "subagent", subID, "error", killErr)
		}
	}()

	sub, ok := s.Get(subID)
	if !ok {
		return nil, models.NewError(models.KindAgentUnavailable, "subagent %s vanished before its task", subID)
	}
	reasoner := sub.Reasoner()
	if reasoner == nil {
		return nil, models.NewError(models.KindAgentUnavailable, "subagent %s has no reasoner", subID)
	}

	resp, err := reasoner.ProcessMessage(ctx, ProcessRequest{
		ID:       subID + "-task",
		SenderID: parentID,
		Text:     spec.Task,
		Date:     time.Now(),
		AgentID:  subID,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, models.NewError(models.KindAgentUnavailable, "subagent %s task failed: %s", subID, resp.Error)
	}
	return &SubagentResult{
		Response:   resp.Response,
		ToolsUsed:  resp.ToolsUsed,
		TotalSteps: resp.TotalSteps,
		SubagentID: subID,
	}, nil
}

// KillSubagent stops a subagent and removes it entirely: its definition,
// managed state and parent link all go away.
func (s *Supervisor) KillSubagent(ctx context.Context, subID string) error {
	s.mu.Lock()
	sub, ok := s.agents[subID]
	if !ok {
		s.mu.Unlock()
		return models.NewError(models.KindAgentUnavailable, "unknown subagent %s", subID)
	}
	sub.mu.Lock()
	isSub := sub.isSubagent
	parentID := sub.parentID
	sub.mu.Unlock()
	if !isSub {
		s.mu.Unlock()
		return models.NewError(models.KindInvalidArgument, "agent %s is not a subagent", subID)
	}
	s.mu.Unlock()

	s.stopManaged(sub)
	s.removeSubagent(subID, parentID)
	s.logger.Info("subagent killed", "subagent", subID, "parent", parentID)
	return nil
}

// Subagents returns the live subagent IDs for a parent.
func (s *Supervisor) Subagents(parentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.children[parentID]...)
}

func (s *Supervisor) removeSubagent(subID, parentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, subID)
	delete(s.defs, subID)
	kept := s.children[parentID][:0]
	for _, id := range s.children[parentID] {
		if id != subID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(s.children, parentID)
	} else {
		s.children[parentID] = kept
	}
}

// deriveSubagentDefinition narrows the parent's definition for a helper.
// Provider and step budget are inherited, the model may be overridden, and
// the tool policy is the intersection of the parent's effective policy and
// the spec's override.
func deriveSubagentDefinition(parent models.AgentDefinition, subID string, spec SubagentSpec) models.AgentDefinition {
	parentPolicy := toolpolicy.Policy{Allowed: parent.AllowedTools, Denied: parent.DeniedTools}
	override := toolpolicy.Policy{Allowed: spec.AllowedTools, Denied: spec.DeniedTools}
	policy := toolpolicy.Restrict(parentPolicy, override).WithDenied(SpawnToolName)

	model := parent.Model
	if spec.Model != "" {
		model = spec.Model
	}

	return models.AgentDefinition{
		AgentID:      subID,
		Enabled:      true,
		LLMProvider:  parent.LLMProvider,
		Model:        model,
		Temperature:  parent.Temperature,
		SystemPrompt: subagentPrompt(spec.Task),
		AllowedTools: policy.Allowed,
		DeniedTools:  policy.Denied,
		MaxSteps:     parent.MaxSteps,
		CostControls: parent.CostControls,
	}
}

// subagentPrompt builds the shortened system prompt for a focused worker.
func subagentPrompt(task string) string {
	return "You are a short-lived helper agent. Complete the following task, " +
		"report the result, and do nothing else.\n\nTask: " + task
}

func subagentTTL(minutes int) time.Duration {
	ttl := time.Duration(minutes) * time.Minute
	if ttl <= 0 {
		return defaultSubagentTTL
	}
	if ttl > maxSubagentTTL {
		return maxSubagentTTL
	}
	return ttl
}
