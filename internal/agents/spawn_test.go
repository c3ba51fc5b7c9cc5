package agents

import (
	"strings"
	"testing"

	"github.com/calderlabs/overseer/pkg/models"
)

func TestAgentEnvOverlay(t *testing.T) {
	def := models.AgentDefinition{
		AgentID:     "main",
		LLMProvider: models.ProviderAnthropic,
		Model:       "claude-sonnet-4",
		Temperature: 0.3,
		MaxSteps:    12,
		CostControls: &models.CostControls{
			HardCapTokensPerHour: 50000,
			NotifyChannel:        "telegram",
			NotifyChatID:         "900",
		},
	}

	env := agentEnv(def, "/state/agent-prompts/main.txt", "http://127.0.0.1:8790")

	want := []string{
		"AGENT_ID=main",
		"LLM_PROVIDER=anthropic",
		"LLM_MODEL=claude-sonnet-4",
		"TEMPERATURE=0.3",
		"SYSTEM_PROMPT_PATH=/state/agent-prompts/main.txt",
		"ORCHESTRATOR_URL=http://127.0.0.1:8790",
		"MAX_STEPS=12",
		"COST_HARD_CAP_TOKENS_PER_HOUR=50000",
		"COST_NOTIFY_CHANNEL=telegram",
		"COST_NOTIFY_CHAT_ID=900",
	}
	for _, entry := range want {
		found := false
		for _, got := range env {
			if got == entry {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("env missing %q:\n%s", entry, strings.Join(env, "\n"))
		}
	}
}

func TestParseReasonerPortLine(t *testing.T) {
	tests := []struct {
		line string
		port int
		ok   bool
	}{
		{"LISTENING_PORT=9123", 9123, true},
		{"LISTENING_PORT=abc", 0, false},
		{"LISTENING_PORT=0", 0, false},
		{"LISTENING_PORT=70000", 0, false},
		{"listening_port=9123", 0, false},
		{"ready", 0, false},
	}
	for _, tt := range tests {
		port, ok := parsePortLine(tt.line)
		if ok != tt.ok || port != tt.port {
			t.Errorf("parsePortLine(%q) = (%d, %v), want (%d, %v)", tt.line, port, ok, tt.port, tt.ok)
		}
	}
}
