package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/calderlabs/overseer/pkg/models"
)

// ProcessRequest is one inbound message handed to a reasoner.
type ProcessRequest struct {
	ID       string    `json:"id"`
	ChatID   string    `json:"chatId"`
	SenderID string    `json:"senderId"`
	Text     string    `json:"text"`
	Date     time.Time `json:"date"`
	AgentID  string    `json:"agentId"`
}

// ProcessResponse is the reasoner's answer to one message.
type ProcessResponse struct {
	Success     bool     `json:"success"`
	Response    string   `json:"response,omitempty"`
	ToolsUsed   []string `json:"toolsUsed,omitempty"`
	TotalSteps  int      `json:"totalSteps"`
	Error       string   `json:"error,omitempty"`
	Paused      bool     `json:"paused,omitempty"`
	PauseReason string   `json:"pauseReason,omitempty"`
}

// SkillRequest asks a reasoner to run one named skill.
type SkillRequest struct {
	SkillID            string   `json:"skillId"`
	SkillName          string   `json:"skillName,omitempty"`
	Instructions       string   `json:"instructions"`
	MaxSteps           int      `json:"maxSteps"`
	NotifyOnCompletion bool     `json:"notifyOnCompletion"`
	NoTools            bool     `json:"noTools,omitempty"`
	RequiredTools      []string `json:"requiredTools,omitempty"`
	ChatID             string   `json:"chatId,omitempty"`
}

// SkillResponse is the outcome of a skill execution.
type SkillResponse struct {
	Success    bool     `json:"success"`
	Summary    string   `json:"summary,omitempty"`
	ToolsUsed  []string `json:"toolsUsed,omitempty"`
	TotalSteps int      `json:"totalSteps"`
	Error      string   `json:"error,omitempty"`
}

// Reasoner is the control surface of one reasoner subprocess.
type Reasoner interface {
	Health(ctx context.Context) error
	ProcessMessage(ctx context.Context, req ProcessRequest) (*ProcessResponse, error)
	ExecuteSkill(ctx context.Context, req SkillRequest) (*SkillResponse, error)
	CostResume(ctx context.Context, resetWindow bool) error
}

const (
	reasonerHealthTimeout  = 2 * time.Second
	reasonerProcessTimeout = 5 * time.Minute
)

// httpReasoner talks to a reasoner over its local HTTP port.
type httpReasoner struct {
	baseURL string
	client  *http.Client
}

// newHTTPReasoner builds a client for a reasoner listening on 127.0.0.1.
func newHTTPReasoner(port int) *httpReasoner {
	return &httpReasoner{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		client:  &http.Client{Timeout: reasonerProcessTimeout},
	}
}

func (r *httpReasoner) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, reasonerHealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return models.WrapError(models.KindAgentUnavailable, err, "health probe")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return models.NewError(models.KindAgentUnavailable, "health probe returned %d", resp.StatusCode)
	}
	return nil
}

func (r *httpReasoner) ProcessMessage(ctx context.Context, req ProcessRequest) (*ProcessResponse, error) {
	var out ProcessResponse
	if err := r.post(ctx, "/process-message", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *httpReasoner) ExecuteSkill(ctx context.Context, req SkillRequest) (*SkillResponse, error) {
	var out SkillResponse
	if err := r.post(ctx, "/execute-skill", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type costResumeRequest struct {
	ResetWindow bool `json:"resetWindow"`
}

type costResumeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (r *httpReasoner) CostResume(ctx context.Context, resetWindow bool) error {
	var out costResumeResponse
	if err := r.post(ctx, "/cost-resume", costResumeRequest{ResetWindow: resetWindow}, &out); err != nil {
		return err
	}
	if !out.Success {
		return models.NewError(models.KindAgentPaused, "reasoner refused resume: %s", out.Message)
	}
	return nil
}

func (r *httpReasoner) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return models.WrapError(models.KindAgentUnavailable, err, "reasoner %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.NewError(models.KindAgentUnavailable, "reasoner %s returned %d: %s", path, resp.StatusCode, data)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode reasoner response: %w", err)
	}
	return nil
}
