package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/calderlabs/overseer/internal/agents"
	"github.com/calderlabs/overseer/internal/rpc"
	"github.com/calderlabs/overseer/internal/toolrouter"
	"github.com/calderlabs/overseer/pkg/models"
)

type stubToolServer struct {
	name  string
	tools []rpc.ToolDescriptor
	calls []string
}

func (s *stubToolServer) Name() string { return s.name }

func (s *stubToolServer) ListTools(ctx context.Context) ([]rpc.ToolDescriptor, error) {
	return s.tools, nil
}

func (s *stubToolServer) Call(ctx context.Context, toolName string, arguments map[string]any) (*rpc.ToolResult, error) {
	s.calls = append(s.calls, toolName)
	return &rpc.ToolResult{Success: true, Content: "ok"}, nil
}

type stubLauncher struct{}

func (stubLauncher) Launch(ctx context.Context, def models.AgentDefinition, promptPath string) (agents.Process, agents.Reasoner, error) {
	return stubProcess{done: make(chan struct{})}, stubReasoner{}, nil
}

type stubProcess struct{ done chan struct{} }

func (p stubProcess) Port() int             { return 9001 }
func (p stubProcess) Stop() error           { return nil }
func (p stubProcess) Done() <-chan struct{} { return p.done }

type stubReasoner struct{}

func (stubReasoner) Health(ctx context.Context) error { return nil }
func (stubReasoner) ProcessMessage(ctx context.Context, req agents.ProcessRequest) (*agents.ProcessResponse, error) {
	return &agents.ProcessResponse{
		Success:    true,
		Response:   "task done",
		ToolsUsed:  []string{"memory_recall"},
		TotalSteps: 2,
	}, nil
}
func (stubReasoner) ExecuteSkill(ctx context.Context, req agents.SkillRequest) (*agents.SkillResponse, error) {
	return &agents.SkillResponse{Success: true}, nil
}
func (stubReasoner) CostResume(ctx context.Context, resetWindow bool) error { return nil }

func newTestServer(t *testing.T) (*Server, *stubToolServer) {
	t.Helper()

	tools := &stubToolServer{name: "memory", tools: []rpc.ToolDescriptor{
		{Name: "store"}, {Name: "recall"}, {Name: "delete"},
	}}
	router := toolrouter.NewRouter(nil)
	if err := router.RegisterServer(tools, false); err != nil {
		t.Fatal(err)
	}
	if err := router.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	defs := []models.AgentDefinition{
		{
			AgentID:      "main",
			Enabled:      true,
			AllowedTools: []string{"memory_*", agents.SpawnToolName},
			DeniedTools:  []string{"memory_delete"},
		},
		{
			AgentID:      "worker",
			Enabled:      true,
			AllowedTools: []string{"memory_store"},
		},
	}
	supervisor := agents.NewSupervisor(defs, agents.Options{
		StateDir: t.TempDir(),
		Launcher: stubLauncher{},
	})

	return NewServer(router, supervisor, nil, nil), tools
}

// startAgent brings an agent up so it can spawn subagents.
func startAgent(t *testing.T, s *Server, agentID string) {
	t.Helper()
	if _, err := s.supervisor.EnsureRunning(context.Background(), agentID); err != nil {
		t.Fatal(err)
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path, agentID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if agentID != "" {
		req.Header.Set(agentHeader, agentID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestToolCallRequiresAgentHeader(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/tools/call", "", `{"tool":"memory_store"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestToolCallRoutesForAllowedTool(t *testing.T) {
	s, tools := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/tools/call", "main",
		`{"tool":"memory_store","arguments":{"key":"k"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(tools.calls) != 1 || tools.calls[0] != "store" {
		t.Errorf("server calls = %v", tools.calls)
	}
}

func TestToolCallDeniedByPolicy(t *testing.T) {
	s, tools := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/tools/call", "main", `{"tool":"memory_delete"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if len(tools.calls) != 0 {
		t.Error("denied tool must not reach the server")
	}
}

func TestToolCallUnknownAgent(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/tools/call", "ghost", `{"tool":"memory_store"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestToolListFiltered(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/tools", "main", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var payload struct {
		Tools []toolrouter.Definition `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	for _, def := range payload.Tools {
		if def.Name == "memory_delete" {
			t.Error("denied tool leaked into the catalog")
		}
	}
	// memory_store, memory_recall, plus the spawn capability.
	if len(payload.Tools) != 3 {
		t.Errorf("tools = %+v", payload.Tools)
	}
}

func TestToolListAdvertisesSpawnCapability(t *testing.T) {
	s, _ := newTestServer(t)

	names := func(agentID string) []string {
		rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/tools", agentID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var payload struct {
			Tools []toolrouter.Definition `json:"tools"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatal(err)
		}
		var out []string
		for _, def := range payload.Tools {
			out = append(out, def.Name)
		}
		return out
	}

	mainTools := names("main")
	found := false
	for _, name := range mainTools {
		if name == agents.SpawnToolName {
			found = true
		}
	}
	if !found {
		t.Errorf("spawn capability missing from catalog: %v", mainTools)
	}

	// An agent whose policy does not grant the capability never sees it.
	for _, name := range names("worker") {
		if name == agents.SpawnToolName {
			t.Error("spawn capability leaked to a restricted agent")
		}
	}
}

func TestSpawnSubagentViaToolCall(t *testing.T) {
	s, _ := newTestServer(t)
	startAgent(t, s, "main")

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/tools/call", "main",
		`{"tool":"spawn_subagent","arguments":{"task":"summarize the backlog","timeoutMinutes":5}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var result agents.SubagentResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(result.SubagentID, "main-sub-") {
		t.Errorf("subagentId = %q", result.SubagentID)
	}
	if result.Response != "task done" || result.TotalSteps != 2 {
		t.Errorf("result = %+v", result)
	}

	// The helper is dead once its task is answered.
	if _, ok := s.supervisor.Get(result.SubagentID); ok {
		t.Error("subagent survived its task")
	}
}

func TestSpawnToolRequiresTask(t *testing.T) {
	s, _ := newTestServer(t)
	startAgent(t, s, "main")

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/tools/call", "main",
		`{"tool":"spawn_subagent","arguments":{"timeoutMinutes":5}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestKillSubagentOwnership(t *testing.T) {
	s, _ := newTestServer(t)
	startAgent(t, s, "main")

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/subagents", "main", `{"task":"helper"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("spawn status = %d: %s", rec.Code, rec.Body)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	subID := payload["subagent_id"]

	// A different agent cannot kill it. The subagent itself is a known
	// agent but not the parent.
	rec = doJSON(t, s.Handler(), http.MethodDelete, "/v1/subagents/"+subID, subID, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("foreign kill status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, s.Handler(), http.MethodDelete, "/v1/subagents/"+subID, "main", "")
	if rec.Code != http.StatusOK {
		t.Errorf("owner kill status = %d: %s", rec.Code, rec.Body)
	}
}

func TestAgentStatuses(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/agents", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"agents"`) {
		t.Errorf("body = %s", rec.Body)
	}
}
