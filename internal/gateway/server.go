// Package gateway is the local HTTP surface reasoners call back into:
// tool routing, the subagent capability, agent status and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/calderlabs/overseer/internal/agents"
	"github.com/calderlabs/overseer/internal/observability"
	"github.com/calderlabs/overseer/internal/toolpolicy"
	"github.com/calderlabs/overseer/internal/toolrouter"
	"github.com/calderlabs/overseer/pkg/models"
)

// agentHeader carries the calling agent's identity on every reasoner
// request. Requests without it are rejected.
const agentHeader = "X-Agent-ID"

// Server serves the orchestrator callback API.
type Server struct {
	router     *toolrouter.Router
	supervisor *agents.Supervisor
	metrics    *observability.Metrics
	logger     *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer wires the callback API over the router and supervisor.
func NewServer(router *toolrouter.Router, supervisor *agents.Supervisor, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		router:     router,
		supervisor: supervisor,
		metrics:    metrics,
		logger:     logger.With("component", "gateway"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/tools/call", s.handleToolCall)
	mux.HandleFunc("GET /v1/tools", s.handleToolList)
	mux.HandleFunc("POST /v1/subagents", s.handleSpawnSubagent)
	mux.HandleFunc("DELETE /v1/subagents/{id}", s.handleKillSubagent)
	mux.HandleFunc("GET /v1/agents", s.handleAgentStatuses)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", "error", err)
		}
	}()
	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("gateway shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type toolCallRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// handleToolCall routes one tool call on behalf of an agent. The agent's
// tool policy is enforced here, before the router ever sees the call.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	agentID, policy, ok := s.callerPolicy(w, r)
	if !ok {
		return
	}

	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.NewError(models.KindInvalidArgument, "decode request: %v", err))
		return
	}
	if req.Tool == "" {
		writeError(w, models.NewError(models.KindInvalidArgument, "tool is required"))
		return
	}

	if req.Tool == agents.SpawnToolName {
		s.spawnViaToolCall(w, r, agentID, policy, req.Arguments)
		return
	}

	if !policy.Allows(req.Tool) {
		s.recordToolCall(req.Tool, "denied")
		writeError(w, models.NewError(models.KindToolBlocked, "tool %s denied for agent %s", req.Tool, agentID))
		return
	}

	result, err := s.router.Route(r.Context(), req.Tool, req.Arguments)
	if err != nil {
		s.recordToolCall(req.Tool, string(models.KindOf(err)))
		writeError(w, err)
		return
	}
	s.recordToolCall(req.Tool, "ok")
	writeJSON(w, http.StatusOK, result)
}

// spawnViaToolCall lets agents reach the subagent capability through the
// uniform tool-call surface. The helper runs the requested task to
// completion and is killed before the result goes back to the parent.
func (s *Server) spawnViaToolCall(w http.ResponseWriter, r *http.Request, agentID string, policy toolpolicy.Policy, arguments map[string]any) {
	if !policy.Allows(agents.SpawnToolName) {
		s.recordToolCall(agents.SpawnToolName, "denied")
		writeError(w, models.NewError(models.KindToolBlocked, "tool %s denied for agent %s", agents.SpawnToolName, agentID))
		return
	}

	payload, err := json.Marshal(arguments)
	if err != nil {
		writeError(w, models.NewError(models.KindInvalidArgument, "encode arguments: %v", err))
		return
	}
	var spec agents.SubagentSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		writeError(w, models.NewError(models.KindInvalidArgument, "decode subagent spec: %v", err))
		return
	}
	if spec.Task == "" {
		writeError(w, models.NewError(models.KindInvalidArgument, "task is required"))
		return
	}

	result, err := s.supervisor.RunSubagent(r.Context(), agentID, spec)
	if err != nil {
		s.recordToolCall(agents.SpawnToolName, string(models.KindOf(err)))
		writeError(w, err)
		return
	}
	s.recordToolCall(agents.SpawnToolName, "ok")
	writeJSON(w, http.StatusOK, result)
}

// handleToolList returns the catalog narrowed to the caller's policy. The
// spawn capability is advertised alongside the routed tools; subagents
// never see it because their derived policy pins the denial.
func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	_, policy, ok := s.callerPolicy(w, r)
	if !ok {
		return
	}
	defs := s.router.FilteredDefinitions(policy)
	if policy.Allows(agents.SpawnToolName) {
		defs = append(defs, spawnToolDefinition())
		sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": defs})
}

// spawnToolDefinition is the catalog entry for the subagent capability.
// It is served by the supervisor, not a tool server.
func spawnToolDefinition() toolrouter.Definition {
	return toolrouter.Definition{
		Name:        agents.SpawnToolName,
		Description: "Spawn a short-lived helper agent that runs one task and returns its result.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task": {"type": "string", "description": "The task the helper should complete."},
				"allowedTools": {"type": "array", "items": {"type": "string"}},
				"deniedTools": {"type": "array", "items": {"type": "string"}},
				"timeoutMinutes": {"type": "integer", "minimum": 1, "maximum": 30},
				"model": {"type": "string"}
			},
			"required": ["task"]
		}`),
	}
}

func (s *Server) handleSpawnSubagent(w http.ResponseWriter, r *http.Request) {
	agentID, _, ok := s.callerPolicy(w, r)
	if !ok {
		return
	}

	var spec agents.SubagentSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, models.NewError(models.KindInvalidArgument, "decode subagent spec: %v", err))
		return
	}

	subID, err := s.supervisor.SpawnSubagent(r.Context(), agentID, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"subagent_id": subID})
}

func (s *Server) handleKillSubagent(w http.ResponseWriter, r *http.Request) {
	agentID, _, ok := s.callerPolicy(w, r)
	if !ok {
		return
	}

	subID := r.PathValue("id")
	sub, exists := s.supervisor.Get(subID)
	if !exists {
		writeError(w, models.NewError(models.KindAgentUnavailable, "unknown subagent %s", subID))
		return
	}
	if sub.Status().ParentAgentID != agentID {
		writeError(w, models.NewError(models.KindInvalidArgument, "subagent %s does not belong to %s", subID, agentID))
		return
	}

	if err := s.supervisor.KillSubagent(r.Context(), subID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) handleAgentStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.supervisor.Statuses()})
}

// callerPolicy authenticates the calling agent from its header and
// resolves its tool policy.
func (s *Server) callerPolicy(w http.ResponseWriter, r *http.Request) (string, toolpolicy.Policy, bool) {
	agentID := r.Header.Get(agentHeader)
	if agentID == "" {
		writeError(w, models.NewError(models.KindInvalidArgument, "missing %s header", agentHeader))
		return "", toolpolicy.Policy{}, false
	}

	var def models.AgentDefinition
	found := false
	for _, d := range s.supervisor.Definitions() {
		if d.AgentID == agentID {
			def = d
			found = true
			break
		}
	}
	if !found {
		writeError(w, models.NewError(models.KindAgentUnavailable, "unknown agent %s", agentID))
		return "", toolpolicy.Policy{}, false
	}

	return agentID, toolpolicy.Policy{Allowed: def.AllowedTools, Denied: def.DeniedTools}, true
}

func (s *Server) recordToolCall(tool, outcome string) {
	if s.metrics != nil {
		s.metrics.ToolCalls.WithLabelValues(tool, outcome).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps error kinds to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch models.KindOf(err) {
	case models.KindInvalidArgument:
		status = http.StatusBadRequest
	case models.KindToolBlocked, models.KindScannerBlocked:
		status = http.StatusForbidden
	case models.KindAgentUnavailable, models.KindRPCUnavailable:
		status = http.StatusServiceUnavailable
	case models.KindRPCTimeout:
		status = http.StatusGatewayTimeout
	case models.KindCapacityExceeded:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(models.KindOf(err)),
	})
}
