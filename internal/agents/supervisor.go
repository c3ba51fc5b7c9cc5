package agents

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/calderlabs/overseer/internal/backoff"
	"github.com/calderlabs/overseer/internal/observability"
	"github.com/calderlabs/overseer/pkg/models"
)

const (
	defaultHealthInterval = 30 * time.Second
	defaultIdleInterval   = 1 * time.Minute
	healthFailureLimit    = 2
)

// Options configure the supervisor.
type Options struct {
	StateDir       string
	Launcher       Launcher
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	HealthInterval time.Duration
	IdleInterval   time.Duration
	RestartPolicy  backoff.Policy
}

// Supervisor owns every agent lifecycle: lazy spawn, health-driven
// restart, idle reaping and subagent bookkeeping.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	defs     map[string]models.AgentDefinition
	agents   map[string]*Managed
	spawning map[string]*spawnFuture
	children map[string][]string

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewSupervisor builds a supervisor over the configured agent definitions.
func NewSupervisor(defs []models.AgentDefinition, opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = defaultIdleInterval
	}
	if opts.RestartPolicy.Initial == 0 {
		opts.RestartPolicy = backoff.RestartPolicy()
	}

	byID := make(map[string]models.AgentDefinition, len(defs))
	for _, def := range defs {
		byID[def.AgentID] = def
	}
	return &Supervisor{
		opts:     opts,
		logger:   opts.Logger.With("component", "agents"),
		defs:     byID,
		agents:   make(map[string]*Managed),
		spawning: make(map[string]*spawnFuture),
		children: make(map[string][]string),
	}
}

// Start launches the health and idle loops.
func (s *Supervisor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	go s.runLoops(loopCtx)
}

// Stop halts the loops and stops every agent, subagents first.
func (s *Supervisor) Stop(ctx context.Context) {
	if s.loopCancel != nil {
		s.loopCancel()
		<-s.loopDone
	}

	s.mu.Lock()
	var subagents, parents []*Managed
	for _, agent := range s.agents {
		agent.mu.Lock()
		isSub := agent.isSubagent
		agent.mu.Unlock()
		if isSub {
			subagents = append(subagents, agent)
		} else {
			parents = append(parents, agent)
		}
	}
	s.mu.Unlock()

	for _, agent := range subagents {
		s.stopManaged(agent)
	}
	for _, agent := range parents {
		s.stopManaged(agent)
	}
	s.logger.Info("all agents stopped")
}

// Get returns the managed agent if it exists.
func (s *Supervisor) Get(agentID string) (*Managed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	return agent, ok
}

// Definitions returns the configured agent definitions.
func (s *Supervisor) Definitions() []models.AgentDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	defs := make([]models.AgentDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].AgentID < defs[j].AgentID })
	return defs
}

// Statuses returns a snapshot of every known agent, sorted by ID.
func (s *Supervisor) Statuses() []models.AgentStatus {
	s.mu.Lock()
	agents := make([]*Managed, 0, len(s.agents))
	for _, agent := range s.agents {
		agents = append(agents, agent)
	}
	s.mu.Unlock()

	statuses := make([]models.AgentStatus, 0, len(agents))
	for _, agent := range agents {
		statuses = append(statuses, agent.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].AgentID < statuses[j].AgentID })
	return statuses
}

// spawnFuture is one in-flight spawn attempt. The err field is written
// exactly once, before done is closed; waiters read it only after done.
type spawnFuture struct {
	done chan struct{}
	err  error
}

// EnsureRunning spawns the agent if needed and returns it running.
// Concurrent callers for the same agent share one spawn: the first caller
// does the work, the rest await its future and observe the same outcome.
func (s *Supervisor) EnsureRunning(ctx context.Context, agentID string) (*Managed, error) {
	s.mu.Lock()
	def, known := s.defs[agentID]
	if !known {
		s.mu.Unlock()
		return nil, models.NewError(models.KindAgentUnavailable, "unknown agent %s", agentID)
	}
	if !def.Enabled {
		s.mu.Unlock()
		return nil, models.NewError(models.KindAgentUnavailable, "agent %s is disabled", agentID)
	}

	agent := s.agents[agentID]
	if agent == nil {
		agent = newManaged(def)
		s.agents[agentID] = agent
	}
	if agent.State() == models.AgentRunning {
		s.mu.Unlock()
		return agent, nil
	}

	if fut, inFlight := s.spawning[agentID]; inFlight {
		s.mu.Unlock()
		select {
		case <-fut.done:
			if fut.err != nil {
				return nil, fut.err
			}
			return agent, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	fut := &spawnFuture{done: make(chan struct{})}
	s.spawning[agentID] = fut
	s.mu.Unlock()

	fut.err = s.spawn(ctx, agent)

	s.mu.Lock()
	delete(s.spawning, agentID)
	s.mu.Unlock()
	close(fut.done)

	if fut.err != nil {
		return nil, fut.err
	}
	return agent, nil
}

// spawn starts one reasoner for the agent.
func (s *Supervisor) spawn(ctx context.Context, agent *Managed) error {
	def := agent.Definition()

	agent.mu.Lock()
	agent.state = models.AgentStarting
	agent.mu.Unlock()

	promptPath, err := WritePromptFile(s.opts.StateDir, def)
	if err != nil {
		agent.setStopped()
		return models.WrapError(models.KindAgentUnavailable, err, "agent %s", def.AgentID)
	}

	process, reasoner, err := s.opts.Launcher.Launch(ctx, def, promptPath)
	if err != nil {
		agent.setStopped()
		return models.WrapError(models.KindAgentUnavailable, err, "spawn agent %s", def.AgentID)
	}

	agent.setRunning(process, reasoner)
	go s.watchExit(agent, process)
	s.logger.Info("agent running", "agent", def.AgentID, "port", process.Port())
	return nil
}

// watchExit transitions an agent to stopped when its child dies out from
// under it. The spawn path never auto-restarts; the health loop owns
// recovery. A stale watcher (the agent already holds a newer process, or a
// deliberate stop is in progress) does nothing.
func (s *Supervisor) watchExit(agent *Managed, process Process) {
	<-process.Done()

	agent.mu.Lock()
	if agent.process != process || agent.state != models.AgentRunning {
		agent.mu.Unlock()
		return
	}
	id := agent.def.AgentID
	agent.state = models.AgentStopped
	agent.process = nil
	agent.reasoner = nil
	agent.healthFailures = 0
	agent.mu.Unlock()

	s.logger.Warn("reasoner exited unexpectedly", "agent", id)
}

// StopAgent stops one agent. Its subagents are killed first. A manual stop
// resets the restart counter.
func (s *Supervisor) StopAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	agent, ok := s.agents[agentID]
	childIDs := append([]string(nil), s.children[agentID]...)
	s.mu.Unlock()
	if !ok {
		return models.NewError(models.KindAgentUnavailable, "unknown agent %s", agentID)
	}

	for _, childID := range childIDs {
		if err := s.KillSubagent(ctx, childID); err != nil {
			s.logger.Warn("subagent kill failed during cascade", "subagent", childID, "error", err)
		}
	}

	s.stopManaged(agent)
	agent.mu.Lock()
	agent.restartCount = 0
	agent.mu.Unlock()
	return nil
}

// ResumeAgent acknowledges a cost pause: the reasoner is told to resume,
// optionally resetting its cost window, and the pause flag is cleared only
// after it confirms.
func (s *Supervisor) ResumeAgent(ctx context.Context, agentID string, resetWindow bool) error {
	agent, ok := s.Get(agentID)
	if !ok {
		return models.NewError(models.KindAgentUnavailable, "unknown agent %s", agentID)
	}
	paused, _ := agent.Paused()
	if !paused {
		return models.NewError(models.KindInvalidArgument, "agent %s is not paused", agentID)
	}
	reasoner := agent.Reasoner()
	if reasoner == nil {
		// Not running: the pause flag is orchestrator state, clear it.
		agent.ClearPaused()
		return nil
	}
	if err := reasoner.CostResume(ctx, resetWindow); err != nil {
		return err
	}
	agent.ClearPaused()
	s.logger.Info("agent resumed", "agent", agentID)
	return nil
}

func (s *Supervisor) stopManaged(agent *Managed) {
	agent.mu.Lock()
	process := agent.process
	id := agent.def.AgentID
	agent.state = models.AgentStopping
	agent.mu.Unlock()

	if process != nil {
		if err := process.Stop(); err != nil {
			s.logger.Warn("process stop failed", "agent", id, "error", err)
		}
	}
	agent.setStopped()
	s.logger.Info("agent stopped", "agent", id)
}

func (s *Supervisor) runLoops(ctx context.Context) {
	defer close(s.loopDone)

	healthTicker := time.NewTicker(s.opts.HealthInterval)
	defer healthTicker.Stop()
	idleTicker := time.NewTicker(s.opts.IdleInterval)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-healthTicker.C:
			s.healthPass(ctx)
		case <-idleTicker.C:
			s.idlePass(ctx)
		}
	}
}

// healthPass probes every running agent. Two consecutive failures trigger
// a restart with backoff; an agent that exhausts its restart budget stays
// down until an operator intervenes.
func (s *Supervisor) healthPass(ctx context.Context) {
	for _, agent := range s.running() {
		reasoner := agent.Reasoner()
		if reasoner == nil {
			continue
		}

		if err := reasoner.Health(ctx); err != nil {
			agent.mu.Lock()
			agent.healthFailures++
			failures := agent.healthFailures
			id := agent.def.AgentID
			agent.mu.Unlock()

			s.logger.Warn("health check failed", "agent", id, "consecutive", failures, "error", err)
			if failures >= healthFailureLimit {
				s.restart(ctx, agent)
			}
			continue
		}

		agent.mu.Lock()
		agent.healthFailures = 0
		agent.mu.Unlock()
	}
}

// restart replaces a failed agent process, honoring the backoff policy.
func (s *Supervisor) restart(ctx context.Context, agent *Managed) {
	agent.mu.Lock()
	agent.restartCount++
	attempt := agent.restartCount
	agent.lastRestartAt = time.Now()
	id := agent.def.AgentID
	agent.mu.Unlock()

	if s.opts.RestartPolicy.Exhausted(attempt) {
		s.logger.Error("restart budget exhausted, leaving agent down", "agent", id, "attempts", attempt)
		s.stopManaged(agent)
		return
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.AgentRestarts.WithLabelValues(id).Inc()
	}

	delay := s.opts.RestartPolicy.Delay(attempt)
	s.logger.Info("restarting agent", "agent", id, "attempt", attempt, "delay", delay)
	s.stopManaged(agent)

	if err := backoff.Sleep(ctx, delay); err != nil {
		return
	}
	if err := s.spawn(ctx, agent); err != nil {
		s.logger.Error("restart failed", "agent", id, "error", err)
	}
}

// idlePass stops agents past their idle timeout and kills expired
// subagents.
func (s *Supervisor) idlePass(ctx context.Context) {
	now := time.Now()
	for _, agent := range s.running() {
		agent.mu.Lock()
		id := agent.def.AgentID
		idleTimeout := time.Duration(agent.def.IdleTimeoutMinutes) * time.Minute
		isSub := agent.isSubagent
		expiresAt := agent.expiresAt
		agent.mu.Unlock()

		if isSub && now.After(expiresAt) {
			s.logger.Info("subagent expired", "subagent", id)
			if err := s.KillSubagent(ctx, id); err != nil {
				s.logger.Warn("subagent expiry kill failed", "subagent", id, "error", err)
			}
			continue
		}

		if idleTimeout > 0 && agent.idleFor(now) > idleTimeout {
			s.logger.Info("stopping idle agent", "agent", id, "idle", agent.idleFor(now))
			s.stopManaged(agent)
		}
	}
}

func (s *Supervisor) running() []*Managed {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Managed
	for _, agent := range s.agents {
		if agent.State() == models.AgentRunning {
			out = append(out, agent)
		}
	}
	return out
}
