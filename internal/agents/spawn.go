package agents

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/calderlabs/overseer/pkg/models"
)

const (
	spawnPortTimeout   = 15 * time.Second
	spawnHealthTries   = 15
	spawnHealthBackoff = 1 * time.Second
	spawnStopGrace     = 2 * time.Second
)

// Launcher spawns reasoner subprocesses. The seam exists so the
// supervisor's lifecycle logic is testable without real processes.
type Launcher interface {
	Launch(ctx context.Context, def models.AgentDefinition, promptPath string) (Process, Reasoner, error)
}

// LauncherConfig configures the subprocess launcher.
type LauncherConfig struct {
	// Command is the reasoner binary.
	Command string
	// Args precede the per-agent flags.
	Args []string
	// OrchestratorURL is handed to each reasoner so it can call back into
	// the tool router.
	OrchestratorURL string
	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// procLauncher launches real subprocesses.
type procLauncher struct {
	config LauncherConfig
	logger *slog.Logger
}

// NewLauncher builds the production launcher.
func NewLauncher(cfg LauncherConfig) (Launcher, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("launcher: command is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &procLauncher{config: cfg, logger: cfg.Logger.With("component", "launcher")}, nil
}

// WritePromptFile persists an agent's system prompt for the reasoner to
// read at startup. Prompts may hold sensitive instructions, hence 0600.
func WritePromptFile(stateDir string, def models.AgentDefinition) (string, error) {
	dir := filepath.Join(stateDir, "agent-prompts")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create prompt dir: %w", err)
	}
	path := filepath.Join(dir, def.AgentID+".txt")
	if err := os.WriteFile(path, []byte(def.SystemPrompt), 0600); err != nil {
		return "", fmt.Errorf("write prompt file: %w", err)
	}
	return path, nil
}

// Launch spawns one reasoner, waits for its port announcement, then polls
// its health endpoint until it answers.
func (l *procLauncher) Launch(ctx context.Context, def models.AgentDefinition, promptPath string) (Process, Reasoner, error) {
	cmd := exec.Command(l.config.Command, l.config.Args...)
	cmd.Env = append(os.Environ(), agentEnv(def, promptPath, l.config.OrchestratorURL)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start reasoner: %w", err)
	}
	l.logger.Info("spawned reasoner", "agent", def.AgentID, "pid", cmd.Process.Pid)

	proc := &childProcess{cmd: cmd, done: make(chan struct{})}
	portCh := make(chan int, 1)
	go proc.readStdout(stdout, portCh, l.logger, def.AgentID)
	if stderr != nil {
		go logLines(stderr, l.logger, def.AgentID)
	}
	go proc.wait()

	timer := time.NewTimer(spawnPortTimeout)
	defer timer.Stop()
	select {
	case port := <-portCh:
		proc.port = port
	case <-timer.C:
		proc.Stop()
		return nil, nil, models.NewError(models.KindAgentUnavailable,
			"agent %s: no port announcement within %s", def.AgentID, spawnPortTimeout)
	case <-proc.done:
		return nil, nil, models.NewError(models.KindAgentUnavailable,
			"agent %s: reasoner exited before announcing a port", def.AgentID)
	case <-ctx.Done():
		proc.Stop()
		return nil, nil, ctx.Err()
	}

	reasoner := newHTTPReasoner(proc.port)
	if err := waitHealthy(ctx, reasoner); err != nil {
		proc.Stop()
		return nil, nil, err
	}
	return proc, reasoner, nil
}

func waitHealthy(ctx context.Context, reasoner Reasoner) error {
	var lastErr error
	for i := 0; i < spawnHealthTries; i++ {
		if lastErr = reasoner.Health(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(spawnHealthBackoff):
		}
	}
	return models.WrapError(models.KindAgentUnavailable, lastErr, "reasoner never became healthy")
}

// agentEnv builds the per-agent environment overlay.
func agentEnv(def models.AgentDefinition, promptPath, orchestratorURL string) []string {
	env := []string{
		"AGENT_ID=" + def.AgentID,
		"LLM_PROVIDER=" + string(def.LLMProvider),
		"LLM_MODEL=" + def.Model,
		"TEMPERATURE=" + strconv.FormatFloat(def.Temperature, 'f', -1, 64),
		"SYSTEM_PROMPT_PATH=" + promptPath,
		"ORCHESTRATOR_URL=" + orchestratorURL,
		"PORT=" + strconv.Itoa(def.DesiredPort),
		"MAX_STEPS=" + strconv.Itoa(def.MaxSteps),
	}
	if cc := def.CostControls; cc != nil {
		env = append(env,
			"COST_SHORT_WINDOW_MINUTES="+strconv.Itoa(cc.ShortWindowMinutes),
			"COST_SPIKE_MULTIPLIER="+strconv.FormatFloat(cc.SpikeMultiplier, 'f', -1, 64),
			"COST_HARD_CAP_TOKENS_PER_HOUR="+strconv.Itoa(cc.HardCapTokensPerHour),
			"COST_MIN_BASELINE_TOKENS="+strconv.Itoa(cc.MinBaselineTokens),
			"COST_NOTIFY_CHANNEL="+cc.NotifyChannel,
			"COST_NOTIFY_CHAT_ID="+cc.NotifyChatID,
		)
	}
	return env
}

// childProcess wraps one reasoner subprocess.
type childProcess struct {
	cmd  *exec.Cmd
	port int
	done chan struct{}
}

func (p *childProcess) Port() int { return p.port }

func (p *childProcess) Done() <-chan struct{} { return p.done }

// Stop sends SIGTERM and escalates to SIGKILL after the grace period.
func (p *childProcess) Stop() error {
	if p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(spawnStopGrace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return p.cmd.Process.Kill()
	}
}

func (p *childProcess) wait() {
	_ = p.cmd.Wait()
	close(p.done)
}

func (p *childProcess) readStdout(r io.Reader, portCh chan<- int, logger *slog.Logger, agentID string) {
	reported := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !reported {
			if port, ok := parsePortLine(line); ok {
				reported = true
				portCh <- port
				continue
			}
		}
		if line != "" {
			logger.Debug("reasoner stdout", "agent", agentID, "line", line)
		}
	}
}

func logLines(r io.Reader, logger *slog.Logger, agentID string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			logger.Debug("reasoner stderr", "agent", agentID, "line", line)
		}
	}
}

// parsePortLine extracts the port from a LISTENING_PORT=<n> announcement.
func parsePortLine(line string) (int, bool) {
	const prefix = "LISTENING_PORT="
	if !strings.HasPrefix(line, prefix) {
		return 0, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, prefix)))
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}
