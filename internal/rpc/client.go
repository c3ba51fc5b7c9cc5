package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/calderlabs/overseer/pkg/models"
)

const (
	defaultCallTimeout = 30 * time.Second
	healthCheckTimeout = 2 * time.Second
	portCaptureTimeout = 15 * time.Second
	stopGracePeriod    = 2 * time.Second
)

// ErrRestarted aborts in-flight calls when the subprocess is restarted.
var ErrRestarted = errors.New("server restarted, in-flight request aborted")

// ErrNotRunning is returned for calls against a stopped client.
var ErrNotRunning = errors.New("server not running")

type callResult struct {
	resp *Response
	err  error
}

// Client owns one tool-server subprocess.
type Client struct {
	config ServerConfig
	logger *slog.Logger

	mu      sync.Mutex // guards process lifecycle
	process *exec.Cmd
	stdin   io.WriteCloser
	port    int

	pending   map[int64]chan callResult
	pendingMu sync.Mutex
	nextID    atomic.Int64

	running  atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewClient creates a client for the configured server. The subprocess is
// not spawned until Start.
func NewClient(cfg ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:  cfg,
		logger:  logger.With("component", "rpc", "server", cfg.Name),
		pending: make(map[int64]chan callResult),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.config.Name }

// Config returns the server configuration.
func (c *Client) Config() ServerConfig { return c.config }

// Running reports whether the subprocess is alive.
func (c *Client) Running() bool { return c.running.Load() }

// Port returns the port announced by the child, or zero.
func (c *Client) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// Start spawns the subprocess and begins reading its stdout. Start on an
// already-running client is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() {
		return nil
	}
	if c.config.Command == "" {
		return fmt.Errorf("server %s: command is required", c.config.Name)
	}

	cmd := exec.Command(c.config.Command, c.config.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if c.config.WorkDir != "" {
		cmd.Dir = c.config.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	c.process = cmd
	c.stdin = stdin
	c.stopChan = make(chan struct{})
	c.running.Store(true)
	c.logger.Info("started tool server", "command", c.config.Command, "pid", cmd.Process.Pid)

	portCh := make(chan int, 1)

	c.wg.Add(1)
	go c.readLoop(stdout, portCh)
	if stderr != nil {
		c.wg.Add(1)
		go c.logStderr(stderr)
	}
	c.wg.Add(1)
	go c.waitExit(cmd)

	if c.config.CapturePort {
		timer := time.NewTimer(portCaptureTimeout)
		defer timer.Stop()
		select {
		case p := <-portCh:
			c.port = p
			c.logger.Info("captured listening port", "port", p)
		case <-timer.C:
			c.killLocked()
			return fmt.Errorf("server %s: no port announcement within %s", c.config.Name, portCaptureTimeout)
		case <-ctx.Done():
			c.killLocked()
			return ctx.Err()
		}
	}

	return nil
}

// Stop terminates the subprocess: SIGTERM, then SIGKILL after the grace
// period. Stop on a stopped client is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running.Load() {
		return nil
	}
	c.killLocked()
	return nil
}

// Restart stops the subprocess and re-starts it with the original
// configuration. In-flight calls fail with ErrRestarted.
func (c *Client) Restart(ctx context.Context) error {
	c.mu.Lock()
	if c.running.Load() {
		c.failInflight(ErrRestarted)
		c.killLocked()
	}
	c.mu.Unlock()
	return c.Start(ctx)
}

// Call invokes a tool on the server and returns its result.
func (c *Client) Call(ctx context.Context, toolName string, arguments map[string]any) (*ToolResult, error) {
	raw, err := c.call(ctx, "call_tool", CallToolParams{Name: toolName, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse call_tool result: %w", err)
	}
	return &result, nil
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	raw, err := c.call(ctx, "list_tools", nil)
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse list_tools result: %w", err)
	}
	return result.Tools, nil
}

// HealthCheck probes the server. It never blocks longer than 2 seconds.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if !c.running.Load() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	_, err := c.call(ctx, "health", nil)
	return err == nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.running.Load() {
		return nil, models.WrapError(models.KindRPCUnavailable, ErrNotRunning, "server %s", c.config.Name)
	}

	id := c.nextID.Add(1)
	req := Request{ID: id, Method: method}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = encoded
	}

	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.mu.Lock()
	stdin := c.stdin
	stopChan := c.stopChan
	c.mu.Unlock()
	if stdin == nil {
		return nil, models.WrapError(models.KindRPCUnavailable, ErrNotRunning, "server %s", c.config.Name)
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return nil, models.WrapError(models.KindRPCUnavailable, err, "write to server %s", c.config.Name)
	}

	timeout := c.config.Timeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		if result.err != nil {
			return nil, models.WrapError(models.KindRPCUnavailable, result.err, "server %s", c.config.Name)
		}
		if result.resp.Error != nil {
			return nil, fmt.Errorf("server %s error %d: %s", c.config.Name, result.resp.Error.Code, result.resp.Error.Message)
		}
		return result.resp.Result, nil
	case <-ctx.Done():
		return nil, models.WrapError(models.KindRPCTimeout, ctx.Err(), "call %s on %s", method, c.config.Name)
	case <-timer.C:
		return nil, models.NewError(models.KindRPCTimeout, "call %s on %s timed out after %s", method, c.config.Name, timeout)
	case <-stopChan:
		return nil, models.WrapError(models.KindRPCUnavailable, ErrRestarted, "server %s", c.config.Name)
	}
}

// readLoop consumes the child's stdout: JSON responses are matched against
// pending calls; a LISTENING_PORT line is reported once; anything else is
// forwarded to the log.
func (c *Client) readLoop(stdout io.Reader, portCh chan<- int) {
	defer c.wg.Done()

	portReported := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if !portReported {
			if port, ok := parsePortLine(line); ok {
				portReported = true
				portCh <- port
				continue
			}
		}

		if !c.dispatchLine(line) {
			c.logger.Debug("server stdout", "line", line)
		}
	}
}

// dispatchLine routes one JSON response line to its pending call.
func (c *Client) dispatchLine(line string) bool {
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil || resp.ID == 0 {
		return false
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- callResult{resp: &resp}
	}
	return true
}

func (c *Client) logStderr(stderr io.Reader) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			c.logger.Debug("server stderr", "line", line)
		}
	}
}

// waitExit reaps the child and fails whatever was in flight when it died.
func (c *Client) waitExit(cmd *exec.Cmd) {
	defer c.wg.Done()

	err := cmd.Wait()

	c.mu.Lock()
	if c.process == cmd {
		c.running.Store(false)
		if c.stopChan != nil {
			select {
			case <-c.stopChan:
			default:
				close(c.stopChan)
			}
		}
		c.failInflight(fmt.Errorf("server process exited: %v", err))
	}
	c.mu.Unlock()
}

// killLocked terminates the current child. Callers hold c.mu.
func (c *Client) killLocked() {
	cmd := c.process
	if cmd == nil || cmd.Process == nil {
		c.running.Store(false)
		return
	}

	c.running.Store(false)
	if c.stopChan != nil {
		select {
		case <-c.stopChan:
		default:
			close(c.stopChan)
		}
	}
	if c.stdin != nil {
		c.stdin.Close()
		c.stdin = nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		// waitExit owns cmd.Wait; poll for release instead.
		for cmd.ProcessState == nil {
			time.Sleep(50 * time.Millisecond)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		_ = cmd.Process.Kill()
	}

	c.process = nil
	c.port = 0
}

// failInflight aborts every pending call with the given error. Callers hold
// c.mu; the pending map has its own lock.
func (c *Client) failInflight(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- callResult{err: err}
		delete(c.pending, id)
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
