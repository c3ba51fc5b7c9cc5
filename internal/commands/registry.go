// Package commands provides slash command detection and routing. Commands
// are intercepted before messages reach any agent; text that does not
// match a registered command flows through untouched.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Command represents a registered slash command.
type Command struct {
	// Name is the command name without the leading slash (e.g. "status").
	Name string

	// Description is a short description for help output.
	Description string

	// Usage shows the argument form, if any.
	Usage string

	// Handler executes the command.
	Handler Handler
}

// Handler processes one command invocation.
type Handler func(ctx context.Context, inv *Invocation) (*Result, error)

// Invocation is a parsed command call.
type Invocation struct {
	// Name is the command name as typed, lowercased.
	Name string

	// Args is the trimmed text after the command name.
	Args string

	// Channel and ChatID identify where the command arrived.
	Channel string
	ChatID  string

	// SenderID identifies who issued it.
	SenderID string
}

// Result is the reply for a handled command.
type Result struct {
	Text string
}

// Registry maps command names to handlers.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		commands: make(map[string]*Command),
		logger:   logger.With("component", "commands"),
	}
}

// Register adds a command. Duplicate names are an error.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil || cmd.Name == "" {
		return fmt.Errorf("command name is required")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %s: handler is required", cmd.Name)
	}

	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	r.commands[name] = cmd
	r.logger.Debug("registered command", "name", name)
	return nil
}

// Handle intercepts a message if it is a known slash command. The first
// return value reports whether the message was consumed; unknown commands
// and plain text are not consumed and flow to the agent.
func (r *Registry) Handle(ctx context.Context, inv *Invocation) (bool, *Result, error) {
	r.mu.RLock()
	cmd, known := r.commands[inv.Name]
	r.mu.RUnlock()
	if !known {
		return false, nil, nil
	}

	result, err := cmd.Handler(ctx, inv)
	if err != nil {
		r.logger.Warn("command failed", "command", inv.Name, "error", err)
		return true, &Result{Text: fmt.Sprintf("%s failed: %v", "/"+inv.Name, err)}, nil
	}
	return true, result, nil
}

// Parse splits message text into a command invocation. It returns false
// for anything that is not a leading slash command.
func Parse(text string) (name, args string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") || len(trimmed) < 2 {
		return "", "", false
	}

	body := trimmed[1:]
	if idx := strings.IndexAny(body, " \t"); idx >= 0 {
		name, args = body[:idx], strings.TrimSpace(body[idx+1:])
	} else {
		name = body
	}
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), args, true
}

// List returns every registered command sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmds := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		cmds = append(cmds, cmd)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}
