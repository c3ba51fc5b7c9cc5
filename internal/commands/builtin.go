package commands

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/calderlabs/overseer/internal/halt"
	"github.com/calderlabs/overseer/pkg/models"
)

const (
	deleteMaxHours  = 168
	deleteMaxCount  = 500
	deletePageSize  = 100
	deleteChunkSize = 100
)

// ConversationStore is the slice of the message archive the /delete
// command needs. It is implemented over the memory tool server.
type ConversationStore interface {
	// ListMessageIDs returns stored message IDs for a chat, newest first,
	// optionally bounded to messages at or after since.
	ListMessageIDs(ctx context.Context, channel, chatID string, since time.Time, limit, offset int) ([]string, error)

	// DeleteMessages removes the given messages and reports how many were
	// actually deleted.
	DeleteMessages(ctx context.Context, channel, chatID string, ids []string) (int, error)
}

// ServerStatus is one tool server's availability as seen by /status.
type ServerStatus struct {
	Name    string
	Running bool
	Tools   int
}

// Deps are the runtime hooks the builtin commands observe and act on.
type Deps struct {
	Statuses      func() []models.AgentStatus
	Servers       func() []ServerStatus
	Halts         *halt.Manager
	Conversations ConversationStore
	BlockedTools  func() []string
	Warnings      func() []string
	Skills        func() []models.Skill
	Version       string
	StartTime     time.Time
}

// RegisterBuiltins installs the standard command set.
func RegisterBuiltins(r *Registry, deps Deps) error {
	cmds := []*Command{
		{Name: "help", Description: "List available commands", Handler: helpHandler(r)},
		{Name: "status", Description: "Show agent states", Handler: statusHandler(deps)},
		{Name: "info", Description: "Show runtime information", Usage: "/info", Handler: infoHandler(deps)},
		{Name: "delete", Description: "Delete stored messages for this chat", Usage: "/delete today | <N>h | <N>", Handler: deleteHandler(deps)},
		{Name: "halt", Description: "Pause a subsystem", Usage: "/halt [target]", Handler: haltHandler(deps)},
		{Name: "resume", Description: "Resume a halted subsystem", Usage: "/resume [target]", Handler: resumeHandler(deps)},
	}
	for _, cmd := range cmds {
		if err := r.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func helpHandler(r *Registry) Handler {
	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		var b strings.Builder
		b.WriteString("Available commands:\n")
		for _, cmd := range r.List() {
			usage := cmd.Usage
			if usage == "" {
				usage = "/" + cmd.Name
			}
			fmt.Fprintf(&b, "%s - %s\n", usage, cmd.Description)
		}
		return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
	}
}

func statusHandler(deps Deps) Handler {
	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		var b strings.Builder
		if !deps.StartTime.IsZero() {
			fmt.Fprintf(&b, "uptime: %s\n", time.Since(deps.StartTime).Round(time.Second))
		}

		if deps.Servers != nil {
			totalTools := 0
			for _, srv := range deps.Servers() {
				state := "down"
				if srv.Running {
					state = "up"
				}
				fmt.Fprintf(&b, "server %s: %s (%d tools)\n", srv.Name, state, srv.Tools)
				totalTools += srv.Tools
			}
			fmt.Fprintf(&b, "tools available: %d\n", totalTools)
		}

		statuses := deps.Statuses()
		if len(statuses) == 0 {
			b.WriteString("No agents have been started.\n")
			return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
		}
		for _, st := range statuses {
			line := fmt.Sprintf("%s: %s", st.AgentID, st.State)
			if st.Paused {
				line += fmt.Sprintf(" (paused: %s)", st.PauseReason)
			}
			if st.RestartCount > 0 {
				line += fmt.Sprintf(" restarts=%d", st.RestartCount)
			}
			if st.IsSubagent {
				line += fmt.Sprintf(" [subagent of %s]", st.ParentAgentID)
			}
			b.WriteString(line + "\n")
		}
		if deps.Halts != nil {
			if halted := deps.Halts.Halted(); len(halted) > 0 {
				fmt.Fprintf(&b, "Halted: %s\n", strings.Join(halted, ", "))
			}
		}
		return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
	}
}

func infoHandler(deps Deps) Handler {
	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		var b strings.Builder
		fmt.Fprintf(&b, "overseer %s\n", deps.Version)
		if !deps.StartTime.IsZero() {
			fmt.Fprintf(&b, "uptime: %s\n", time.Since(deps.StartTime).Round(time.Second))
		}
		if deps.Statuses != nil {
			running := 0
			for _, st := range deps.Statuses() {
				if st.State == models.AgentRunning {
					running++
				}
			}
			fmt.Fprintf(&b, "agents running: %d\n", running)
		}
		if deps.Servers != nil {
			for _, srv := range deps.Servers() {
				fmt.Fprintf(&b, "tools from %s: %d\n", srv.Name, srv.Tools)
			}
		}
		if deps.BlockedTools != nil {
			if blocked := deps.BlockedTools(); len(blocked) > 0 {
				fmt.Fprintf(&b, "blocked tools: %s\n", strings.Join(blocked, ", "))
			}
		}
		if deps.Warnings != nil {
			for _, warning := range deps.Warnings() {
				fmt.Fprintf(&b, "warning: %s\n", warning)
			}
		}
		if deps.Skills != nil {
			for _, skill := range deps.Skills() {
				state := "disabled"
				if skill.Enabled {
					state = "enabled"
				}
				line := fmt.Sprintf("skill %s [%s, %s]", skill.Name, skill.TriggerType, state)
				if skill.LastRunStatus != "" {
					line += fmt.Sprintf(" last run: %s", skill.LastRunStatus)
				}
				b.WriteString(line + "\n")
			}
		}
		return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
	}
}

var hoursArg = regexp.MustCompile(`^(\d+)h$`)

// deleteHandler removes stored conversation history for the invoking
// chat. The argument grammar is strict: "today", "<N>h" with 1..168, or a
// bare count 1..500. Anything else is an error, never a fuzzy match.
func deleteHandler(deps Deps) Handler {
	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		if deps.Conversations == nil {
			return nil, fmt.Errorf("no conversation store configured")
		}

		since, count, err := parseDeleteArgs(inv.Args, time.Now())
		if err != nil {
			return nil, err
		}

		ids, err := collectMessageIDs(ctx, deps.Conversations, inv.Channel, inv.ChatID, since, count)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		if len(ids) == 0 {
			return &Result{Text: "Nothing to delete."}, nil
		}

		deleted := 0
		for start := 0; start < len(ids); start += deleteChunkSize {
			end := start + deleteChunkSize
			if end > len(ids) {
				end = len(ids)
			}
			n, err := deps.Conversations.DeleteMessages(ctx, inv.Channel, inv.ChatID, ids[start:end])
			deleted += n
			if err != nil {
				return &Result{Text: fmt.Sprintf("Deleted %d messages before failing: %v", deleted, err)}, nil
			}
		}
		return &Result{Text: fmt.Sprintf("Deleted %d messages.", deleted)}, nil
	}
}

// parseDeleteArgs resolves the argument into either a time bound or a
// message count. Exactly one of the two is set.
func parseDeleteArgs(args string, now time.Time) (since time.Time, count int, err error) {
	switch {
	case args == "":
		return time.Time{}, 0, fmt.Errorf("usage: /delete today | <N>h | <N>")
	case args == "today":
		year, month, day := now.Date()
		return time.Date(year, month, day, 0, 0, 0, 0, now.Location()), 0, nil
	}

	if m := hoursArg.FindStringSubmatch(args); m != nil {
		hours, convErr := strconv.Atoi(m[1])
		if convErr != nil || hours < 1 || hours > deleteMaxHours {
			return time.Time{}, 0, fmt.Errorf("hours must be between 1 and %d", deleteMaxHours)
		}
		return now.Add(-time.Duration(hours) * time.Hour), 0, nil
	}

	n, convErr := strconv.Atoi(args)
	if convErr != nil {
		return time.Time{}, 0, fmt.Errorf("usage: /delete today | <N>h | <N>")
	}
	if n < 1 || n > deleteMaxCount {
		return time.Time{}, 0, fmt.Errorf("count must be between 1 and %d", deleteMaxCount)
	}
	return time.Time{}, n, nil
}

// collectMessageIDs pages through the store 100 at a time, never
// returning more than 500 IDs regardless of the request.
func collectMessageIDs(ctx context.Context, store ConversationStore, channel, chatID string, since time.Time, count int) ([]string, error) {
	limit := deleteMaxCount
	if count > 0 && count < limit {
		limit = count
	}

	var ids []string
	for offset := 0; len(ids) < limit; offset += deletePageSize {
		pageSize := deletePageSize
		if remaining := limit - len(ids); remaining < pageSize {
			pageSize = remaining
		}
		page, err := store.ListMessageIDs(ctx, channel, chatID, since, pageSize, offset)
		if err != nil {
			return nil, err
		}
		ids = append(ids, page...)
		if len(page) < pageSize {
			break
		}
	}
	return ids, nil
}

func haltHandler(deps Deps) Handler {
	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		if deps.Halts == nil {
			return nil, fmt.Errorf("halt manager not configured")
		}
		target := inv.Args
		if target == "" {
			target = halt.TargetAll
		}
		deps.Halts.Halt(target)
		return &Result{Text: fmt.Sprintf("Halted %s.", target)}, nil
	}
}

func resumeHandler(deps Deps) Handler {
	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		if deps.Halts == nil {
			return nil, fmt.Errorf("halt manager not configured")
		}
		target := inv.Args
		if target == "" {
			target = halt.TargetAll
		}
		deps.Halts.Resume(target)
		return &Result{Text: fmt.Sprintf("Resumed %s.", target)}, nil
	}
}
