package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/calderlabs/overseer/internal/agents"
	"github.com/calderlabs/overseer/internal/commands"
	"github.com/calderlabs/overseer/pkg/models"
)

var tracer = otel.Tracer("overseer/dispatch")

// Sender delivers replies back to a channel chat.
type Sender interface {
	Send(ctx context.Context, channel, chatID, text string) error
}

// Pipeline is the per-message dispatch path.
type Pipeline struct {
	registry   *commands.Registry
	bindings   *Bindings
	supervisor *agents.Supervisor
	sender     Sender
	archive    *ConversationArchive
	logger     *slog.Logger
}

// NewPipeline wires the dispatch stages together. The archive may be nil
// when no memory server is configured.
func NewPipeline(registry *commands.Registry, bindings *Bindings, supervisor *agents.Supervisor, sender Sender, archive *ConversationArchive, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry:   registry,
		bindings:   bindings,
		supervisor: supervisor,
		sender:     sender,
		archive:    archive,
		logger:     logger.With("component", "dispatch"),
	}
}

// Dispatch processes one inbound message end to end: slash commands are
// intercepted before any agent is involved; everything else is delivered
// to the bound agent's reasoner and the reply sent back.
func (p *Pipeline) Dispatch(ctx context.Context, msg models.IncomingMessage) error {
	ctx, span := tracer.Start(ctx, "dispatch.message", trace.WithAttributes(
		attribute.String("channel", msg.Channel),
		attribute.String("chat_id", msg.ChatID),
		attribute.String("message_id", msg.ID),
	))
	defer span.End()

	if name, args, ok := commands.Parse(msg.Text); ok {
		handled, result, err := p.registry.Handle(ctx, &commands.Invocation{
			Name:     name,
			Args:     args,
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			SenderID: msg.SenderID,
		})
		if err != nil {
			return err
		}
		if handled {
			span.SetAttributes(attribute.String("outcome", "command"))
			if result != nil && result.Text != "" {
				return p.sender.Send(ctx, msg.Channel, msg.ChatID, result.Text)
			}
			return nil
		}
		// Unknown command: falls through to the agent as plain text.
	}

	agentID := msg.AgentID
	if agentID == "" {
		agentID = p.bindings.Resolve(msg.Channel, msg.ChatID)
	}
	if agentID == "" {
		p.logger.Debug("no binding for message, dropping",
			"channel", msg.Channel, "chat_id", msg.ChatID)
		span.SetAttributes(attribute.String("outcome", "unbound"))
		return nil
	}
	span.SetAttributes(attribute.String("agent", agentID))

	agent, err := p.supervisor.EnsureRunning(ctx, agentID)
	if err != nil {
		p.notify(ctx, msg, fmt.Sprintf("Agent %s is unavailable right now.", agentID))
		return err
	}
	agent.Touch()

	if paused, reason := agent.Paused(); paused {
		span.SetAttributes(attribute.String("outcome", "paused"))
		p.notifyPause(ctx, agent, msg, pauseNotice(agentID, reason))
		return models.NewError(models.KindAgentPaused, "agent %s is paused: %s", agentID, reason)
	}

	reasoner := agent.Reasoner()
	if reasoner == nil {
		return models.NewError(models.KindAgentUnavailable, "agent %s has no reasoner", agentID)
	}

	resp, err := reasoner.ProcessMessage(ctx, agents.ProcessRequest{
		ID:       msg.ID,
		ChatID:   msg.ChatID,
		SenderID: msg.SenderID,
		Text:     msg.Text,
		Date:     msg.Timestamp,
		AgentID:  agentID,
	})
	if err != nil {
		p.notify(ctx, msg, "Something went wrong handling that message.")
		return err
	}

	// The reasoner reporting a cost pause is authoritative: record it so
	// later messages short-circuit without reaching the reasoner.
	if resp.Paused {
		agent.MarkPaused(resp.PauseReason)
		span.SetAttributes(attribute.String("outcome", "cost_paused"))
		p.notifyPause(ctx, agent, msg, pauseNotice(agentID, resp.PauseReason))
		return nil
	}

	if !resp.Success {
		span.SetAttributes(attribute.String("outcome", "agent_error"))
		p.notify(ctx, msg, "The agent could not complete that request.")
		return models.NewError(models.KindAgentUnavailable, "agent %s: %s", agentID, resp.Error)
	}

	if resp.Response != "" {
		if err := p.sender.Send(ctx, msg.Channel, msg.ChatID, resp.Response); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}

	p.archiveExchange(ctx, msg, agentID, resp.Response)
	span.SetAttributes(attribute.String("outcome", "ok"))
	return nil
}

// archiveExchange stores the message and its reply. Failures are logged
// and swallowed: archival never blocks the conversation.
func (p *Pipeline) archiveExchange(ctx context.Context, msg models.IncomingMessage, agentID, reply string) {
	if p.archive == nil {
		return
	}
	if err := p.archive.StoreExchange(ctx, msg, agentID, reply); err != nil {
		p.logger.Warn("conversation archive failed",
			"channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
	}
}

func (p *Pipeline) notify(ctx context.Context, msg models.IncomingMessage, text string) {
	if err := p.sender.Send(ctx, msg.Channel, msg.ChatID, text); err != nil {
		p.logger.Warn("notification send failed", "channel", msg.Channel, "error", err)
	}
}

// notifyPause sends a pause notice to the agent's configured cost-control
// notify chat, falling back to the chat the message came from.
func (p *Pipeline) notifyPause(ctx context.Context, agent *agents.Managed, msg models.IncomingMessage, text string) {
	channel, chatID := msg.Channel, msg.ChatID
	if cc := agent.Definition().CostControls; cc != nil && cc.NotifyChannel != "" && cc.NotifyChatID != "" {
		channel, chatID = cc.NotifyChannel, cc.NotifyChatID
	}
	if err := p.sender.Send(ctx, channel, chatID, text); err != nil {
		p.logger.Warn("pause notification send failed", "channel", channel, "error", err)
	}
}

func pauseNotice(agentID, reason string) string {
	if reason == "" {
		return fmt.Sprintf("Agent %s is paused.", agentID)
	}
	return fmt.Sprintf("Agent %s is paused: %s", agentID, reason)
}
