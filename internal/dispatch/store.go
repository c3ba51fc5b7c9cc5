package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calderlabs/overseer/internal/rpc"
	"github.com/calderlabs/overseer/pkg/models"
)

// ToolCaller is the slice of the tool router the archive uses.
type ToolCaller interface {
	Route(ctx context.Context, publicName string, arguments map[string]any) (*rpc.ToolResult, error)
	HasRoute(publicName string) bool
}

// ConversationArchive persists chat history through the memory tool
// server. It also backs the /delete command.
type ConversationArchive struct {
	router ToolCaller

	storeTool  string
	listTool   string
	deleteTool string
}

// NewConversationArchive binds the archive to the named memory server.
// Returns nil when the server exposes no store_conversation tool, which
// disables archival cleanly.
func NewConversationArchive(router ToolCaller, serverName string) *ConversationArchive {
	a := &ConversationArchive{
		router:     router,
		storeTool:  serverName + "_store_conversation",
		listTool:   serverName + "_list_messages",
		deleteTool: serverName + "_delete_messages",
	}
	if !router.HasRoute(a.storeTool) {
		return nil
	}
	return a
}

// StoreExchange archives one message and the agent's reply.
func (a *ConversationArchive) StoreExchange(ctx context.Context, msg models.IncomingMessage, agentID, reply string) error {
	_, err := a.router.Route(ctx, a.storeTool, map[string]any{
		"message_id": msg.ID,
		"channel":    msg.Channel,
		"chat_id":    msg.ChatID,
		"sender_id":  msg.SenderID,
		"text":       msg.Text,
		"agent_id":   agentID,
		"reply":      reply,
		"timestamp":  msg.Timestamp.UTC().Format(time.RFC3339),
	})
	return err
}

// ListMessageIDs pages through stored message IDs for a chat.
func (a *ConversationArchive) ListMessageIDs(ctx context.Context, channel, chatID string, since time.Time, limit, offset int) ([]string, error) {
	args := map[string]any{
		"channel": channel,
		"chat_id": chatID,
		"limit":   limit,
		"offset":  offset,
	}
	if !since.IsZero() {
		args["since"] = since.UTC().Format(time.RFC3339)
	}

	result, err := a.router.Route(ctx, a.listTool, args)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("list messages: %s", result.Error)
	}

	var payload struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal([]byte(result.Content), &payload); err != nil {
		return nil, fmt.Errorf("parse list result: %w", err)
	}
	return payload.IDs, nil
}

// DeleteMessages removes stored messages and reports the count.
func (a *ConversationArchive) DeleteMessages(ctx context.Context, channel, chatID string, ids []string) (int, error) {
	result, err := a.router.Route(ctx, a.deleteTool, map[string]any{
		"channel": channel,
		"chat_id": chatID,
		"ids":     ids,
	})
	if err != nil {
		return 0, err
	}
	if !result.Success {
		return 0, fmt.Errorf("delete messages: %s", result.Error)
	}

	var payload struct {
		Deleted int `json:"deleted"`
	}
	if err := json.Unmarshal([]byte(result.Content), &payload); err != nil {
		return 0, fmt.Errorf("parse delete result: %w", err)
	}
	return payload.Deleted, nil
}
