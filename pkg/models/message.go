package models

import "time"

// IncomingMessage is the unified inbound message format across all channel
// adapters. IDs are unique within one adapter only.
type IncomingMessage struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`

	// AgentID optionally pins the message to one agent. When empty, the
	// dispatcher resolves the agent through the binding rules.
	AgentID string `json:"agent_id,omitempty"`
}

// ChannelBinding maps a (channel, chat) pair to the agent that handles it.
// ChatIDPattern "*" matches every chat on the channel.
type ChannelBinding struct {
	Channel       string `yaml:"channel" json:"channel"`
	ChatIDPattern string `yaml:"chat_id" json:"chat_id"`
	AgentID       string `yaml:"agent_id" json:"agent_id"`
}

// WildcardChatID is the per-channel wildcard pattern in a binding.
const WildcardChatID = "*"
