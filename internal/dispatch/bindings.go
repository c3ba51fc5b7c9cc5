// Package dispatch routes inbound messages: slash commands first, then
// binding resolution, then delivery to the owning agent's reasoner.
package dispatch

import (
	"sync"

	"github.com/calderlabs/overseer/pkg/models"
)

// Bindings resolves which agent owns a (channel, chat) pair. Resolution
// order is exact match, then the channel's wildcard, then the default
// agent. An empty result means the message is dropped.
type Bindings struct {
	mu           sync.RWMutex
	exact        map[string]string
	wildcard     map[string]string
	defaultAgent string
}

// NewBindings builds the resolution table.
func NewBindings(bindings []models.ChannelBinding, defaultAgent string) *Bindings {
	b := &Bindings{defaultAgent: defaultAgent}
	b.install(bindings)
	return b
}

// Resolve returns the agent for a message, or "" if nothing matches.
func (b *Bindings) Resolve(channel, chatID string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if agent, ok := b.exact[channel+"\x00"+chatID]; ok {
		return agent
	}
	if agent, ok := b.wildcard[channel]; ok {
		return agent
	}
	return b.defaultAgent
}

// Update atomically replaces the binding table.
func (b *Bindings) Update(bindings []models.ChannelBinding) {
	b.install(bindings)
}

func (b *Bindings) install(bindings []models.ChannelBinding) {
	exact := make(map[string]string)
	wildcard := make(map[string]string)
	for _, binding := range bindings {
		if binding.ChatIDPattern == models.WildcardChatID {
			wildcard[binding.Channel] = binding.AgentID
			continue
		}
		exact[binding.Channel+"\x00"+binding.ChatIDPattern] = binding.AgentID
	}

	b.mu.Lock()
	b.exact = exact
	b.wildcard = wildcard
	b.mu.Unlock()
}
