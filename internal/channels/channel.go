// Package channels polls messaging platforms for inbound messages and
// hands them to the dispatch pipeline one at a time.
package channels

import (
	"context"

	"github.com/calderlabs/overseer/pkg/models"
)

// Adapter is the interface every platform adapter implements. Adapters are
// pull-based: the manager calls Poll on a fixed cadence and the adapter
// returns whatever arrived since the previous call.
type Adapter interface {
	// Channel returns the platform name (telegram, discord).
	Channel() string

	// Initialize authenticates and prepares the adapter for polling.
	Initialize(ctx context.Context) error

	// Poll returns messages received since the last call. Messages from
	// the bot itself must already be filtered out.
	Poll(ctx context.Context) ([]models.IncomingMessage, error)

	// Send delivers text to a chat on this platform.
	Send(ctx context.Context, chatID, text string) error

	// MonitoredChatIDs returns the chats this adapter watches, used for
	// operator notifications. May be empty.
	MonitoredChatIDs() []string

	// Shutdown releases connections. The adapter must not be polled after
	// Shutdown returns.
	Shutdown(ctx context.Context) error
}

// Dispatcher consumes one inbound message. Returning an error marks the
// dispatch failed but never stops the polling loop.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg models.IncomingMessage) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, msg models.IncomingMessage) error

func (f DispatcherFunc) Dispatch(ctx context.Context, msg models.IncomingMessage) error {
	return f(ctx, msg)
}
