// Package discord adapts the Discord gateway to the channels.Adapter
// interface. Gateway events are buffered until the manager's next Poll.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/calderlabs/overseer/pkg/models"
)

const queueSize = 256

// session is the slice of discordgo.Session the adapter uses, split out so
// tests can substitute a fake.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token from the Discord developer portal (required).
	Token string

	// ChannelIDs restricts which channels are watched. Empty means every
	// channel the bot can see.
	ChannelIDs []string

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("discord: token is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter for Discord.
type Adapter struct {
	config  Config
	logger  *slog.Logger
	watched map[string]bool

	mu      sync.Mutex
	session session
	selfID  string

	queue chan models.IncomingMessage
}

// NewAdapter creates a Discord adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	watched := make(map[string]bool, len(config.ChannelIDs))
	for _, id := range config.ChannelIDs {
		watched[id] = true
	}
	return &Adapter{
		config:  config,
		logger:  config.Logger.With("adapter", "discord"),
		watched: watched,
		queue:   make(chan models.IncomingMessage, queueSize),
	}, nil
}

// Channel returns "discord".
func (a *Adapter) Channel() string { return "discord" }

// Initialize opens the gateway connection and registers the message
// handler.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
		a.session = dg
	}

	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleMessageCreate)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.logger.Info("discord adapter initialized")
	return nil
}

func (a *Adapter) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	a.selfID = r.User.ID
	a.mu.Unlock()
	a.logger.Info("discord gateway ready", "user", r.User.Username)
}

// handleMessageCreate buffers one gateway event. The queue is bounded;
// overflow drops the event with a warning instead of blocking the gateway
// reader.
func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	self := a.selfID
	a.mu.Unlock()
	if m.Author.ID == self {
		return
	}
	if len(a.watched) > 0 && !a.watched[m.ChannelID] {
		return
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	incoming := models.IncomingMessage{
		ID:        "dc_" + m.ID,
		Channel:   "discord",
		ChatID:    m.ChannelID,
		SenderID:  m.Author.ID,
		Text:      m.Content,
		Timestamp: ts.UTC(),
	}

	select {
	case a.queue <- incoming:
	default:
		a.logger.Warn("inbound queue full, dropping message", "chat_id", incoming.ChatID)
	}
}

// Poll drains the buffered events.
func (a *Adapter) Poll(ctx context.Context) ([]models.IncomingMessage, error) {
	var msgs []models.IncomingMessage
	for {
		select {
		case msg := <-a.queue:
			msgs = append(msgs, msg)
		default:
			return msgs, nil
		}
	}
}

// Send delivers text to a channel.
func (a *Adapter) Send(ctx context.Context, chatID, text string) error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return fmt.Errorf("discord: adapter not initialized")
	}
	if _, err := s.ChannelMessageSend(chatID, text); err != nil {
		return fmt.Errorf("discord: send to %s: %w", chatID, err)
	}
	return nil
}

// MonitoredChatIDs returns the configured watched channels.
func (a *Adapter) MonitoredChatIDs() []string {
	return append([]string(nil), a.config.ChannelIDs...)
}

// Shutdown closes the gateway connection.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	err := a.session.Close()
	a.session = nil
	a.logger.Info("discord adapter stopped")
	return err
}
