// Package telegram adapts the Telegram Bot API to the channels.Adapter
// interface. Updates arrive over long polling and are buffered until the
// manager's next Poll.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/calderlabs/overseer/pkg/models"
)

const queueSize = 256

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// MonitoredChats are the chat IDs used for operator notifications.
	MonitoredChats []string

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("telegram: token is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter for Telegram.
type Adapter struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	bot    *bot.Bot
	selfID int64
	cancel context.CancelFunc

	queue chan models.IncomingMessage
}

// NewAdapter creates a Telegram adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config: config,
		logger: config.Logger.With("adapter", "telegram"),
		queue:  make(chan models.IncomingMessage, queueSize),
	}, nil
}

// Channel returns "telegram".
func (a *Adapter) Channel() string { return "telegram" }

// Initialize authenticates and starts the long-polling loop.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, err := bot.New(a.config.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}

	me, err := b.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: authenticate: %w", err)
	}
	a.bot = b
	a.selfID = me.ID

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go b.Start(loopCtx)

	a.logger.Info("telegram adapter initialized", "bot", me.Username)
	return nil
}

// handleUpdate buffers one inbound update. The queue is bounded; when it
// is full the update is dropped with a warning rather than blocking the
// bot's receive loop.
func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if msg.From.IsBot || msg.From.ID == a.selfID {
		return
	}

	incoming := models.IncomingMessage{
		ID:        fmt.Sprintf("tg_%d_%d", msg.Chat.ID, msg.ID),
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		SenderID:  strconv.FormatInt(msg.From.ID, 10),
		Text:      msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0).UTC(),
	}

	select {
	case a.queue <- incoming:
	default:
		a.logger.Warn("inbound queue full, dropping message", "chat_id", incoming.ChatID)
	}
}

// Poll drains the buffered updates.
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

// Send delivers text to a chat.
func (a *Adapter) Send(ctx context.Context, chatID, text string) error {
	a.mu.Lock()
	b := a.bot
	a.mu.Unlock()
	if b == nil {
		return fmt.Errorf("telegram: adapter not initialized")
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: chat id %q: %w", chatID, err)
	}
	_, err = b.SendMessage(ctx, &bot.SendMessageParams{ChatID: id, Text: text})
	if err != nil {
		return fmt.Errorf("telegram: send to %s: %w", chatID, err)
	}
	return nil
}

// MonitoredChatIDs returns the configured notification chats.
func (a *Adapter) MonitoredChatIDs() []string {
	return append([]string(nil), a.config.MonitoredChats...)
}

// Shutdown stops the polling loop.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.bot = nil
	a.logger.Info("telegram adapter stopped")
	return nil
}
