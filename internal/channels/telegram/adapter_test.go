package telegram

import (
	"context"
	"testing"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("empty token must be rejected")
	}

	cfg = Config{Token: "123:abc"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	if cfg.Logger == nil {
		t.Error("Validate must default the logger")
	}
}

func TestHandleUpdateConverts(t *testing.T) {
	a, err := NewAdapter(Config{Token: "123:abc"})
	if err != nil {
		t.Fatal(err)
	}
	a.selfID = 42

	a.handleUpdate(context.Background(), nil, &tgmodels.Update{
		Message: &tgmodels.Message{
			ID:   7,
			Chat: tgmodels.Chat{ID: 100},
			From: &tgmodels.User{ID: 9},
			Text: "hello",
			Date: 1700000000,
		},
	})

	msgs, err := a.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.ID != "tg_100_7" || m.Channel != "telegram" || m.ChatID != "100" || m.SenderID != "9" || m.Text != "hello" {
		t.Errorf("unexpected conversion: %+v", m)
	}
}

func TestHandleUpdateFiltersSelfAndBots(t *testing.T) {
	a, err := NewAdapter(Config{Token: "123:abc"})
	if err != nil {
		t.Fatal(err)
	}
	a.selfID = 42

	updates := []*tgmodels.Update{
		{Message: &tgmodels.Message{ID: 1, Chat: tgmodels.Chat{ID: 1}, From: &tgmodels.User{ID: 42}, Text: "self"}},
		{Message: &tgmodels.Message{ID: 2, Chat: tgmodels.Chat{ID: 1}, From: &tgmodels.User{ID: 5, IsBot: true}, Text: "bot"}},
		{Message: nil},
	}
	for _, u := range updates {
		a.handleUpdate(context.Background(), (*bot.Bot)(nil), u)
	}

	msgs, _ := a.Poll(context.Background())
	if len(msgs) != 0 {
		t.Errorf("self and bot messages must be filtered: %v", msgs)
	}
}

func TestPollDrainsQueueOnce(t *testing.T) {
	a, err := NewAdapter(Config{Token: "123:abc"})
	if err != nil {
		t.Fatal(err)
	}

	a.handleUpdate(context.Background(), nil, &tgmodels.Update{
		Message: &tgmodels.Message{ID: 1, Chat: tgmodels.Chat{ID: 1}, From: &tgmodels.User{ID: 9}, Text: "x"},
	})

	first, _ := a.Poll(context.Background())
	second, _ := a.Poll(context.Background())
	if len(first) != 1 || len(second) != 0 {
		t.Errorf("Poll must drain: first=%d second=%d", len(first), len(second))
	}
}

func TestSendRequiresInit(t *testing.T) {
	a, err := NewAdapter(Config{Token: "123:abc"})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Send(context.Background(), "100", "hi"); err == nil {
		t.Error("send before Initialize must fail")
	}
}

func TestMonitoredChatIDsCopies(t *testing.T) {
	a, err := NewAdapter(Config{Token: "123:abc", MonitoredChats: []string{"100"}})
	if err != nil {
		t.Fatal(err)
	}
	chats := a.MonitoredChatIDs()
	chats[0] = "mutated"
	if a.MonitoredChatIDs()[0] != "100" {
		t.Error("MonitoredChatIDs must return a copy")
	}
}
