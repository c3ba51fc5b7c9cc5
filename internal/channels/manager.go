package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/calderlabs/overseer/internal/halt"
	"github.com/calderlabs/overseer/internal/observability"
	"github.com/calderlabs/overseer/pkg/models"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxPerCycle  = 50
	dedupeWindow        = 2048
)

// ManagerOptions tune the polling loop.
type ManagerOptions struct {
	PollInterval time.Duration
	MaxPerCycle  int
	Logger       *slog.Logger
	Metrics      *observability.Metrics
}

// Manager drives every adapter on one shared cadence. Adapters are polled
// independently so one platform outage never starves the others, but
// dispatch within a cycle is strictly sequential.
type Manager struct {
	adapters   []Adapter
	dispatcher Dispatcher
	halts      *halt.Manager
	logger     *slog.Logger
	metrics    *observability.Metrics

	interval    time.Duration
	maxPerCycle int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	seenMu sync.Mutex
	seen   map[string]map[string]struct{}
	order  map[string][]string
}

// NewManager wires adapters to a dispatcher.
func NewManager(adapters []Adapter, dispatcher Dispatcher, halts *halt.Manager, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxPerCycle <= 0 {
		opts.MaxPerCycle = defaultMaxPerCycle
	}
	return &Manager{
		adapters:    adapters,
		dispatcher:  dispatcher,
		halts:       halts,
		logger:      opts.Logger.With("component", "channels"),
		metrics:     opts.Metrics,
		interval:    opts.PollInterval,
		maxPerCycle: opts.MaxPerCycle,
		seen:        make(map[string]map[string]struct{}),
		order:       make(map[string][]string),
	}
}

// Start initializes every adapter and begins the polling loop. Start on a
// running manager is a no-op. An adapter that fails to initialize is
// dropped with an error log; the rest keep running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	var live []Adapter
	for _, adapter := range m.adapters {
		if err := adapter.Initialize(ctx); err != nil {
			m.logger.Error("adapter initialization failed, dropping",
				"channel", adapter.Channel(), "error", err)
			continue
		}
		live = append(live, adapter)
	}
	m.adapters = live

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.loop(loopCtx)
	m.logger.Info("channel polling started", "adapters", len(live), "interval", m.interval)
	return nil
}

// Stop halts polling and shuts every adapter down. Stop on a stopped
// manager is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	done := m.done
	m.mu.Unlock()

	<-done

	for _, adapter := range m.adapters {
		if err := adapter.Shutdown(ctx); err != nil {
			m.logger.Warn("adapter shutdown failed", "channel", adapter.Channel(), "error", err)
		}
	}
	m.logger.Info("channel polling stopped")
	return nil
}

// Send delivers text on the named channel.
func (m *Manager) Send(ctx context.Context, channel, chatID, text string) error {
	for _, adapter := range m.adapters {
		if adapter.Channel() == channel {
			return adapter.Send(ctx, chatID, text)
		}
	}
	return models.NewError(models.KindInvalidArgument, "no adapter for channel %s", channel)
}

// NotifyTargets returns one (channel, chatID) pair per adapter that
// monitors at least one chat, used for operator notifications.
func (m *Manager) NotifyTargets() [][2]string {
	var targets [][2]string
	for _, adapter := range m.adapters {
		if chats := adapter.MonitoredChatIDs(); len(chats) > 0 {
			targets = append(targets, [2]string{adapter.Channel(), chats[0]})
		}
	}
	return targets
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	// First cycle runs immediately so startup does not sit out a full
	// poll interval before draining anything.
	m.cycle(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

// cycle polls every adapter once and dispatches what came back.
func (m *Manager) cycle(ctx context.Context) {
	if m.halts != nil && m.halts.IsTargetHalted(halt.TargetChannels) {
		return
	}

	for _, adapter := range m.adapters {
		m.pollAdapter(ctx, adapter)
	}
}

func (m *Manager) pollAdapter(ctx context.Context, adapter Adapter) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in adapter poll", "channel", adapter.Channel(), "panic", r)
		}
	}()

	msgs, err := adapter.Poll(ctx)
	if err != nil {
		m.logger.Warn("poll failed", "channel", adapter.Channel(), "error", err)
		if m.metrics != nil {
			m.metrics.PollErrors.WithLabelValues(adapter.Channel()).Inc()
		}
		return
	}
	if m.metrics != nil {
		m.metrics.MessagesPolled.WithLabelValues(adapter.Channel()).Add(float64(len(msgs)))
	}

	if len(msgs) > m.maxPerCycle {
		m.logger.Warn("truncating poll batch",
			"channel", adapter.Channel(), "received", len(msgs), "cap", m.maxPerCycle)
		msgs = msgs[:m.maxPerCycle]
	}

	for _, msg := range msgs {
		if m.alreadySeen(msg) {
			continue
		}
		m.dispatchOne(ctx, msg)
	}
}

func (m *Manager) dispatchOne(ctx context.Context, msg models.IncomingMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in dispatch", "channel", msg.Channel, "message_id", msg.ID, "panic", r)
			m.recordDispatch(msg.Channel, "panic")
		}
	}()

	started := time.Now()
	err := m.dispatcher.Dispatch(ctx, msg)
	if m.metrics != nil {
		m.metrics.DispatchDuration.WithLabelValues(msg.Channel).Observe(time.Since(started).Seconds())
	}

	if err != nil {
		m.logger.Error("dispatch failed", "channel", msg.Channel, "message_id", msg.ID, "error", err)
		m.recordDispatch(msg.Channel, "error")
		return
	}
	m.recordDispatch(msg.Channel, "ok")
}

func (m *Manager) recordDispatch(channel, outcome string) {
	if m.metrics != nil {
		m.metrics.MessagesDispatched.WithLabelValues(channel, outcome).Inc()
	}
}

// alreadySeen tracks recent message IDs per channel so a re-delivered
// update is processed at most once. The window is bounded; eviction is
// oldest-first.
func (m *Manager) alreadySeen(msg models.IncomingMessage) bool {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()

	set := m.seen[msg.Channel]
	if set == nil {
		set = make(map[string]struct{})
		m.seen[msg.Channel] = set
	}
	if _, dup := set[msg.ID]; dup {
		return true
	}

	set[msg.ID] = struct{}{}
	m.order[msg.Channel] = append(m.order[msg.Channel], msg.ID)
	if len(m.order[msg.Channel]) > dedupeWindow {
		oldest := m.order[msg.Channel][0]
		m.order[msg.Channel] = m.order[msg.Channel][1:]
		delete(set, oldest)
	}
	return false
}
