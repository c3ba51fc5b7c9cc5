package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/calderlabs/overseer/internal/halt"
	"github.com/calderlabs/overseer/pkg/models"
)

type fakeAdapter struct {
	mu        sync.Mutex
	name      string
	initErr   error
	pollErr   error
	batches   [][]models.IncomingMessage
	pollCount int
	sent      []string
	shutdowns int
	monitored []string
	panicPoll bool
}

func (f *fakeAdapter) Channel() string { return f.name }

func (f *fakeAdapter) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeAdapter) Poll(ctx context.Context) ([]models.IncomingMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicPoll {
		panic("adapter blew up")
	}
	idx := f.pollCount
	f.pollCount++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if idx < len(f.batches) {
		return f.batches[idx], nil
	}
	return nil, nil
}

func (f *fakeAdapter) Send(ctx context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+":"+text)
	return nil
}

func (f *fakeAdapter) MonitoredChatIDs() []string { return f.monitored }

func (f *fakeAdapter) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	got  []models.IncomingMessage
	errs map[string]error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, msg models.IncomingMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, msg)
	if d.errs != nil {
		return d.errs[msg.ID]
	}
	return nil
}

func (d *recordingDispatcher) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for _, m := range d.got {
		ids = append(ids, m.ID)
	}
	return ids
}

func msg(channel, id string) models.IncomingMessage {
	return models.IncomingMessage{ID: id, Channel: channel, ChatID: "c1", Text: "hi", Timestamp: time.Now()}
}

func newManager(d Dispatcher, h *halt.Manager, adapters ...Adapter) *Manager {
	return NewManager(adapters, d, h, ManagerOptions{PollInterval: time.Hour})
}

func TestCycleDispatchesInOrder(t *testing.T) {
	a := &fakeAdapter{name: "telegram", batches: [][]models.IncomingMessage{
		{msg("telegram", "1"), msg("telegram", "2"), msg("telegram", "3")},
	}}
	d := &recordingDispatcher{}
	m := newManager(d, nil, a)

	m.cycle(context.Background())

	ids := d.ids()
	if len(ids) != 3 || ids[0] != "1" || ids[1] != "2" || ids[2] != "3" {
		t.Errorf("dispatch order = %v", ids)
	}
}

func TestCycleDeduplicates(t *testing.T) {
	a := &fakeAdapter{name: "telegram", batches: [][]models.IncomingMessage{
		{msg("telegram", "1"), msg("telegram", "2")},
		{msg("telegram", "2"), msg("telegram", "3")},
	}}
	d := &recordingDispatcher{}
	m := newManager(d, nil, a)

	m.cycle(context.Background())
	m.cycle(context.Background())

	ids := d.ids()
	if len(ids) != 3 {
		t.Errorf("expected 3 unique dispatches, got %v", ids)
	}
}

func TestCycleCapsBatch(t *testing.T) {
	var batch []models.IncomingMessage
	for i := 0; i < 10; i++ {
		batch = append(batch, msg("telegram", string(rune('a'+i))))
	}
	a := &fakeAdapter{name: "telegram", batches: [][]models.IncomingMessage{batch}}
	d := &recordingDispatcher{}
	m := NewManager([]Adapter{a}, d, nil, ManagerOptions{PollInterval: time.Hour, MaxPerCycle: 4})

	m.cycle(context.Background())

	if got := len(d.ids()); got != 4 {
		t.Errorf("dispatched %d messages, cap is 4", got)
	}
}

func TestAdapterFailureIsolated(t *testing.T) {
	broken := &fakeAdapter{name: "discord", pollErr: errors.New("gateway down")}
	healthy := &fakeAdapter{name: "telegram", batches: [][]models.IncomingMessage{{msg("telegram", "1")}}}
	d := &recordingDispatcher{}
	m := newManager(d, nil, broken, healthy)

	m.cycle(context.Background())

	if got := d.ids(); len(got) != 1 || got[0] != "1" {
		t.Errorf("healthy adapter starved by broken sibling: %v", got)
	}
}

func TestAdapterPanicIsolated(t *testing.T) {
	exploding := &fakeAdapter{name: "discord", panicPoll: true}
	healthy := &fakeAdapter{name: "telegram", batches: [][]models.IncomingMessage{{msg("telegram", "1")}}}
	d := &recordingDispatcher{}
	m := newManager(d, nil, exploding, healthy)

	m.cycle(context.Background())

	if len(d.ids()) != 1 {
		t.Error("panic in one adapter must not stop the cycle")
	}
}

func TestDispatchErrorDoesNotStopCycle(t *testing.T) {
	a := &fakeAdapter{name: "telegram", batches: [][]models.IncomingMessage{
		{msg("telegram", "1"), msg("telegram", "2")},
	}}
	d := &recordingDispatcher{errs: map[string]error{"1": errors.New("boom")}}
	m := newManager(d, nil, a)

	m.cycle(context.Background())

	if len(d.ids()) != 2 {
		t.Errorf("later messages must dispatch after a failure: %v", d.ids())
	}
}

func TestHaltSkipsPolling(t *testing.T) {
	a := &fakeAdapter{name: "telegram", batches: [][]models.IncomingMessage{{msg("telegram", "1")}}}
	d := &recordingDispatcher{}
	h := halt.NewManager(nil)
	m := newManager(d, h, a)

	h.Halt(halt.TargetChannels)
	m.cycle(context.Background())
	if len(d.ids()) != 0 {
		t.Error("halted channels must not poll")
	}

	h.Resume(halt.TargetChannels)
	m.cycle(context.Background())
	if len(d.ids()) != 1 {
		t.Error("resume must restore polling")
	}
}

func TestStartPollsImmediately(t *testing.T) {
	a := &fakeAdapter{name: "telegram", batches: [][]models.IncomingMessage{{msg("telegram", "1")}}}
	d := &recordingDispatcher{}
	// An hour-long interval: anything dispatched below came from the
	// immediate first cycle, not a tick.
	m := NewManager([]Adapter{a}, d, nil, ManagerOptions{PollInterval: time.Hour})

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := d.ids(); len(got) == 1 && got[0] == "1" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("first cycle never ran: dispatched %v", d.ids())
}

func TestStartDropsFailedAdapter(t *testing.T) {
	bad := &fakeAdapter{name: "discord", initErr: errors.New("bad token")}
	good := &fakeAdapter{name: "telegram"}
	m := NewManager([]Adapter{bad, good}, &recordingDispatcher{}, nil, ManagerOptions{PollInterval: time.Hour})

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	if len(m.adapters) != 1 || m.adapters[0].Channel() != "telegram" {
		t.Errorf("failed adapter not dropped: %d live", len(m.adapters))
	}
}

func TestStartStopIdempotent(t *testing.T) {
	a := &fakeAdapter{name: "telegram"}
	m := NewManager([]Adapter{a}, &recordingDispatcher{}, nil, ManagerOptions{PollInterval: time.Hour})

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if a.shutdowns != 1 {
		t.Errorf("adapter shut down %d times, want 1", a.shutdowns)
	}
}

func TestSendRoutesByChannel(t *testing.T) {
	tg := &fakeAdapter{name: "telegram"}
	dc := &fakeAdapter{name: "discord"}
	m := newManager(&recordingDispatcher{}, nil, tg, dc)

	if err := m.Send(context.Background(), "discord", "chan-1", "hello"); err != nil {
		t.Fatal(err)
	}
	if len(dc.sent) != 1 || len(tg.sent) != 0 {
		t.Errorf("send routed incorrectly: tg=%v dc=%v", tg.sent, dc.sent)
	}

	err := m.Send(context.Background(), "slack", "x", "y")
	if models.KindOf(err) != models.KindInvalidArgument {
		t.Errorf("unknown channel should be invalid_argument, got %v", err)
	}
}

func TestNotifyTargets(t *testing.T) {
	tg := &fakeAdapter{name: "telegram", monitored: []string{"111", "222"}}
	dc := &fakeAdapter{name: "discord"}
	m := newManager(&recordingDispatcher{}, nil, tg, dc)

	targets := m.NotifyTargets()
	if len(targets) != 1 || targets[0] != [2]string{"telegram", "111"} {
		t.Errorf("NotifyTargets = %v", targets)
	}
}
