package agents

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calderlabs/overseer/internal/backoff"
	"github.com/calderlabs/overseer/pkg/models"
)

type fakeProcess struct {
	port     int
	stopped  atomic.Bool
	doneOnce sync.Once
	done     chan struct{}
}

func newFakeProcess(port int) *fakeProcess {
	return &fakeProcess{port: port, done: make(chan struct{})}
}

func (p *fakeProcess) Port() int { return p.port }

func (p *fakeProcess) Stop() error {
	p.stopped.Store(true)
	p.doneOnce.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

// exit simulates the child dying on its own, without Stop being called.
func (p *fakeProcess) exit() { p.doneOnce.Do(func() { close(p.done) }) }

type fakeReasoner struct {
	mu          sync.Mutex
	healthErr   error
	resumeErr   error
	resumes     int
	resetWindow bool
	processed   []ProcessRequest
	response    *ProcessResponse
}

func (r *fakeReasoner) Health(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthErr
}

func (r *fakeReasoner) setHealthErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthErr = err
}

func (r *fakeReasoner) ProcessMessage(ctx context.Context, req ProcessRequest) (*ProcessResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = append(r.processed, req)
	if r.response != nil {
		resp := *r.response
		return &resp, nil
	}
	return &ProcessResponse{Success: true, Response: "ok"}, nil
}

func (r *fakeReasoner) ExecuteSkill(ctx context.Context, req SkillRequest) (*SkillResponse, error) {
	return &SkillResponse{Success: true, Summary: "done"}, nil
}

func (r *fakeReasoner) CostResume(ctx context.Context, resetWindow bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumes++
	r.resetWindow = resetWindow
	return r.resumeErr
}

type fakeLauncher struct {
	mu        sync.Mutex
	launches  int
	delay     time.Duration
	err       error
	respond   *ProcessResponse // scripted reply for reasoners launched from here on
	processes []*fakeProcess
	reasoners []*fakeReasoner
}

func (l *fakeLauncher) Launch(ctx context.Context, def models.AgentDefinition, promptPath string) (Process, Reasoner, error) {
	l.mu.Lock()
	l.launches++
	n := l.launches
	l.mu.Unlock()

	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.err != nil {
		return nil, nil, l.err
	}

	proc := newFakeProcess(9000 + n)
	l.mu.Lock()
	reasoner := &fakeReasoner{response: l.respond}
	l.processes = append(l.processes, proc)
	l.reasoners = append(l.reasoners, reasoner)
	l.mu.Unlock()
	return proc, reasoner, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func testDefs() []models.AgentDefinition {
	return []models.AgentDefinition{
		{AgentID: "main", Enabled: true, LLMProvider: models.ProviderAnthropic, Model: "claude-sonnet-4", AllowedTools: []string{"memory_*", "web_fetch"}, DeniedTools: []string{"memory_delete"}},
		{AgentID: "disabled", Enabled: false},
	}
}

func newTestSupervisor(t *testing.T, launcher Launcher) *Supervisor {
	t.Helper()
	return NewSupervisor(testDefs(), Options{
		StateDir: t.TempDir(),
		Launcher: launcher,
	})
}

func TestEnsureRunningSpawnsOnce(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)

	agent, err := s.EnsureRunning(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	if agent.State() != models.AgentRunning {
		t.Errorf("state = %s, want running", agent.State())
	}

	if _, err := s.EnsureRunning(context.Background(), "main"); err != nil {
		t.Fatal(err)
	}
	if l.launchCount() != 1 {
		t.Errorf("launched %d times, want 1", l.launchCount())
	}
}

func TestEnsureRunningRejectsUnknownAndDisabled(t *testing.T) {
	s := newTestSupervisor(t, &fakeLauncher{})

	_, err := s.EnsureRunning(context.Background(), "ghost")
	if models.KindOf(err) != models.KindAgentUnavailable {
		t.Errorf("unknown agent kind = %s", models.KindOf(err))
	}

	_, err = s.EnsureRunning(context.Background(), "disabled")
	if models.KindOf(err) != models.KindAgentUnavailable {
		t.Errorf("disabled agent kind = %s", models.KindOf(err))
	}
}

func TestEnsureRunningConcurrentSharesSpawn(t *testing.T) {
	l := &fakeLauncher{delay: 50 * time.Millisecond}
	s := newTestSupervisor(t, l)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.EnsureRunning(context.Background(), "main")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if l.launchCount() != 1 {
		t.Errorf("launched %d times, want exactly 1", l.launchCount())
	}
}

func TestEnsureRunningFailedSpawnSharedByWaiters(t *testing.T) {
	l := &fakeLauncher{delay: 50 * time.Millisecond, err: errors.New("binary missing")}
	s := newTestSupervisor(t, l)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.EnsureRunning(context.Background(), "main")
		}(i)
	}
	wg.Wait()

	// A failed spawn must not trigger re-spawns from the waiters: all five
	// callers share the one attempt and see the same error.
	if l.launchCount() != 1 {
		t.Errorf("launched %d times, want exactly 1", l.launchCount())
	}
	for i, err := range errs {
		if models.KindOf(err) != models.KindAgentUnavailable {
			t.Errorf("caller %d: err = %v, want agent_unavailable", i, err)
		}
	}
}

func TestChildExitMarksStopped(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)

	agent, err := s.EnsureRunning(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}

	l.processes[0].exit()

	deadline := time.Now().Add(2 * time.Second)
	for agent.State() != models.AgentStopped {
		if time.Now().After(deadline) {
			t.Fatalf("crashed child not detected, state=%s", agent.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if agent.Status().Available {
		t.Error("agent with a dead child must not report available")
	}
	if agent.Reasoner() != nil {
		t.Error("reasoner handle must be cleared on child exit")
	}

	// The next EnsureRunning lazily respawns.
	if _, err := s.EnsureRunning(context.Background(), "main"); err != nil {
		t.Fatal(err)
	}
	if l.launchCount() != 2 {
		t.Errorf("launches = %d, want 2", l.launchCount())
	}
}

func TestEnsureRunningRespawnsAfterStop(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)

	if _, err := s.EnsureRunning(context.Background(), "main"); err != nil {
		t.Fatal(err)
	}
	if err := s.StopAgent(context.Background(), "main"); err != nil {
		t.Fatal(err)
	}
	if !l.processes[0].stopped.Load() {
		t.Error("process not stopped")
	}

	agent, err := s.EnsureRunning(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	if agent.State() != models.AgentRunning || l.launchCount() != 2 {
		t.Errorf("respawn failed: state=%s launches=%d", agent.State(), l.launchCount())
	}
}

func TestSpawnFailure(t *testing.T) {
	l := &fakeLauncher{err: errors.New("binary missing")}
	s := newTestSupervisor(t, l)

	_, err := s.EnsureRunning(context.Background(), "main")
	if models.KindOf(err) != models.KindAgentUnavailable {
		t.Fatalf("kind = %s, want agent_unavailable", models.KindOf(err))
	}

	agent, _ := s.Get("main")
	if agent.State() != models.AgentStopped {
		t.Errorf("failed spawn must leave agent stopped, got %s", agent.State())
	}
}

func TestHealthPassTwoStrikeRestart(t *testing.T) {
	l := &fakeLauncher{}
	s := NewSupervisor(testDefs(), Options{
		StateDir:      t.TempDir(),
		Launcher:      l,
		RestartPolicy: backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 2, MaxAttempts: 5},
	})

	if _, err := s.EnsureRunning(context.Background(), "main"); err != nil {
		t.Fatal(err)
	}
	l.reasoners[0].setHealthErr(errors.New("no answer"))

	// First failure: counted, no restart yet.
	s.healthPass(context.Background())
	if l.launchCount() != 1 {
		t.Fatalf("restarted after a single failure: launches=%d", l.launchCount())
	}

	// Second failure: restart.
	s.healthPass(context.Background())
	if l.launchCount() != 2 {
		t.Fatalf("no restart after two failures: launches=%d", l.launchCount())
	}
	if !l.processes[0].stopped.Load() {
		t.Error("old process not stopped on restart")
	}

	agent, _ := s.Get("main")
	if agent.Status().RestartCount != 1 {
		t.Errorf("restart count = %d, want 1", agent.Status().RestartCount)
	}
}

func TestHealthRecoveryResetsStrikes(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)

	if _, err := s.EnsureRunning(context.Background(), "main"); err != nil {
		t.Fatal(err)
	}

	l.reasoners[0].setHealthErr(errors.New("hiccup"))
	s.healthPass(context.Background())
	l.reasoners[0].setHealthErr(nil)
	s.healthPass(context.Background())
	l.reasoners[0].setHealthErr(errors.New("hiccup again"))
	s.healthPass(context.Background())

	if l.launchCount() != 1 {
		t.Errorf("non-consecutive failures must not restart: launches=%d", l.launchCount())
	}
}

func TestRestartBudgetExhausted(t *testing.T) {
	l := &fakeLauncher{}
	s := NewSupervisor(testDefs(), Options{
		StateDir:      t.TempDir(),
		Launcher:      l,
		RestartPolicy: backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 2, MaxAttempts: 2},
	})

	agent, err := s.EnsureRunning(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		l.mu.Lock()
		last := l.reasoners[len(l.reasoners)-1]
		l.mu.Unlock()
		last.setHealthErr(errors.New("down"))
		s.healthPass(context.Background())
		s.healthPass(context.Background())
	}

	if agent.State() != models.AgentStopped {
		t.Errorf("exhausted agent should stay down, state=%s", agent.State())
	}
	// Initial launch plus MaxAttempts-1 restarts before exhaustion.
	if l.launchCount() > 3 {
		t.Errorf("too many restarts after exhaustion: %d", l.launchCount())
	}
}

func TestManualStopResetsRestartCount(t *testing.T) {
	l := &fakeLauncher{}
	s := NewSupervisor(testDefs(), Options{
		StateDir:      t.TempDir(),
		Launcher:      l,
		RestartPolicy: backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 2, MaxAttempts: 5},
	})

	agent, err := s.EnsureRunning(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	l.reasoners[0].setHealthErr(errors.New("down"))
	s.healthPass(context.Background())
	s.healthPass(context.Background())
	if agent.Status().RestartCount != 1 {
		t.Fatalf("restart count = %d", agent.Status().RestartCount)
	}

	if err := s.StopAgent(context.Background(), "main"); err != nil {
		t.Fatal(err)
	}
	if agent.Status().RestartCount != 0 {
		t.Errorf("manual stop must reset restart count, got %d", agent.Status().RestartCount)
	}
}

func TestIdlePassStopsIdleAgents(t *testing.T) {
	defs := []models.AgentDefinition{{AgentID: "main", Enabled: true, IdleTimeoutMinutes: 1}}
	l := &fakeLauncher{}
	s := NewSupervisor(defs, Options{StateDir: t.TempDir(), Launcher: l})

	agent, err := s.EnsureRunning(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}

	agent.mu.Lock()
	agent.lastActivity = time.Now().Add(-2 * time.Minute)
	agent.mu.Unlock()

	s.idlePass(context.Background())
	if agent.State() != models.AgentStopped {
		t.Errorf("idle agent not stopped, state=%s", agent.State())
	}
}

func TestIdlePassKeepsActiveAgents(t *testing.T) {
	defs := []models.AgentDefinition{{AgentID: "main", Enabled: true, IdleTimeoutMinutes: 1}}
	l := &fakeLauncher{}
	s := NewSupervisor(defs, Options{StateDir: t.TempDir(), Launcher: l})

	agent, err := s.EnsureRunning(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	agent.Touch()

	s.idlePass(context.Background())
	if agent.State() != models.AgentRunning {
		t.Errorf("active agent must survive idle pass, state=%s", agent.State())
	}
}

func TestResumeAgent(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)

	agent, err := s.EnsureRunning(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.ResumeAgent(context.Background(), "main", false); models.KindOf(err) != models.KindInvalidArgument {
		t.Errorf("resume of unpaused agent should be invalid_argument, got %v", err)
	}

	agent.MarkPaused("hard cap reached")
	if agent.Status().Available {
		t.Error("paused agent must not report available")
	}

	if err := s.ResumeAgent(context.Background(), "main", true); err != nil {
		t.Fatal(err)
	}
	if paused, _ := agent.Paused(); paused {
		t.Error("pause flag not cleared")
	}
	if l.reasoners[0].resumes != 1 {
		t.Errorf("reasoner resume calls = %d, want 1", l.reasoners[0].resumes)
	}
	if !l.reasoners[0].resetWindow {
		t.Error("resetWindow flag not forwarded to the reasoner")
	}
}

func TestResumeFailureKeepsPause(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)

	agent, err := s.EnsureRunning(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	agent.MarkPaused("hard cap reached")
	l.reasoners[0].resumeErr = errors.New("still over budget")

	if err := s.ResumeAgent(context.Background(), "main", false); err == nil {
		t.Fatal("expected resume failure")
	}
	if paused, _ := agent.Paused(); !paused {
		t.Error("pause flag must survive a failed resume")
	}
}

func TestStatusesSorted(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)
	if _, err := s.EnsureRunning(context.Background(), "main"); err != nil {
		t.Fatal(err)
	}

	statuses := s.Statuses()
	if len(statuses) != 1 || statuses[0].AgentID != "main" {
		t.Errorf("statuses = %+v", statuses)
	}
	if !statuses[0].Available {
		t.Error("running unpaused agent must be available")
	}
}
