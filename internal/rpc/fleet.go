package rpc

import (
	"context"
	"log/slog"
	"time"

	"github.com/calderlabs/overseer/internal/backoff"
	"github.com/calderlabs/overseer/internal/observability"
)

const (
	defaultFleetInterval = 30 * time.Second
	healthStrikeLimit    = 2
)

// Member is one supervised tool server. *Client satisfies it; the seam
// exists so the fleet's restart logic is testable without subprocesses.
type Member interface {
	Name() string
	Running() bool
	HealthCheck(ctx context.Context) bool
	Restart(ctx context.Context) error
}

// FleetOptions tune the tool-server health loop.
type FleetOptions struct {
	CheckInterval time.Duration
	RestartPolicy backoff.Policy

	// OnRestart runs after every successful restart, so catalogs can be
	// re-discovered for the revived server.
	OnRestart func(ctx context.Context)

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// memberState is the fleet's bookkeeping for one server.
type memberState struct {
	member   Member
	strikes  int
	restarts int
	givenUp  bool
}

// Fleet health-monitors the tool-server subprocesses and restarts the
// ones that go quiet. Two consecutive probe failures trigger a restart
// with backoff; a member that exhausts its restart budget is left down
// and its routed calls keep failing as unavailable.
type Fleet struct {
	opts    FleetOptions
	logger  *slog.Logger
	members []*memberState

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewFleet builds a fleet over already-started members.
func NewFleet(members []Member, opts FleetOptions) *Fleet {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultFleetInterval
	}
	if opts.RestartPolicy.Initial == 0 {
		opts.RestartPolicy = backoff.RestartPolicy()
	}

	states := make([]*memberState, 0, len(members))
	for _, member := range members {
		states = append(states, &memberState{member: member})
	}
	return &Fleet{
		opts:    opts,
		logger:  opts.Logger.With("component", "fleet"),
		members: states,
	}
}

// Start launches the periodic health loop.
func (f *Fleet) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.Background())
	f.loopCancel = cancel
	f.loopDone = make(chan struct{})
	go f.run(loopCtx)
}

// Stop halts the health loop. The members themselves are not stopped;
// their lifecycle belongs to the caller.
func (f *Fleet) Stop() {
	if f.loopCancel != nil {
		f.loopCancel()
		<-f.loopDone
	}
}

func (f *Fleet) run(ctx context.Context) {
	defer close(f.loopDone)

	ticker := time.NewTicker(f.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.checkPass(ctx)
		}
	}
}

// checkPass probes every member once. A dead process restarts immediately;
// a live one gets the two-strike treatment so a single slow probe never
// bounces a healthy server.
func (f *Fleet) checkPass(ctx context.Context) {
	for _, state := range f.members {
		if state.givenUp {
			continue
		}

		if state.member.Running() && state.member.HealthCheck(ctx) {
			state.strikes = 0
			state.restarts = 0
			continue
		}

		state.strikes++
		f.logger.Warn("tool server unhealthy",
			"server", state.member.Name(), "consecutive", state.strikes, "running", state.member.Running())
		if !state.member.Running() || state.strikes >= healthStrikeLimit {
			f.restartMember(ctx, state)
		}
	}
}

// restartMember replaces a failed server process, honoring the backoff
// policy. Exhausting the budget leaves the member down for good.
func (f *Fleet) restartMember(ctx context.Context, state *memberState) {
	state.restarts++
	name := state.member.Name()

	if f.opts.RestartPolicy.Exhausted(state.restarts) {
		state.givenUp = true
		f.logger.Error("restart budget exhausted, leaving tool server down",
			"server", name, "attempts", state.restarts)
		return
	}

	if f.opts.Metrics != nil {
		f.opts.Metrics.ServerRestarts.WithLabelValues(name).Inc()
	}

	delay := f.opts.RestartPolicy.Delay(state.restarts)
	f.logger.Info("restarting tool server", "server", name, "attempt", state.restarts, "delay", delay)
	if err := backoff.Sleep(ctx, delay); err != nil {
		return
	}

	if err := state.member.Restart(ctx); err != nil {
		f.logger.Error("tool server restart failed", "server", name, "error", err)
		return
	}

	state.strikes = 0
	if f.opts.OnRestart != nil {
		f.opts.OnRestart(ctx)
	}
}
