// Package scheduler runs the per-minute evaluation loop over jobs and
// skills. Jobs execute directly through the tool router with no LLM
// involved; skills are instruction templates handed to a reasoner.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/calderlabs/overseer/internal/halt"
	"github.com/calderlabs/overseer/internal/observability"
	"github.com/calderlabs/overseer/internal/rpc"
	"github.com/calderlabs/overseer/pkg/models"
)

var tracer = otel.Tracer("overseer/scheduler")

const (
	// maxItemsPerPass bounds a single tick; overflow waits for the next
	// minute.
	maxItemsPerPass = 100

	// failureCooldown holds a skill back after an error run.
	failureCooldown = 5 * time.Minute
)

// ToolCaller is the slice of the tool router the scheduler uses.
type ToolCaller interface {
	Route(ctx context.Context, publicName string, arguments map[string]any) (*rpc.ToolResult, error)
	HasRoute(publicName string) bool
}

// SkillRunner executes a skill's instructions on a reasoner and returns
// its summary.
type SkillRunner interface {
	RunSkill(ctx context.Context, skill models.Skill, notifyChatID string) (string, error)
}

// Notifier delivers operator-facing notifications to a chat.
type Notifier interface {
	Send(ctx context.Context, channel, chatID, text string) error
}

// Options wires the scheduler's collaborators.
type Options struct {
	Store  *Store
	Router ToolCaller
	Runner SkillRunner
	Halts  *halt.Manager

	// Notifier and NotifyTarget are optional; without them failure and
	// completion notices are only logged.
	Notifier     Notifier
	NotifyTarget func() (channel, chatID string)

	Logger  *slog.Logger
	Metrics *observability.Metrics

	// Now and TickInterval exist for tests.
	Now          func() time.Time
	TickInterval time.Duration
}

// Scheduler owns the loaded job and skill state and the tick loop.
type Scheduler struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	jobs   []*models.Job
	skills []*models.Skill

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a scheduler. Load must be called before Start.
func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	return &Scheduler{
		opts:   opts,
		logger: opts.Logger.With("component", "scheduler"),
	}
}

// Load reads persisted jobs and skills from the store.
func (s *Scheduler) Load() error {
	jobs, err := s.opts.Store.LoadJobs()
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	skills, err := s.opts.Store.LoadSkills()
	if err != nil {
		return fmt.Errorf("load skills: %w", err)
	}

	s.mu.Lock()
	s.jobs = jobs
	s.skills = skills
	s.mu.Unlock()

	s.logger.Info("scheduler state loaded", "jobs", len(jobs), "skills", len(skills))
	return nil
}

// Start begins the tick loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.Tick(loopCtx)
			}
		}
	}()
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Tick runs one scheduler pass. Ticks are serialized by the state mutex
// so a slow pass can never overlap the next one.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.Halts != nil && s.opts.Halts.IsTargetHalted(halt.TargetScheduler) {
		s.logger.Debug("scheduler halted, skipping tick")
		return
	}

	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	now := s.opts.Now()
	jobsRun := s.jobPass(ctx, now)
	skillsRun := s.skillPass(ctx, now)
	span.SetAttributes(
		attribute.Int("jobs_run", jobsRun),
		attribute.Int("skills_run", skillsRun),
	)
}

// Skills returns a snapshot of the loaded skills, for /info output.
func (s *Scheduler) Skills() []models.Skill {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Skill, 0, len(s.skills))
	for _, skill := range s.skills {
		out = append(out, *skill)
	}
	return out
}

// Jobs returns a snapshot of the loaded jobs.
func (s *Scheduler) Jobs() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}

func (s *Scheduler) jobPass(ctx context.Context, now time.Time) int {
	executed := 0
	for _, job := range s.jobs {
		if executed >= maxItemsPerPass {
			s.logger.Warn("job pass truncated", "limit", maxItemsPerPass)
			break
		}
		if !job.Enabled {
			continue
		}

		if s.jobExpired(job, now) {
			job.Enabled = false
			s.persistJob(job)
			s.recordRun("job", "expired")
			continue
		}

		due, err := s.jobDue(job, now)
		if err != nil {
			s.logger.Warn("job schedule invalid", "job", job.ID, "error", err)
			job.Enabled = false
			s.persistJob(job)
			continue
		}
		if !due {
			continue
		}

		executed++
		runErr := s.executeJobAction(ctx, job)

		// Run counters move on failure too, so a broken job cannot
		// retry-storm every minute.
		job.RunCount++
		lastRun := now
		job.LastRunAt = &lastRun
		if job.Type == models.JobScheduled {
			job.Enabled = false
		}
		if job.MaxRuns > 0 && job.RunCount >= job.MaxRuns {
			job.Enabled = false
		}
		s.persistJob(job)

		if runErr != nil {
			s.logger.Warn("job failed", "job", job.ID, "error", runErr)
			s.notify(ctx, fmt.Sprintf("Job %s failed: %v", job.Name, runErr))
			s.recordRun("job", "error")
		} else {
			s.recordRun("job", "ok")
		}
	}
	return executed
}

func (s *Scheduler) jobExpired(job *models.Job, now time.Time) bool {
	if job.ExpiresAt != nil && !now.Before(*job.ExpiresAt) {
		return true
	}
	return job.MaxRuns > 0 && job.RunCount >= job.MaxRuns
}

func (s *Scheduler) jobDue(job *models.Job, now time.Time) (bool, error) {
	switch job.Type {
	case models.JobCron:
		if ranThisMinute(job.LastRunAt, now) {
			return false, nil
		}
		return cronDue(job.CronExpression, job.Timezone, now)
	case models.JobScheduled:
		if job.ScheduledAt == nil {
			return false, fmt.Errorf("scheduled job has no scheduled_at")
		}
		return job.LastRunAt == nil && !now.Before(*job.ScheduledAt), nil
	case models.JobRecurring:
		if job.IntervalMinutes <= 0 {
			return false, fmt.Errorf("recurring job has no interval")
		}
		if job.LastRunAt == nil {
			return true, nil
		}
		return now.Sub(*job.LastRunAt) >= time.Duration(job.IntervalMinutes)*time.Minute, nil
	default:
		return false, fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (s *Scheduler) executeJobAction(ctx context.Context, job *models.Job) error {
	switch job.Action.Kind {
	case models.ActionToolCall:
		result, err := s.opts.Router.Route(ctx, job.Action.ToolName, job.Action.Parameters)
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("tool reported failure: %s", result.Error)
		}
		return nil
	case models.ActionWorkflow:
		return runWorkflow(ctx, s.opts.Router, job.Action.Steps)
	default:
		return fmt.Errorf("unknown action kind %q", job.Action.Kind)
	}
}

func (s *Scheduler) skillPass(ctx context.Context, now time.Time) int {
	s.autoEnableSkills()

	executed := 0
	for _, skill := range s.skills {
		if executed >= maxItemsPerPass {
			s.logger.Warn("skill pass truncated", "limit", maxItemsPerPass)
			break
		}
		if !skill.Enabled || skill.TriggerType == models.TriggerManual {
			continue
		}

		due, err := s.skillDue(skill, now)
		if err != nil {
			s.logger.Warn("skill schedule invalid", "skill", skill.ID, "error", err)
			continue
		}
		if !due {
			continue
		}

		if s.inCooldown(skill, now) {
			s.logger.Debug("skill in failure cooldown", "skill", skill.ID)
			s.recordRun("skill", "cooldown")
			continue
		}

		executed++
		s.runSkill(ctx, skill, now)
	}
	return executed
}

// autoEnableSkills turns on disabled cron skills whose every required
// tool is currently routable. Skills with no required tools are manual
// toggles and are never auto-enabled.
func (s *Scheduler) autoEnableSkills() {
	for _, skill := range s.skills {
		if skill.Enabled || skill.TriggerType != models.TriggerCron {
			continue
		}
		if len(skill.RequiredTools) == 0 {
			continue
		}
		allPresent := true
		for _, tool := range skill.RequiredTools {
			if !s.opts.Router.HasRoute(tool) {
				allPresent = false
				break
			}
		}
		if !allPresent {
			continue
		}
		skill.Enabled = true
		s.persistSkill(skill)
		s.logger.Info("skill auto-enabled", "skill", skill.ID)
	}
}

func (s *Scheduler) skillDue(skill *models.Skill, now time.Time) (bool, error) {
	switch skill.TriggerType {
	case models.TriggerCron:
		if ranThisMinute(skill.LastRunAt, now) {
			return false, nil
		}
		return cronDue(skill.TriggerConfig.Schedule, skill.TriggerConfig.Timezone, now)
	case models.TriggerInterval:
		interval := skill.TriggerConfig.IntervalMinutes
		if interval <= 0 {
			return false, fmt.Errorf("interval skill has no interval")
		}
		if skill.LastRunAt == nil {
			return true, nil
		}
		return now.Sub(*skill.LastRunAt) >= time.Duration(interval)*time.Minute, nil
	default:
		return false, fmt.Errorf("unknown trigger type %q", skill.TriggerType)
	}
}

func (s *Scheduler) inCooldown(skill *models.Skill, now time.Time) bool {
	return skill.LastRunStatus == models.RunError &&
		skill.LastRunAt != nil &&
		now.Sub(*skill.LastRunAt) < failureCooldown
}

func (s *Scheduler) runSkill(ctx context.Context, skill *models.Skill, now time.Time) {
	var notifyChatID string
	if s.opts.NotifyTarget != nil {
		_, notifyChatID = s.opts.NotifyTarget()
	}

	summary, err := s.opts.Runner.RunSkill(ctx, *skill, notifyChatID)

	lastRun := now
	skill.LastRunAt = &lastRun
	if err != nil {
		skill.LastRunStatus = models.RunError
		skill.LastRunSummary = err.Error()
		s.logger.Warn("skill failed", "skill", skill.ID, "error", err)
		s.notify(ctx, fmt.Sprintf("Skill %s (%s) failed: %v. Retry in 5m.",
			skill.Name, skill.TriggerType, err))
		s.recordRun("skill", "error")
	} else {
		skill.LastRunStatus = models.RunSuccess
		skill.LastRunSummary = summary
		if skill.NotifyOnCompletion && summary != "" {
			s.notify(ctx, fmt.Sprintf("Skill %s completed: %s", skill.Name, summary))
		}
		s.recordRun("skill", "ok")
	}
	s.persistSkill(skill)
}

func (s *Scheduler) persistJob(job *models.Job) {
	if err := s.opts.Store.SaveJob(job); err != nil {
		s.logger.Error("persist job failed", "job", job.ID, "error", err)
	}
}

func (s *Scheduler) persistSkill(skill *models.Skill) {
	if err := s.opts.Store.SaveSkill(skill); err != nil {
		s.logger.Error("persist skill failed", "skill", skill.ID, "error", err)
	}
}

func (s *Scheduler) notify(ctx context.Context, text string) {
	if s.opts.Notifier == nil || s.opts.NotifyTarget == nil {
		return
	}
	channel, chatID := s.opts.NotifyTarget()
	if channel == "" || chatID == "" {
		return
	}
	if err := s.opts.Notifier.Send(ctx, channel, chatID, text); err != nil {
		s.logger.Warn("scheduler notification failed", "error", err)
	}
}

func (s *Scheduler) recordRun(kind, status string) {
	if s.opts.Metrics == nil {
		return
	}
	s.opts.Metrics.SchedulerRuns.WithLabelValues(kind, status).Inc()
}
