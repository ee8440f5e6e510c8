package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ai-control-plane/internal/domain"
)

// Job is one autonomous unit of recurring work. It fires only when its
// trigger holds AND it is inside the SLA window AND outside quiet hours AND
// the remaining budget covers the estimated cost.
type Job struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Trigger       Trigger            `json:"trigger"`
	OperationType string             `json:"operation_type"`
	TenantID      string             `json:"tenant_id"`
	Tier          domain.Tier        `json:"tier,omitempty"`
	Criticality   domain.Criticality `json:"criticality,omitempty"`
	Payload       string             `json:"payload,omitempty"`
	SLAWindow     *TimeRange         `json:"sla_window,omitempty"`
	QuietHours    []TimeRange        `json:"quiet_hours,omitempty"`
	Budget        *Budget            `json:"budget,omitempty"`
	EstimatedCost float64            `json:"estimated_cost,omitempty"`
}

// Validate checks the job definition.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	if j.OperationType == "" {
		return fmt.Errorf("job operation type cannot be empty")
	}
	if j.TenantID == "" {
		return fmt.Errorf("job tenant id cannot be empty")
	}
	switch j.Trigger.Type {
	case TriggerCron:
		if j.Trigger.Cron == nil || j.Trigger.Cron.Pattern == "" {
			return fmt.Errorf("cron trigger requires a pattern")
		}
		if _, err := cronParser.Parse(j.Trigger.Cron.Pattern); err != nil {
			return fmt.Errorf("invalid cron pattern: %w", err)
		}
	case TriggerEvent:
		if j.Trigger.Event == nil || j.Trigger.Event.Name == "" {
			return fmt.Errorf("event trigger requires an event name")
		}
	case TriggerCondition:
		if j.Trigger.Condition == nil || j.Trigger.Condition.Expression == "" {
			return fmt.Errorf("condition trigger requires an expression")
		}
	default:
		return fmt.Errorf("invalid trigger type: %s", j.Trigger.Type)
	}
	return nil
}

// Submitter is the ingress the scheduler feeds. Fired jobs are submitted
// exactly as user-initiated operations would be.
type Submitter interface {
	Submit(ctx context.Context, op *domain.Operation) (string, error)
}

// ConditionSource supplies the variables condition triggers evaluate against.
type ConditionSource func() map[string]float64

// Scheduler fires autonomous jobs via cron, event or condition triggers,
// gated by SLA windows, quiet hours and budget. It owns no clock: callers
// drive Tick and HandleEvent on their own schedule.
type Scheduler struct {
	submitter  Submitter
	clock      domain.Clock
	conditions ConditionSource
	logger     *slog.Logger

	mu        sync.Mutex
	jobs      map[string]*Job
	lastFired map[string]time.Time // job id -> minute of last cron fire
}

// New creates a scheduler feeding the given submitter.
func New(submitter Submitter, clock domain.Clock, conditions ConditionSource, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		submitter:  submitter,
		clock:      clock,
		conditions: conditions,
		logger:     logger.With("component", "scheduler"),
		jobs:       make(map[string]*Job),
		lastFired:  make(map[string]time.Time),
	}
}

// AddJob registers or replaces a job by name.
func (s *Scheduler) AddJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	s.logger.Info("job registered", "job_name", job.Name, "trigger_type", job.Trigger.Type)
	return nil
}

// RemoveJob unregisters a job by name.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		delete(s.jobs, name)
		s.logger.Info("job removed", "job_name", name)
	}
}

// Jobs returns a snapshot of registered jobs.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// Tick evaluates cron and condition triggers against the current clock and
// submits every job whose trigger and gates pass. It returns the number of
// jobs fired.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.clock.Now()
	fired := 0

	for _, job := range s.Jobs() {
		fire, err := s.triggerHolds(job, now)
		if err != nil {
			s.logger.Error("trigger evaluation failed", "job_name", job.Name, "error", err)
			continue
		}
		if !fire || !s.gatesPass(job, now) {
			continue
		}
		if s.fire(ctx, job) {
			fired++
		}
	}
	return fired
}

// HandleEvent fires every event-triggered job matching the event, subject to
// the same gates as timed jobs.
func (s *Scheduler) HandleEvent(ctx context.Context, name string, data map[string]string) int {
	now := s.clock.Now()
	fired := 0

	for _, job := range s.Jobs() {
		if job.Trigger.Type != TriggerEvent || !MatchesEvent(job.Trigger.Event, name, data) {
			continue
		}
		if !s.gatesPass(job, now) {
			continue
		}
		if s.fire(ctx, job) {
			fired++
		}
	}
	return fired
}

func (s *Scheduler) triggerHolds(job *Job, now time.Time) (bool, error) {
	switch job.Trigger.Type {
	case TriggerCron:
		fire, err := ShouldFireCron(job.Trigger.Cron, now)
		if err != nil || !fire {
			return false, err
		}
		// A minute can see several ticks; fire at most once per minute.
		minute := now.Truncate(time.Minute)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.lastFired[job.Name].Equal(minute) {
			return false, nil
		}
		s.lastFired[job.Name] = minute
		return true, nil
	case TriggerCondition:
		if s.conditions == nil {
			return false, nil
		}
		return MatchesCondition(job.Trigger.Condition, s.conditions())
	default:
		// Event triggers fire through HandleEvent, never on a tick.
		return false, nil
	}
}

func (s *Scheduler) gatesPass(job *Job, now time.Time) bool {
	within, err := IsWithinSLAWindow(job.SLAWindow, now)
	if err != nil || !within {
		return false
	}
	quiet, err := IsInQuietHours(job.QuietHours, now)
	if err != nil || quiet {
		return false
	}
	return CanExecuteWithinBudget(job.Budget, job.EstimatedCost)
}

func (s *Scheduler) fire(ctx context.Context, job *Job) bool {
	op := &domain.Operation{
		Type:        job.OperationType,
		TenantID:    job.TenantID,
		Tier:        job.Tier,
		Criticality: job.Criticality,
		Payload:     job.Payload,
	}

	id, err := s.submitter.Submit(ctx, op)
	if err != nil {
		s.logger.Error("scheduled job submission rejected", "job_name", job.Name, "error", err)
		return false
	}

	if job.Budget != nil {
		s.mu.Lock()
		job.Budget.CurrentSpendUSD += job.EstimatedCost
		s.mu.Unlock()
	}
	s.logger.Info("scheduled job fired", "job_name", job.Name, "operation_id", id)
	return true
}
