package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noahxzhu/med-reminder/internal/gateway"
	"github.com/noahxzhu/med-reminder/internal/model"
	"github.com/noahxzhu/med-reminder/internal/recurrence"
	"github.com/noahxzhu/med-reminder/internal/subscription"
)

const cancelConcurrency = 4

// Planner pre-schedules remote jobs when a reminder is saved and cancels
// them when it is deleted, independently of the live matcher loop.
type Planner struct {
	engine  recurrence.Engine
	sub     SubscriptionState
	remote  RemoteScheduler
	jobs    JobLookup
	horizon time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func NewPlanner(engine recurrence.Engine, sub SubscriptionState, remote RemoteScheduler, jobs JobLookup, horizon time.Duration) *Planner {
	return &Planner{
		engine:  engine,
		sub:     sub,
		remote:  remote,
		jobs:    jobs,
		horizon: horizon,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// OnCreated schedules remote jobs for every occurrence of r within the
// horizon. Nothing is scheduled unless the subscription is Linked. A
// Permanent rejection is returned so the save flow can warn; the reminder
// itself is already stored.
func (p *Planner) OnCreated(ctx context.Context, r model.Reminder) ([]model.RemoteJob, error) {
	if p.sub.State().Status != subscription.Linked || p.horizon <= 0 {
		return nil, nil
	}

	now := p.now()
	var scheduled []model.RemoteJob
	var rejected []error
	for _, occ := range p.engine.OccurrencesBetween(&r, now, now.Add(p.horizon)) {
		if !occ.At.After(now) {
			continue
		}
		if job, err := p.jobs.JobByOccurrence(ctx, occ.Key); err == nil && job.Status == model.JobPending {
			continue
		}

		job, err := p.remote.Schedule(ctx, occ.ReminderID, occ.Key, gateway.Payload{Title: occ.Title, Body: occ.Body}, occ.At)
		if err == nil {
			scheduled = append(scheduled, *job)
			continue
		}
		if ctx.Err() != nil {
			return scheduled, ctx.Err()
		}

		switch {
		case errors.Is(err, gateway.ErrChannelUnavailable),
			gateway.IsClass(err, gateway.Unlinked),
			gateway.IsClass(err, gateway.Configuration):
			p.logger.Warn("Remote pre-scheduling stopped", "reminder_id", r.ID, "error", err)
			return scheduled, nil
		case gateway.IsClass(err, gateway.Transient):
			p.logger.Warn("Failed to pre-schedule occurrence", "reminder_id", r.ID, "occurrence", occ.Key, "error", err)
		default:
			rejected = append(rejected, fmt.Errorf("occurrence %s: %w", occ.Key, err))
		}
	}

	if len(rejected) > 0 {
		return scheduled, errors.Join(rejected...)
	}
	if len(scheduled) > 0 {
		p.logger.Info("Pre-scheduled remote jobs", "reminder_id", r.ID, "count", len(scheduled))
	}
	return scheduled, nil
}

// OnDeleted cancels every outstanding remote job of the reminder. It is best
// effort: failures are logged and returned, but callers proceed with the
// deletion regardless.
func (p *Planner) OnDeleted(ctx context.Context, reminderID string) error {
	jobs, err := p.jobs.PendingJobsForReminder(ctx, reminderID)
	if err != nil {
		p.logger.Error("Failed to list remote jobs for cancellation", "reminder_id", reminderID, "error", err)
		return err
	}
	return p.cancelJobs(ctx, jobs)
}

// CancelPending cancels every outstanding remote job. It runs when the
// subscription stops being Linked, since those jobs target an account the
// device no longer belongs to and the local fallback now covers them.
func (p *Planner) CancelPending(ctx context.Context) error {
	jobs, err := p.jobs.PendingJobs(ctx)
	if err != nil {
		p.logger.Error("Failed to list pending remote jobs", "error", err)
		return err
	}
	if err := p.cancelJobs(ctx, jobs); err != nil {
		return err
	}
	if len(jobs) > 0 {
		p.logger.Info("Cancelled pending remote jobs", "count", len(jobs))
	}
	return nil
}

func (p *Planner) cancelJobs(ctx context.Context, jobs []model.RemoteJob) error {
	if len(jobs) == 0 {
		return nil
	}

	var mu sync.Mutex
	var failed []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cancelConcurrency)
	for _, job := range jobs {
		g.Go(func() error {
			if err := p.remote.Cancel(gctx, job.ID); err != nil {
				p.logger.Warn("Failed to cancel remote job", "reminder_id", job.ReminderID, "job_id", job.ID, "error", err)
				mu.Lock()
				failed = append(failed, fmt.Errorf("job %s: %w", job.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return errors.Join(failed...)
}

// OnUpdated replaces the remote jobs of r.
func (p *Planner) OnUpdated(ctx context.Context, r model.Reminder) ([]model.RemoteJob, error) {
	if err := p.OnDeleted(ctx, r.ID); err != nil {
		p.logger.Warn("Stale remote jobs may still fire", "reminder_id", r.ID, "error", err)
	}
	return p.OnCreated(ctx, r)
}
