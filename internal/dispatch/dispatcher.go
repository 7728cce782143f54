// Package dispatch routes claimed occurrences to the push gateway or the
// local fallback, and keeps pre-scheduled remote jobs in step with reminder
// creation and deletion.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/noahxzhu/med-reminder/internal/gateway"
	"github.com/noahxzhu/med-reminder/internal/model"
	"github.com/noahxzhu/med-reminder/internal/subscription"
)

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "medremind_deliveries_total",
	Help: "Occurrence deliveries by route and result",
}, []string{"route", "result"})

type Route string

const (
	RouteRemote       Route = "remote"
	RoutePrescheduled Route = "prescheduled"
	RouteLocal        Route = "local"
)

// SubscriptionState exposes the current push channel state.
type SubscriptionState interface {
	State() subscription.State
}

// RemoteScheduler is the push gateway.
type RemoteScheduler interface {
	Schedule(ctx context.Context, reminderID string, key model.OccurrenceKey, p gateway.Payload, scheduledAt time.Time) (*model.RemoteJob, error)
	Cancel(ctx context.Context, jobID string) error
}

// JobLookup finds remote jobs by occurrence or reminder.
type JobLookup interface {
	JobByOccurrence(ctx context.Context, key model.OccurrenceKey) (model.RemoteJob, error)
	PendingJobsForReminder(ctx context.Context, reminderID string) ([]model.RemoteJob, error)
	PendingJobs(ctx context.Context) ([]model.RemoteJob, error)
	SetJobStatus(ctx context.Context, id string, status model.JobStatus) error
}

// LocalDeliverer is the on-device fallback.
type LocalDeliverer interface {
	DeliverLocally(ctx context.Context, title, body string, key model.OccurrenceKey) error
}

// Dispatcher picks the delivery route from the subscription state: the
// gateway when Linked, the local fallback otherwise. It never claims; the
// caller must hold the occurrence claim before calling Deliver.
type Dispatcher struct {
	sub    SubscriptionState
	remote RemoteScheduler
	jobs   JobLookup
	local  LocalDeliverer
	logger *slog.Logger

	remoteDisabled atomic.Bool
}

func NewDispatcher(sub SubscriptionState, remote RemoteScheduler, jobs JobLookup, local LocalDeliverer) *Dispatcher {
	return &Dispatcher{
		sub:    sub,
		remote: remote,
		jobs:   jobs,
		local:  local,
		logger: slog.Default(),
	}
}

// DisableRemote turns the gateway route off for the rest of the session.
func (d *Dispatcher) DisableRemote(reason error) {
	if d.remoteDisabled.CompareAndSwap(false, true) {
		d.logger.Error("Remote push channel disabled for this session", "error", reason)
	}
}

func (d *Dispatcher) RemoteEnabled() bool {
	return !d.remoteDisabled.Load()
}

// Deliver sends one claimed occurrence. A Permanent gateway rejection is
// returned to the caller after the occurrence has been delivered locally.
func (d *Dispatcher) Deliver(ctx context.Context, occ model.Occurrence) (Route, error) {
	if d.remoteDisabled.Load() || d.remote == nil || d.sub.State().Status != subscription.Linked {
		return d.deliverLocal(ctx, occ, nil)
	}

	if d.jobs != nil {
		job, err := d.jobs.JobByOccurrence(ctx, occ.Key)
		if err == nil && job.Status == model.JobPending {
			if err := d.jobs.SetJobStatus(ctx, job.ID, model.JobSent); err != nil {
				d.logger.Warn("Failed to mark remote job sent", "job_id", job.ID, "error", err)
			}
			deliveriesTotal.WithLabelValues(string(RoutePrescheduled), "ok").Inc()
			return RoutePrescheduled, nil
		}
	}

	job, err := d.remote.Schedule(ctx, occ.ReminderID, occ.Key, gateway.Payload{Title: occ.Title, Body: occ.Body}, occ.At)
	if err == nil {
		if d.jobs != nil {
			if err := d.jobs.SetJobStatus(ctx, job.ID, model.JobSent); err != nil {
				d.logger.Warn("Failed to mark remote job sent", "job_id", job.ID, "error", err)
			}
		}
		deliveriesTotal.WithLabelValues(string(RouteRemote), "ok").Inc()
		return RouteRemote, nil
	}
	if ctx.Err() != nil {
		return RouteRemote, ctx.Err()
	}

	switch {
	case errors.Is(err, gateway.ErrChannelUnavailable):
		return d.deliverLocal(ctx, occ, nil)
	case gateway.IsClass(err, gateway.Configuration):
		d.DisableRemote(err)
		return d.deliverLocal(ctx, occ, nil)
	case gateway.IsClass(err, gateway.Unlinked):
		d.logger.Warn("Push target is not subscribed, delivering locally", "occurrence", occ.Key, "error", err)
		return d.deliverLocal(ctx, occ, nil)
	case gateway.IsClass(err, gateway.Transient):
		d.logger.Warn("Gateway retries exhausted, delivering locally", "occurrence", occ.Key, "error", err)
		return d.deliverLocal(ctx, occ, nil)
	default:
		deliveriesTotal.WithLabelValues(string(RouteRemote), "rejected").Inc()
		return d.deliverLocal(ctx, occ, fmt.Errorf("gateway rejected occurrence %s: %w", occ.Key, err))
	}
}

func (d *Dispatcher) deliverLocal(ctx context.Context, occ model.Occurrence, cause error) (Route, error) {
	if err := d.local.DeliverLocally(ctx, occ.Title, occ.Body, occ.Key); err != nil {
		deliveriesTotal.WithLabelValues(string(RouteLocal), "failed").Inc()
		return RouteLocal, errors.Join(cause, err)
	}
	deliveriesTotal.WithLabelValues(string(RouteLocal), "ok").Inc()
	return RouteLocal, cause
}
