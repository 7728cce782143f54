package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/noahxzhu/med-reminder/internal/config"
	"github.com/noahxzhu/med-reminder/internal/dedup"
	"github.com/noahxzhu/med-reminder/internal/dispatch"
	"github.com/noahxzhu/med-reminder/internal/gateway"
	"github.com/noahxzhu/med-reminder/internal/local"
	"github.com/noahxzhu/med-reminder/internal/recurrence"
	"github.com/noahxzhu/med-reminder/internal/storage"
	"github.com/noahxzhu/med-reminder/internal/subscription"
	"github.com/noahxzhu/med-reminder/internal/worker"
)

// app holds the wired components shared by serve and check.
type app struct {
	cfg        *config.Config
	store      *storage.Store
	jobs       *storage.JobStore
	gw         *gateway.Client
	platform   *subscription.MemoryPlatform
	sub        *subscription.Machine
	dispatcher *dispatch.Dispatcher
	planner    *dispatch.Planner
	matcher    *worker.Matcher
}

func newApp(cfg *config.Config, bell io.Writer) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	store := storage.NewStore(cfg.Storage.RemindersPath)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("loading reminders: %w", err)
	}

	jobs, err := storage.OpenJobs(cfg.Storage.JobsDir)
	if err != nil {
		return nil, fmt.Errorf("opening job registry: %w", err)
	}

	gw := gateway.NewClient(gateway.Config{
		BaseURL:     cfg.Gateway.BaseURL,
		AppID:       cfg.Gateway.AppID,
		APIKey:      cfg.Gateway.APIKey,
		Timeout:     cfg.Gateway.Timeout,
		MaxAttempts: cfg.Gateway.MaxAttempts,
		Backoff:     cfg.Gateway.Backoff,
	}, jobs)

	answer := subscription.PermissionDefault
	switch cfg.Device.Permission {
	case "granted":
		answer = subscription.PermissionGranted
	case "denied":
		answer = subscription.PermissionDenied
	}
	platform := subscription.NewMemoryPlatform(answer)
	sub := subscription.NewMachine(platform, gw)
	gw.UseSubscription(sub)

	fallback := local.NewFallback(local.LogNotifier{}, &local.BellCue{W: bell})
	dispatcher := dispatch.NewDispatcher(sub, gw, jobs, fallback)
	if err := gw.CheckConfig(); err != nil {
		slog.Warn("Push gateway not configured, delivering locally only", "error", err)
		dispatcher.DisableRemote(err)
	}

	engine := recurrence.New(loc)
	planner := dispatch.NewPlanner(engine, sub, gw, jobs, cfg.Scheduler.Horizon)

	matcher := worker.NewMatcher(store, dedup.NewStore(nil), dispatcher, worker.Options{
		Interval:  cfg.Scheduler.Interval,
		Tolerance: cfg.Scheduler.Tolerance,
		Retention: cfg.Scheduler.Retention,
		Location:  loc,
	})
	matcher.SetPruner(jobs)

	return &app{
		cfg:        cfg,
		store:      store,
		jobs:       jobs,
		gw:         gw,
		platform:   platform,
		sub:        sub,
		dispatcher: dispatcher,
		planner:    planner,
		matcher:    matcher,
	}, nil
}

// startSubscription brings the push channel up as far as configuration
// allows. Failures leave the machine in its current state; reminders still
// go out through the local fallback.
func (a *app) startSubscription(ctx context.Context) {
	st, err := a.sub.Initialize(ctx)
	if err != nil {
		slog.Warn("Subscription initialization failed", "status", st.Status, "error", err)
		return
	}

	if user := a.cfg.Device.ExternalUserID; user != "" && st.Status == subscription.Subscribed && a.dispatcher.RemoteEnabled() {
		st, err = a.sub.Link(ctx, user)
		if err != nil {
			slog.Warn("Linking device to account failed", "status", st.Status, "error", err)
			return
		}
	}
	slog.Info("Subscription ready", "status", st.Status)
}

// startMatcher runs the matcher loop until ctx ends. The returned channel
// closes once the loop has returned, after which the registry can be closed.
func (a *app) startMatcher(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.matcher.Start(ctx)
	}()
	return done
}

func (a *app) Close() {
	if err := a.jobs.Close(); err != nil {
		slog.Error("Failed to close job registry", "error", err)
	}
}
