package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/noahxzhu/med-reminder/internal/dispatch"
	"github.com/noahxzhu/med-reminder/internal/model"
	"github.com/noahxzhu/med-reminder/internal/recurrence"
)

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medremind_matcher_ticks_total",
		Help: "Matcher passes over the reminder list",
	})

	reminderErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medremind_matcher_reminder_errors_total",
		Help: "Reminders whose delivery failed during a matcher pass",
	})
)

// ReminderSource is the storage collaborator's read side.
type ReminderSource interface {
	List() []model.Reminder
}

// Claimer is the delivery dedup store.
type Claimer interface {
	TryClaim(key model.OccurrenceKey) bool
	EvictOlderThan(cutoff time.Time) int
}

type Deliverer interface {
	Deliver(ctx context.Context, occ model.Occurrence) (dispatch.Route, error)
}

// JobPruner drops remote job records whose occurrence has passed.
type JobPruner interface {
	PrunePassed(ctx context.Context, before time.Time) (int64, error)
}

type Options struct {
	Interval  time.Duration
	Tolerance time.Duration
	Retention time.Duration
	Location  *time.Location
}

// Result summarises one matcher pass.
type Result struct {
	Due       int `json:"due"`
	Delivered int `json:"delivered"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Matcher samples the clock, finds occurrences due within the tolerance
// window and delivers each one exactly once. It keeps no state between
// ticks; the Claimer holds what has been delivered.
type Matcher struct {
	source     ReminderSource
	engine     recurrence.Engine
	claims     Claimer
	deliver    Deliverer
	pruner     JobPruner
	opts       Options
	now        func() time.Time
	updateChan chan struct{}
	logger     *slog.Logger
}

func NewMatcher(source ReminderSource, claims Claimer, deliver Deliverer, opts Options) *Matcher {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Tolerance < opts.Interval {
		opts.Tolerance = 2 * opts.Interval
	}
	if opts.Retention <= opts.Tolerance {
		opts.Retention = 24 * time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Matcher{
		source:     source,
		engine:     recurrence.New(opts.Location),
		claims:     claims,
		deliver:    deliver,
		opts:       opts,
		now:        time.Now,
		updateChan: make(chan struct{}, 1),
		logger:     slog.Default(),
	}
}

// SetPruner enables pruning of passed remote jobs on every tick.
func (m *Matcher) SetPruner(p JobPruner) {
	m.pruner = p
}

// Refresh asks the running loop for an immediate pass.
func (m *Matcher) Refresh() {
	select {
	case m.updateChan <- struct{}{}:
	default:
		// Channel already has a pending signal, no need to block
	}
}

// Start runs a pass immediately and then on every interval until ctx is done.
func (m *Matcher) Start(ctx context.Context) {
	slog.Info("Matcher started", "interval", m.opts.Interval, "tolerance", m.opts.Tolerance)

	m.Tick(ctx)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Matcher stopped")
			return
		case <-m.updateChan:
			m.Tick(ctx)
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one pass. It is safe to call concurrently with the loop;
// the claim store serialises the winners.
func (m *Matcher) Tick(ctx context.Context) Result {
	ticksTotal.Inc()
	now := m.now().In(m.opts.Location)

	m.claims.EvictOlderThan(now.Add(-m.opts.Retention))
	if m.pruner != nil {
		if _, err := m.pruner.PrunePassed(ctx, now.Add(-m.opts.Retention)); err != nil {
			m.logger.Warn("Failed to prune remote jobs", "error", err)
		}
	}

	var res Result
	for _, r := range m.source.List() {
		if ctx.Err() != nil {
			break
		}
		if err := m.checkReminder(ctx, r, now, &res); err != nil {
			reminderErrorsTotal.Inc()
			m.logger.Error("Reminder check failed", "reminder_id", r.ID, "name", r.Name, "error", err)
		}
	}

	if res.Due > 0 {
		m.logger.Info("Matcher pass", "due", res.Due, "delivered", res.Delivered, "skipped", res.Skipped, "failed", res.Failed)
	}
	return res
}

// checkReminder delivers the due occurrences of one reminder. A panic is
// turned into an error so one bad record cannot stop the loop.
func (m *Matcher) checkReminder(ctx context.Context, r model.Reminder, now time.Time, res *Result) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	var failures []error
	for _, occ := range m.engine.OccurrencesBetween(&r, now.Add(-m.opts.Tolerance), now.Add(m.opts.Tolerance)) {
		res.Due++
		// Claim before delivering: a concurrent pass loses the claim and skips.
		if !m.claims.TryClaim(occ.Key) {
			res.Skipped++
			continue
		}

		route, derr := m.deliver.Deliver(ctx, occ)
		if derr != nil {
			res.Failed++
			failures = append(failures, fmt.Errorf("occurrence %s via %s: %w", occ.Key, route, derr))
			continue
		}
		res.Delivered++
		m.logger.Info("Delivered reminder", "reminder_id", r.ID, "occurrence", occ.Key, "route", route, "scheduled", occ.At.Format("15:04:05"), "delay", now.Sub(occ.At))
	}

	if len(failures) > 0 {
		return fmt.Errorf("%d of the reminder's occurrences failed: %w", len(failures), failures[0])
	}
	return nil
}
