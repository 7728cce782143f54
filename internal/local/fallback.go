// Package local delivers notifications on this device when the remote push
// channel cannot be used.
package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/noahxzhu/med-reminder/internal/model"
)

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "medremind_local_deliveries_total",
	Help: "Local notification attempts by result",
}, []string{"result"})

// Notifier is the platform notification facility.
type Notifier interface {
	Show(ctx context.Context, title, body, tag string) error
}

// Cue is the audible or visual attention signal that accompanies a notification.
type Cue interface {
	Play(ctx context.Context) error
}

type Fallback struct {
	notifier Notifier
	cue      Cue
	logger   *slog.Logger
}

func NewFallback(notifier Notifier, cue Cue) *Fallback {
	return &Fallback{notifier: notifier, cue: cue, logger: slog.Default()}
}

// DeliverLocally renders the notification and plays the cue. The occurrence
// was claimed by the caller; a render failure is reported but the occurrence
// counts as attempted and is not queued again.
func (f *Fallback) DeliverLocally(ctx context.Context, title, body string, key model.OccurrenceKey) error {
	if err := f.notifier.Show(ctx, title, body, string(key)); err != nil {
		deliveriesTotal.WithLabelValues("failed").Inc()
		f.logger.Error("Failed to show local notification", "occurrence", key, "error", err)
		return fmt.Errorf("showing local notification: %w", err)
	}
	deliveriesTotal.WithLabelValues("shown").Inc()

	if f.cue != nil {
		if err := f.cue.Play(ctx); err != nil {
			f.logger.Warn("Failed to play notification cue", "occurrence", key, "error", err)
		}
	}
	return nil
}

// LogNotifier renders notifications as structured log records.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Show(ctx context.Context, title, body, tag string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "Notification", "title", title, "body", body, "tag", tag)
	return nil
}

// BellCue writes the terminal bell character.
type BellCue struct {
	mu sync.Mutex
	W  io.Writer
}

func (c *BellCue) Play(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.W, "\a")
	return err
}
