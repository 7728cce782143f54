// Package gateway talks to the remote push gateway: it schedules and cancels
// notification jobs and links device registrations to user accounts.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/noahxzhu/med-reminder/internal/model"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "medremind_gateway_requests_total",
	Help: "Gateway requests by operation and outcome class",
}, []string{"op", "class"})

type Config struct {
	BaseURL     string
	AppID       string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// LinkState reports the linked device/account pair, if any.
type LinkState interface {
	Linked() (deviceToken, externalUserID string, ok bool)
}

// JobRegistry remembers accepted jobs by occurrence key.
type JobRegistry interface {
	SaveJob(ctx context.Context, job model.RemoteJob) error
	Job(ctx context.Context, id string) (model.RemoteJob, error)
	SetJobStatus(ctx context.Context, id string, status model.JobStatus) error
}

type Payload struct {
	Title string
	Body  string
}

type Client struct {
	cfg    Config
	http   *http.Client
	sub    LinkState
	jobs   JobRegistry
	logger *slog.Logger
	now    func() time.Time
}

func NewClient(cfg Config, jobs JobRegistry) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		jobs:   jobs,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// UseSubscription sets where Schedule looks up the link. The subscription
// machine itself needs the client as its Linker, so this is set after both exist.
func (c *Client) UseSubscription(s LinkState) {
	c.sub = s
}

// CheckConfig reports missing credentials as a Configuration error.
func (c *Client) CheckConfig() error {
	var missing []string
	if c.cfg.BaseURL == "" {
		missing = append(missing, "base_url")
	}
	if c.cfg.AppID == "" {
		missing = append(missing, "app_id")
	}
	if c.cfg.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if len(missing) > 0 {
		return &Error{Class: Configuration, Op: "config", Err: fmt.Errorf("missing %s", strings.Join(missing, ", "))}
	}
	return nil
}

type scheduleRequest struct {
	AppID         string `json:"appId"`
	TargetID      string `json:"targetId"`
	Title         string `json:"title"`
	Body          string `json:"body"`
	SendAfter     string `json:"sendAfter"`
	OccurrenceKey string `json:"occurrenceKey"`
}

type scheduleResponse struct {
	JobID  string   `json:"jobId"`
	Errors []string `json:"errors,omitempty"`
}

// Schedule asks the gateway to deliver payload to the linked account at
// scheduledAt. The accepted job is recorded under key so it can be cancelled
// later without re-deriving timestamps.
func (c *Client) Schedule(ctx context.Context, reminderID string, key model.OccurrenceKey, p Payload, scheduledAt time.Time) (*model.RemoteJob, error) {
	if err := c.CheckConfig(); err != nil {
		return nil, err
	}
	if c.sub == nil {
		return nil, ErrChannelUnavailable
	}
	_, externalUserID, ok := c.sub.Linked()
	if !ok {
		return nil, ErrChannelUnavailable
	}

	req := scheduleRequest{
		AppID:         c.cfg.AppID,
		TargetID:      externalUserID,
		Title:         p.Title,
		Body:          p.Body,
		SendAfter:     scheduledAt.UTC().Format(time.RFC3339),
		OccurrenceKey: string(key),
	}

	var resp scheduleResponse
	err := c.withRetry(ctx, "schedule", func() error {
		resp = scheduleResponse{}
		return c.send(ctx, "schedule", http.MethodPost, c.appURL("notifications"), req, &resp)
	})
	if err != nil {
		return nil, err
	}
	if resp.JobID == "" {
		// Accepted but no recipient: the gateway no longer knows the target.
		err := &Error{Class: Unlinked, Op: "schedule", Status: http.StatusOK, Err: fmt.Errorf("no job created: %s", strings.Join(resp.Errors, "; "))}
		requestsTotal.WithLabelValues("schedule", Unlinked.String()).Inc()
		return nil, err
	}

	now := c.now().UTC()
	job := model.RemoteJob{
		ID:            resp.JobID,
		ReminderID:    reminderID,
		OccurrenceKey: key,
		ScheduledAt:   scheduledAt,
		Status:        model.JobPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if c.jobs != nil {
		if err := c.jobs.SaveJob(ctx, job); err != nil {
			c.logger.Error("Failed to record remote job", "job_id", job.ID, "occurrence", key, "error", err)
		}
	}
	return &job, nil
}

// Cancel withdraws a scheduled job. Cancelling a job the gateway has already
// sent or cancelled succeeds.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	status := model.JobStatus("")
	if c.jobs != nil {
		if job, err := c.jobs.Job(ctx, jobID); err == nil {
			status = job.Status
		}
	}
	if status == model.JobCancelled || status == model.JobSent {
		return nil
	}

	if err := c.CheckConfig(); err != nil {
		return err
	}

	err := c.withRetry(ctx, "cancel", func() error {
		return c.send(ctx, "cancel", http.MethodDelete, c.appURL("notifications", jobID), nil, nil)
	})
	if IsClass(err, Unlinked) {
		// 404/410: the job is gone already.
		err = nil
	}
	if err != nil {
		return err
	}

	if c.jobs != nil && (status == model.JobPending || status == model.JobFailed) {
		if err := c.jobs.SetJobStatus(ctx, jobID, model.JobCancelled); err != nil {
			c.logger.Warn("Failed to mark remote job cancelled", "job_id", jobID, "error", err)
		}
	}
	return nil
}

type linkRequest struct {
	ExternalUserID string `json:"externalUserId"`
}

// Link associates deviceToken with externalUserID on the gateway.
func (c *Client) Link(ctx context.Context, deviceToken, externalUserID string) error {
	if err := c.CheckConfig(); err != nil {
		return err
	}
	return c.withRetry(ctx, "link", func() error {
		return c.send(ctx, "link", http.MethodPut, c.appURL("devices", deviceToken, "external_id"), linkRequest{ExternalUserID: externalUserID}, nil)
	})
}

// Unlink removes the account association from deviceToken.
func (c *Client) Unlink(ctx context.Context, deviceToken string) error {
	if err := c.CheckConfig(); err != nil {
		return err
	}
	err := c.withRetry(ctx, "unlink", func() error {
		return c.send(ctx, "unlink", http.MethodDelete, c.appURL("devices", deviceToken, "external_id"), nil, nil)
	})
	if IsClass(err, Unlinked) {
		return nil
	}
	return err
}

func (c *Client) appURL(parts ...string) string {
	u := c.cfg.BaseURL + "/apps/" + url.PathEscape(c.cfg.AppID)
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// send performs one request and classifies the outcome.
func (c *Client) send(ctx context.Context, op, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &Error{Class: Permanent, Op: op, Err: fmt.Errorf("failed to marshal request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return &Error{Class: Configuration, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Key "+c.cfg.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		requestsTotal.WithLabelValues(op, Transient.String()).Inc()
		return &Error{Class: Transient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		class := classifyStatus(resp.StatusCode)
		requestsTotal.WithLabelValues(op, class.String()).Inc()
		return &Error{Class: class, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("gateway api error: status %s, body %s", resp.Status, strings.TrimSpace(string(respBody)))}
	}

	requestsTotal.WithLabelValues(op, "ok").Inc()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// The gateway accepted the request; sending it again could create a second job.
		return &Error{Class: Permanent, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// withRetry repeats fn while it fails with a Transient error, doubling the
// wait each time, up to MaxAttempts.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	wait := c.cfg.Backoff
	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var gerr *Error
		if !errors.As(err, &gerr) || gerr.Class != Transient {
			return err
		}
		gerr.Attempts = attempt
		if attempt == c.cfg.MaxAttempts {
			break
		}

		c.logger.Warn("Gateway request failed, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait *= 2
	}
	return err
}
