// Package webhook notifies an HTTP endpoint when a job reaches a terminal
// state. Bodies are signed with HMAC-SHA256 so receivers can authenticate
// them.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/cartoonify/internal/domain"
	"github.com/dunamismax/cartoonify/internal/id"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderSignature = "X-Cartoonify-Signature"
	HeaderTimestamp = "X-Cartoonify-Timestamp"
	HeaderEvent     = "X-Cartoonify-Event"
	HeaderDelivery  = "X-Cartoonify-Delivery"
	HeaderAttempt   = "X-Cartoonify-Attempt"
	HeaderJobID     = "X-Cartoonify-Job-ID"
	HeaderJobStatus = "X-Cartoonify-Job-Status"

	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// JobEvent is the body posted for job.completed and job.failed.
type JobEvent struct {
	Event      string     `json:"event"`
	Job        domain.Job `json:"job"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// EventForJob picks the event name from the job's terminal status.
func EventForJob(job domain.Job, now time.Time) JobEvent {
	event := EventJobCompleted
	if job.Status == domain.JobStatusFailed {
		event = EventJobFailed
	}
	return JobEvent{Event: event, Job: job, OccurredAt: now.UTC()}
}

// StatusError is a non-2xx reply from the endpoint.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook endpoint returned status %d", e.Code)
}

// Temporary reports whether a later attempt may succeed. Client errors other
// than timeouts and throttling will not change on redelivery.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

type Config struct {
	SigningSecret string
	Timeout       time.Duration
	MaxAttempts   int
	// RetryDelay is the wait before the second attempt. It doubles for each
	// further attempt up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

type Client struct {
	httpClient *http.Client
	secret     string
	attempts   int
	delay      time.Duration
	maxDelay   time.Duration
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		secret:     cfg.SigningSecret,
		attempts:   cfg.MaxAttempts,
		delay:      cfg.RetryDelay,
		maxDelay:   cfg.MaxRetryDelay,
	}
}

// SendJob posts the terminal state of job.
func (c *Client) SendJob(ctx context.Context, endpoint string, job domain.Job) error {
	return c.Deliver(ctx, endpoint, EventForJob(job, time.Now()))
}

// Deliver posts evt to endpoint. Every attempt carries the same body,
// signature and delivery ID so receivers can drop repeats. An empty endpoint
// disables delivery.
func (c *Client) Deliver(ctx context.Context, endpoint string, evt JobEvent) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s for job %s: %w", evt.Event, evt.Job.ID, err)
	}

	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(HeaderTimestamp, timestamp)
	header.Set(HeaderSignature, Sign(c.secret, timestamp, body))
	header.Set(HeaderEvent, evt.Event)
	header.Set(HeaderDelivery, id.New())
	header.Set(HeaderJobID, evt.Job.ID)
	header.Set(HeaderJobStatus, evt.Job.Status)

	attempt := 0
	for {
		attempt++
		err = c.post(ctx, endpoint, header, body, attempt)
		if err == nil {
			return nil
		}
		if attempt >= c.attempts || ctx.Err() != nil || !retryable(err) {
			break
		}
		timer := time.NewTimer(c.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("deliver %s for job %s after %d attempt(s): %w", evt.Event, evt.Job.ID, attempt, err)
}

func (c *Client) post(ctx context.Context, endpoint string, header http.Header, body []byte, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header = header.Clone()
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// backoff returns the wait after the given failed attempt.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.delay
	for i := 1; i < attempt && d < c.maxDelay; i++ {
		d *= 2
	}
	if d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return true
}

// Sign returns "sha256=" followed by the hex HMAC of "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the body and timestamp headers.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
