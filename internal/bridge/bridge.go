package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/costsentry/costsentry/internal/logging"
	"github.com/costsentry/costsentry/internal/metrics"
	"github.com/costsentry/costsentry/pkg/models"
)

const (
	// EventActionReview is the outbound event announcing a review decision
	EventActionReview = "action_review"

	// EventExecutionComplete is the inbound event reporting a workflow outcome
	EventExecutionComplete = "execution_complete"

	defaultRequestTimeout = 10 * time.Second
	defaultMaxAttempts    = 5
	defaultBackoffBase    = 1 * time.Second
	defaultRatePerSecond  = 5.0
)

// ErrNotificationUndeliverable indicates all delivery attempts were
// exhausted. The caller records the action as failed.
var ErrNotificationUndeliverable = errors.New("notification undeliverable")

// ReviewNotification is the exact wire body the orchestrator's resume
// endpoint expects. Field set and values are a fixed contract.
type ReviewNotification struct {
	Event    string `json:"event"`
	ActionID string `json:"action_id"`
	Status   string `json:"status"`
	Approver string `json:"approver"`
}

// ExecutionCallback is the exact wire body the orchestrator POSTs back
// when a workflow reaches a terminal state.
type ExecutionCallback struct {
	Event    string `json:"event" binding:"required,eq=execution_complete"`
	ActionID string `json:"action_id" binding:"required"`
	Status   string `json:"status" binding:"required,oneof=executed failed"`
}

// Bridge delivers approval notifications to the external orchestrator's
// resume endpoint. Retries with exponential backoff up to a fixed attempt
// budget; a shared rate limiter caps outbound pressure across all
// notifications.
type Bridge struct {
	resumeURL      string
	token          string
	httpClient     *http.Client
	requestTimeout time.Duration
	maxAttempts    int
	backoffBase    time.Duration
	limiter        *rate.Limiter
}

// Option configures the bridge
type Option func(*Bridge)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(b *Bridge) {
		b.httpClient = client
	}
}

// WithRequestTimeout sets the per-attempt timeout
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.requestTimeout = d
		}
	}
}

// WithMaxAttempts sets the delivery attempt budget
func WithMaxAttempts(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithBackoffBase sets the base delay doubled after each failed attempt
func WithBackoffBase(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.backoffBase = d
		}
	}
}

// WithRateLimit sets the outbound notifications per second
func WithRateLimit(perSecond float64) Option {
	return func(b *Bridge) {
		if perSecond > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// New creates a bridge for the given resume endpoint
func New(resumeURL, token string, opts ...Option) *Bridge {
	b := &Bridge{
		resumeURL:      resumeURL,
		token:          token,
		httpClient:     &http.Client{},
		requestTimeout: defaultRequestTimeout,
		maxAttempts:    defaultMaxAttempts,
		backoffBase:    defaultBackoffBase,
		limiter:        rate.NewLimiter(rate.Limit(defaultRatePerSecond), 1),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// NotifyApproved posts the approval to the orchestrator's resume endpoint.
// Returns nil once a 2xx lands; returns ErrNotificationUndeliverable after
// the attempt budget is spent or the context is cancelled.
func (b *Bridge) NotifyApproved(ctx context.Context, action *models.Action) error {
	body, err := json.Marshal(ReviewNotification{
		Event:    EventActionReview,
		ActionID: action.ID,
		Status:   "approved",
		Approver: action.Approver,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrNotificationUndeliverable, err)
		}

		lastErr = b.deliver(ctx, body)
		if lastErr == nil {
			metrics.RecordNotificationSent()
			logging.Info(ctx, "approval notification delivered", "attempt", attempt)
			return nil
		}

		metrics.RecordNotificationAttemptFailure()
		logging.Warn(ctx, "approval notification attempt failed",
			"attempt", attempt,
			"max_attempts", b.maxAttempts,
			"error", lastErr.Error())

		if attempt < b.maxAttempts {
			backoff := b.backoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrNotificationUndeliverable, ctx.Err())
			}
		}
	}

	metrics.RecordNotificationUndeliverable()
	return fmt.Errorf("%w after %d attempts: %v", ErrNotificationUndeliverable, b.maxAttempts, lastErr)
}

func (b *Bridge) deliver(ctx context.Context, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, "POST", b.resumeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("orchestrator returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
