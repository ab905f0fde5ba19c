package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/costsentry/costsentry/internal/logging"
	"github.com/costsentry/costsentry/pkg/models"
)

const defaultTimeout = 5 * time.Second

// Notifier announces noteworthy events to a human channel. Delivery is
// best-effort: failures are logged and never propagated, and calls never
// block the caller.
type Notifier interface {
	AnomalyDetected(anomaly *models.Anomaly)
	ActionTerminal(action *models.Action)
}

// Noop discards all notifications
type Noop struct{}

func (Noop) AnomalyDetected(anomaly *models.Anomaly) {}
func (Noop) ActionTerminal(action *models.Action)    {}

// Slack posts notifications to a Slack incoming webhook
type Slack struct {
	webhookURL string
	httpClient *http.Client
}

// NewSlack creates a Slack notifier. An empty webhook URL yields a Noop.
func NewSlack(webhookURL string) Notifier {
	if webhookURL == "" {
		return Noop{}
	}
	return &Slack{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

type slackMessage struct {
	Text string `json:"text"`
}

// AnomalyDetected announces a newly opened anomaly
func (s *Slack) AnomalyDetected(anomaly *models.Anomaly) {
	s.post(fmt.Sprintf(":rotating_light: [%s] cost anomaly on %s/%s: $%.2f/day vs baseline $%.2f (%.0f%% over)",
		anomaly.Severity, anomaly.Provider, anomaly.Service,
		anomaly.ObservedCost, anomaly.ExpectedCost, anomaly.DeviationPercent))
}

// ActionTerminal announces an action reaching a terminal state
func (s *Slack) ActionTerminal(action *models.Action) {
	msg := fmt.Sprintf("action %s (%s) reached %s", action.ID, action.ActionType, action.Status)
	if action.FailureReason != "" {
		msg += fmt.Sprintf(" (%s)", action.FailureReason)
	}
	if action.Status == models.ActionExecuted {
		msg = ":white_check_mark: " + msg +
			fmt.Sprintf(", estimated savings $%.2f/day", action.EstimatedSavings)
	}
	s.post(msg)
}

func (s *Slack) post(text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()

		body, err := json.Marshal(slackMessage{Text: text})
		if err != nil {
			logging.Error(ctx, "failed to marshal slack message", "error", err.Error())
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", s.webhookURL, bytes.NewReader(body))
		if err != nil {
			logging.Error(ctx, "failed to create slack request", "error", err.Error())
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			logging.Warn(ctx, "slack notification failed", "error", err.Error())
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			logging.Warn(ctx, "slack webhook rejected message", "status", resp.StatusCode)
		}
	}()
}
