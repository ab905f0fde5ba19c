package models

import "time"

// ActionStatus represents the current state of an optimization action.
// Status is owned exclusively by the action lifecycle engine: every
// mutation passes through its transition function.
type ActionStatus string

const (
	ActionProposed        ActionStatus = "proposed"         // Created, not yet routed for review
	ActionPendingApproval ActionStatus = "pending_approval" // Waiting for a human decision
	ActionApproved        ActionStatus = "approved"         // Approved, orchestrator being notified
	ActionRejected        ActionStatus = "rejected"         // Declined by a reviewer
	ActionExecuting       ActionStatus = "executing"        // Orchestrator workflow in flight
	ActionExecuted        ActionStatus = "executed"         // Orchestrator reported success
	ActionFailed          ActionStatus = "failed"           // Orchestrator reported failure, or notification undeliverable
	ActionExpired         ActionStatus = "expired"          // Timed out waiting in a non-terminal state
)

// ActionType identifies the remediation a proposal suggests
type ActionType string

const (
	ActionScaleDown     ActionType = "scale_down"
	ActionRightsize     ActionType = "rightsize"
	ActionSwitchModel   ActionType = "switch_model"
	ActionEnableCaching ActionType = "enable_caching"
	ActionTerminateIdle ActionType = "terminate_idle"
)

// RiskLevel classifies how disruptive an action could be if executed
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// FailureReason values recorded on actions that reach the failed state
const (
	ReasonNotificationUndeliverable = "NotificationUndeliverable"
	ReasonExecutionFailed           = "ExecutionFailed"
)

// Action is an optimization remediation tied to an anomaly, tracked from
// proposal through a terminal state.
type Action struct {
	ID               string       `json:"id"`
	AnomalyID        string       `json:"anomaly_id"`
	ActionType       ActionType   `json:"action_type"`
	Description      string       `json:"description"`
	EstimatedSavings float64      `json:"estimated_savings"`
	RiskLevel        RiskLevel    `json:"risk_level"`
	RequiresApproval bool         `json:"requires_approval"`
	AutoApproved     bool         `json:"auto_approved"`
	Status           ActionStatus `json:"status"`
	Approver         string       `json:"approver,omitempty"`
	FailureReason    string       `json:"failure_reason,omitempty"`

	// ExternalWorkflowRef is the orchestrator's workflow instance handle.
	// Set once when execution begins; at most one workflow per action.
	ExternalWorkflowRef string `json:"external_workflow_ref,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ApprovedAt time.Time `json:"approved_at,omitempty"`
}

// IsTerminal returns true if the action can no longer transition.
func (a *Action) IsTerminal() bool {
	switch a.Status {
	case ActionRejected, ActionExecuted, ActionFailed, ActionExpired:
		return true
	}
	return false
}

// CompletionOutcome converts a terminal execution status to its recorded
// outcome, returning false for states that carry no completion outcome.
func (a *Action) CompletionOutcome() (ActionStatus, bool) {
	if a.Status == ActionExecuted || (a.Status == ActionFailed && a.FailureReason == ReasonExecutionFailed) {
		if a.Status == ActionExecuted {
			return ActionExecuted, true
		}
		return ActionFailed, true
	}
	return "", false
}
