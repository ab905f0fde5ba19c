package cmd

// Wire types mirroring the server's JSON responses. Kept local so the CLI
// only depends on the HTTP contract.

// Anomaly represents a detected cost deviation from the API
type Anomaly struct {
	ID               string  `json:"id"`
	DetectedAt       string  `json:"detected_at"`
	UpdatedAt        string  `json:"updated_at"`
	Provider         string  `json:"provider"`
	Service          string  `json:"service"`
	ObservedCost     float64 `json:"observed_cost"`
	ExpectedCost     float64 `json:"expected_cost"`
	DeviationPercent float64 `json:"deviation_percent"`
	Severity         string  `json:"severity"`
	Description      string  `json:"description"`
	Status           string  `json:"status"`
	ResolvedAt       string  `json:"resolved_at,omitempty"`
}

// Action represents an optimization action from the API
type Action struct {
	ID                  string  `json:"id"`
	AnomalyID           string  `json:"anomaly_id"`
	ActionType          string  `json:"action_type"`
	Description         string  `json:"description"`
	EstimatedSavings    float64 `json:"estimated_savings"`
	RiskLevel           string  `json:"risk_level"`
	RequiresApproval    bool    `json:"requires_approval"`
	AutoApproved        bool    `json:"auto_approved"`
	Status              string  `json:"status"`
	Approver            string  `json:"approver,omitempty"`
	FailureReason       string  `json:"failure_reason,omitempty"`
	ExternalWorkflowRef string  `json:"external_workflow_ref,omitempty"`
	CreatedAt           string  `json:"created_at"`
	UpdatedAt           string  `json:"updated_at"`
	ApprovedAt          string  `json:"approved_at,omitempty"`
}

// isZeroTime reports whether an RFC3339 field is absent or the zero value
func isZeroTime(s string) bool {
	return s == "" || s == "0001-01-01T00:00:00Z"
}

// CostSummary represents aggregated spend from the API
type CostSummary struct {
	TotalCost   float64            `json:"total_cost"`
	SampleCount int                `json:"sample_count"`
	ByProvider  map[string]float64 `json:"by_provider,omitempty"`
	ByService   map[string]float64 `json:"by_service,omitempty"`
	PeriodStart string             `json:"period_start,omitempty"`
	PeriodEnd   string             `json:"period_end,omitempty"`
}
