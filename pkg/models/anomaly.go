package models

import "time"

// Severity classifies how far an observed cost deviates from its baseline
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AnomalyStatus represents whether an anomaly is still active
type AnomalyStatus string

const (
	AnomalyOpen     AnomalyStatus = "open"
	AnomalyResolved AnomalyStatus = "resolved"
)

// Anomaly is a detected cost deviation event. At most one open anomaly
// exists per (provider, service) series; repeat detections of a sustained
// spike update the existing record instead of creating a new one.
type Anomaly struct {
	ID               string        `json:"id"`
	DetectedAt       time.Time     `json:"detected_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	Provider         string        `json:"provider"`
	Service          string        `json:"service"`
	ObservedCost     float64       `json:"observed_cost"`
	ExpectedCost     float64       `json:"expected_cost"`
	DeviationPercent float64       `json:"deviation_percent"`
	Severity         Severity      `json:"severity"`
	Description      string        `json:"description"`
	Status           AnomalyStatus `json:"status"`
	ResolvedAt       time.Time     `json:"resolved_at,omitempty"`
}

// IsOpen returns true if the anomaly has not been resolved.
func (a *Anomaly) IsOpen() bool {
	return a.Status == AnomalyOpen
}
