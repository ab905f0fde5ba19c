package models

import (
	"fmt"
	"time"
)

// CostSample is one normalized cost observation from a billing source.
// Samples are immutable facts: they are appended once and never mutated.
type CostSample struct {
	ID        string            `json:"id"`
	Provider  string            `json:"provider"`
	Service   string            `json:"service"`
	Timestamp time.Time         `json:"timestamp"`
	Cost      float64           `json:"cost"` // Cost in USD
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SampleKey identifies the (provider, service) series a sample belongs to.
type SampleKey struct {
	Provider string
	Service  string
}

// Key returns the series key for the sample.
func (s *CostSample) Key() SampleKey {
	return SampleKey{Provider: s.Provider, Service: s.Service}
}

// ValidationError describes a sample or payload rejected at the boundary.
// Invalid input never enters the detection pipeline.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Validate checks the sample before it is admitted to the store.
func (s *CostSample) Validate() error {
	if s.Provider == "" {
		return &ValidationError{Field: "provider", Reason: "must not be empty"}
	}
	if s.Service == "" {
		return &ValidationError{Field: "service", Reason: "must not be empty"}
	}
	if s.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "must be set"}
	}
	if s.Cost < 0 {
		return &ValidationError{Field: "cost", Reason: fmt.Sprintf("must be non-negative, got %.4f", s.Cost)}
	}
	return nil
}

// DailyTotal is the aggregated cost of one (provider, service) series for one day.
type DailyTotal struct {
	Day   time.Time `json:"day"` // Truncated to midnight UTC
	Total float64   `json:"total"`
}

// Baseline is the expected-cost reference derived from historical samples.
// It is computed on demand per detection cycle and never persisted.
type Baseline struct {
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"stddev"`
	SampleCount int       `json:"sample_count"` // Distinct days in the window
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// CostSummary provides aggregated cost information over a period.
type CostSummary struct {
	TotalCost   float64            `json:"total_cost"`
	SampleCount int                `json:"sample_count"`
	ByProvider  map[string]float64 `json:"by_provider,omitempty"`
	ByService   map[string]float64 `json:"by_service,omitempty"`
	PeriodStart time.Time          `json:"period_start,omitempty"`
	PeriodEnd   time.Time          `json:"period_end,omitempty"`
}

// CostQuery defines criteria for querying cost samples.
type CostQuery struct {
	Provider  string    `json:"provider,omitempty"`
	Service   string    `json:"service,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}
