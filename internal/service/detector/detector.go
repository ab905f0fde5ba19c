package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/costsentry/costsentry/internal/logging"
	"github.com/costsentry/costsentry/internal/metrics"
	"github.com/costsentry/costsentry/internal/service/baseline"
	"github.com/costsentry/costsentry/internal/storage"
	"github.com/costsentry/costsentry/pkg/models"
)

const defaultEpsilon = 0.01

// Thresholds are deviation percentages above which each severity applies
type Thresholds struct {
	Low      float64
	Medium   float64
	High     float64
	Critical float64
}

// DefaultThresholds returns the standard severity thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 25, Medium: 50, High: 100, Critical: 200}
}

// BaselineComputer provides trailing baselines for a series
type BaselineComputer interface {
	Compute(ctx context.Context, provider, service string, now time.Time) (*models.Baseline, error)
}

// AnomalyWriter is the anomaly store surface the detector needs
type AnomalyWriter interface {
	Create(ctx context.Context, anomaly *models.Anomaly) error
	GetOpenByKey(ctx context.Context, provider, service string) (*models.Anomaly, error)
	UpdateObservation(ctx context.Context, anomaly *models.Anomaly) error
	Resolve(ctx context.Context, id string, resolvedAt time.Time) error
}

// Result describes what one evaluation did
type Result struct {
	// Anomaly is the open anomaly after evaluation, nil when the series is
	// healthy or the detection was suppressed.
	Anomaly *models.Anomaly

	// New is true when this evaluation created the anomaly. Repeat
	// detections of a sustained spike update the existing record and
	// report New as false.
	New bool

	// Resolved is true when this evaluation closed a previously open anomaly.
	Resolved bool
}

// Detector evaluates observed daily cost against the series baseline and
// maintains open anomalies. At most one open anomaly exists per
// (provider, service); the detector folds repeat detections into it.
type Detector struct {
	baselines  BaselineComputer
	anomalies  AnomalyWriter
	epsilon    float64
	thresholds Thresholds
}

// Option configures the detector
type Option func(*Detector)

// WithEpsilon sets the divide-by-zero floor for the baseline mean
func WithEpsilon(epsilon float64) Option {
	return func(d *Detector) {
		if epsilon > 0 {
			d.epsilon = epsilon
		}
	}
}

// WithThresholds sets the severity thresholds
func WithThresholds(t Thresholds) Option {
	return func(d *Detector) {
		d.thresholds = t
	}
}

// New creates a detector
func New(baselines BaselineComputer, anomalies AnomalyWriter, opts ...Option) *Detector {
	d := &Detector{
		baselines:  baselines,
		anomalies:  anomalies,
		epsilon:    defaultEpsilon,
		thresholds: DefaultThresholds(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Evaluate compares the observed daily cost for a series against its
// baseline. Insufficient baseline data suppresses detection without error:
// a short history is an expected condition, not a failure of the cycle.
func (d *Detector) Evaluate(ctx context.Context, provider, service string, observed float64, now time.Time) (*Result, error) {
	ctx = logging.WithProvider(ctx, provider)

	base, err := d.baselines.Compute(ctx, provider, service, now)
	if err != nil {
		if errors.Is(err, baseline.ErrInsufficientData) {
			metrics.RecordInsufficientData(provider)
			logging.Debug(ctx, "detection suppressed, baseline window too short",
				"service", service, "error", err.Error())
			return &Result{}, nil
		}
		return nil, fmt.Errorf("failed to compute baseline: %w", err)
	}

	mean := base.Mean
	if mean < d.epsilon {
		mean = d.epsilon
	}
	deviation := (observed - base.Mean) / mean * 100

	open, err := d.anomalies.GetOpenByKey(ctx, provider, service)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up open anomaly: %w", err)
	}

	// Back below the alerting floor: close out any open anomaly
	if deviation < d.thresholds.Low {
		if open == nil {
			return &Result{}, nil
		}
		if err := d.anomalies.Resolve(ctx, open.ID, now); err != nil {
			return nil, fmt.Errorf("failed to resolve anomaly: %w", err)
		}
		metrics.RecordAnomalyResolved()
		logging.Info(logging.WithAnomalyID(ctx, open.ID), "anomaly resolved",
			"service", service, "deviation_percent", deviation)
		return &Result{Resolved: true}, nil
	}

	severity := d.severityFor(deviation)

	if open != nil {
		open.ObservedCost = observed
		open.DeviationPercent = deviation
		open.Severity = severity
		open.UpdatedAt = now
		if err := d.anomalies.UpdateObservation(ctx, open); err != nil {
			return nil, fmt.Errorf("failed to update anomaly: %w", err)
		}
		metrics.RecordAnomalyUpdated()
		return &Result{Anomaly: open}, nil
	}

	anomaly := &models.Anomaly{
		DetectedAt:       now,
		UpdatedAt:        now,
		Provider:         provider,
		Service:          service,
		ObservedCost:     observed,
		ExpectedCost:     base.Mean,
		DeviationPercent: deviation,
		Severity:         severity,
		Description: fmt.Sprintf("%s/%s daily cost %.2f exceeds baseline %.2f by %.1f%%",
			provider, service, observed, base.Mean, deviation),
		Status: models.AnomalyOpen,
	}

	if err := d.anomalies.Create(ctx, anomaly); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Lost a race with a concurrent evaluation of the same series;
			// the other writer's record stands.
			metrics.RecordAnomalyUpdated()
			existing, getErr := d.anomalies.GetOpenByKey(ctx, provider, service)
			if getErr != nil {
				return nil, fmt.Errorf("failed to fetch racing anomaly: %w", getErr)
			}
			return &Result{Anomaly: existing}, nil
		}
		return nil, fmt.Errorf("failed to create anomaly: %w", err)
	}

	metrics.RecordAnomalyDetected(provider, string(severity))
	logging.Info(logging.WithAnomalyID(ctx, anomaly.ID), "anomaly detected",
		"service", service,
		"severity", severity,
		"observed_cost", observed,
		"expected_cost", base.Mean,
		"deviation_percent", deviation)

	return &Result{Anomaly: anomaly, New: true}, nil
}

// severityFor returns the highest severity whose threshold the deviation
// crosses. Callers guarantee deviation >= the low threshold.
func (d *Detector) severityFor(deviation float64) models.Severity {
	switch {
	case deviation >= d.thresholds.Critical:
		return models.SeverityCritical
	case deviation >= d.thresholds.High:
		return models.SeverityHigh
	case deviation >= d.thresholds.Medium:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
