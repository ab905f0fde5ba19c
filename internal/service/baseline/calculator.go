package baseline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/costsentry/costsentry/pkg/models"
)

const (
	defaultWindowDays = 7
	defaultMinDays    = 3
)

// ErrInsufficientData indicates the baseline window held too few distinct
// days to produce a meaningful baseline.
var ErrInsufficientData = errors.New("insufficient baseline data")

// InsufficientDataError reports how much data was found versus required
type InsufficientDataError struct {
	Provider     string
	Service      string
	DaysFound    int
	DaysRequired int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient baseline data for %s/%s: %d days found, %d required",
		e.Provider, e.Service, e.DaysFound, e.DaysRequired)
}

func (e *InsufficientDataError) Unwrap() error {
	return ErrInsufficientData
}

// SampleReader provides the daily aggregates the calculator needs
type SampleReader interface {
	GetDailyTotals(ctx context.Context, provider, service string, start, end time.Time) ([]models.DailyTotal, error)
}

// Calculator computes trailing baselines from stored cost samples. It is a
// pure query: nothing is cached or persisted.
type Calculator struct {
	samples    SampleReader
	windowDays int
	minDays    int
}

// Option configures the calculator
type Option func(*Calculator)

// WithWindowDays sets the trailing window length in days
func WithWindowDays(days int) Option {
	return func(c *Calculator) {
		if days > 0 {
			c.windowDays = days
		}
	}
}

// WithMinDays sets the minimum distinct days required for a baseline
func WithMinDays(days int) Option {
	return func(c *Calculator) {
		if days > 0 {
			c.minDays = days
		}
	}
}

// NewCalculator creates a baseline calculator
func NewCalculator(samples SampleReader, opts ...Option) *Calculator {
	c := &Calculator{
		samples:    samples,
		windowDays: defaultWindowDays,
		minDays:    defaultMinDays,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Compute returns the baseline for a (provider, service) series over the
// trailing window ending at the start of the current UTC day. The current
// partial day is excluded so an in-progress spike cannot inflate its own
// baseline.
func (c *Calculator) Compute(ctx context.Context, provider, service string, now time.Time) (*models.Baseline, error) {
	end := startOfDay(now.UTC())
	start := end.AddDate(0, 0, -c.windowDays)

	totals, err := c.samples.GetDailyTotals(ctx, provider, service, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to read daily totals: %w", err)
	}

	if len(totals) < c.minDays {
		return nil, &InsufficientDataError{
			Provider:     provider,
			Service:      service,
			DaysFound:    len(totals),
			DaysRequired: c.minDays,
		}
	}

	var sum float64
	for _, t := range totals {
		sum += t.Total
	}
	mean := sum / float64(len(totals))

	var variance float64
	for _, t := range totals {
		d := t.Total - mean
		variance += d * d
	}
	variance /= float64(len(totals))

	return &models.Baseline{
		Mean:        mean,
		StdDev:      math.Sqrt(variance),
		SampleCount: len(totals),
		WindowStart: start,
		WindowEnd:   end,
	}, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
