package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/costsentry/costsentry/pkg/models"
)

// Common errors returned by billing feed sources
var (
	ErrSourceRateLimit   = errors.New("source rate limit exceeded")
	ErrSourceAuth        = errors.New("source authentication failed")
	ErrSourceUnavailable = errors.New("source temporarily unavailable")
	ErrInvalidResponse   = errors.New("invalid source response")
)

// Source defines the interface for provider billing feeds. A source failure
// is transient by contract: the poller logs it and retries on the next
// cycle, never crashing the loop.
type Source interface {
	// Name returns the provider identifier ("aws" | "gcp" | "azure")
	Name() string

	// FetchSamples returns cost samples recorded at or after since.
	// Returned samples are not yet validated.
	FetchSamples(ctx context.Context, since time.Time) ([]models.CostSample, error)
}
