package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/costsentry/costsentry/internal/alerting"
	"github.com/costsentry/costsentry/internal/ingest"
	"github.com/costsentry/costsentry/internal/logging"
	"github.com/costsentry/costsentry/internal/metrics"
	"github.com/costsentry/costsentry/internal/service/detector"
	"github.com/costsentry/costsentry/pkg/models"
)

const (
	// DefaultPollInterval is how often a full ingest-and-detect cycle runs
	DefaultPollInterval = 5 * time.Minute

	// DefaultFetchTimeout bounds one source fetch so a hung feed cannot
	// stall the cycle
	DefaultFetchTimeout = 2 * time.Minute

	// DefaultLookback is how far back the first fetch reaches, enough to
	// seed a full baseline window
	DefaultLookback = 8 * 24 * time.Hour
)

// SampleStore is the persistence surface the poller needs
type SampleStore interface {
	Append(ctx context.Context, sample *models.CostSample) error
	GetDailyTotals(ctx context.Context, provider, service string, start, end time.Time) ([]models.DailyTotal, error)
}

// Evaluator runs anomaly detection for one series
type Evaluator interface {
	Evaluate(ctx context.Context, provider, service string, observed float64, now time.Time) (*detector.Result, error)
}

// Proposer builds the action candidate for an anomaly
type Proposer interface {
	Propose(anomaly *models.Anomaly) *models.Action
}

// Engine accepts action candidates into the lifecycle
type Engine interface {
	Propose(ctx context.Context, candidate *models.Action) (*models.Action, error)
}

// Poller drives the ingest-and-detect loop: fetch from every enabled
// billing feed, persist valid samples, then evaluate each touched series
// independently. One provider being down never affects the others, and a
// failed cycle is simply retried on the next tick.
type Poller struct {
	sources   []ingest.Source
	samples   SampleStore
	evaluator Evaluator
	proposer  Proposer
	engine    Engine
	alerts    alerting.Notifier
	logger    *slog.Logger

	pollInterval time.Duration
	fetchTimeout time.Duration
	lookback     time.Duration

	// For time mocking in tests
	now func() time.Time

	// Per-provider fetch high-water marks
	marksMu sync.Mutex
	marks   map[string]time.Time

	// Shutdown coordination
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures the poller
type Option func(*Poller)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithPollInterval sets the cycle interval
func WithPollInterval(d time.Duration) Option {
	return func(p *Poller) {
		p.pollInterval = d
	}
}

// WithFetchTimeout sets the per-source fetch timeout
func WithFetchTimeout(d time.Duration) Option {
	return func(p *Poller) {
		p.fetchTimeout = d
	}
}

// WithLookback sets how far back the first fetch reaches
func WithLookback(d time.Duration) Option {
	return func(p *Poller) {
		p.lookback = d
	}
}

// WithAlerts sets the notifier for new anomalies
func WithAlerts(n alerting.Notifier) Option {
	return func(p *Poller) {
		p.alerts = n
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(p *Poller) {
		p.now = fn
	}
}

// New creates a poller
func New(sources []ingest.Source, samples SampleStore, evaluator Evaluator, proposer Proposer, engine Engine, opts ...Option) *Poller {
	p := &Poller{
		sources:      sources,
		samples:      samples,
		evaluator:    evaluator,
		proposer:     proposer,
		engine:       engine,
		alerts:       alerting.Noop{},
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		fetchTimeout: DefaultFetchTimeout,
		lookback:     DefaultLookback,
		now:          time.Now,
		marks:        make(map[string]time.Time),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start begins the poll loop
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info("poller starting",
		slog.Duration("poll_interval", p.pollInterval),
		slog.Int("sources", len(p.sources)))

	go p.run(ctx)
	return nil
}

// Stop gracefully stops the poll loop
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.logger.Info("poller stopped")
}

// IsRunning returns whether the poll loop is active
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.RunCycle(ctx)

	for {
		select {
		case <-ticker.C:
			p.RunCycle(ctx)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunCycle executes one full ingest-and-detect cycle
func (p *Poller) RunCycle(ctx context.Context) {
	start := p.now()
	defer func() {
		metrics.RecordDetectionCycle(time.Since(start))
	}()

	keys := p.ingestAll(ctx)

	for key := range keys {
		p.evaluateSeries(ctx, key)
	}
}

// ingestAll fetches from every source concurrently and returns the set of
// series that received samples
func (p *Poller) ingestAll(ctx context.Context) map[models.SampleKey]struct{} {
	var wg sync.WaitGroup
	var mu sync.Mutex
	keys := make(map[models.SampleKey]struct{})

	for _, source := range p.sources {
		wg.Add(1)
		go func(src ingest.Source) {
			defer wg.Done()
			for key := range p.ingestSource(ctx, src) {
				mu.Lock()
				keys[key] = struct{}{}
				mu.Unlock()
			}
		}(source)
	}

	wg.Wait()
	return keys
}

// ingestSource fetches and persists one provider's samples
func (p *Poller) ingestSource(ctx context.Context, src ingest.Source) map[models.SampleKey]struct{} {
	provider := src.Name()
	ctx = logging.WithProvider(ctx, provider)

	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	since := p.sinceFor(provider)
	samples, err := src.FetchSamples(fetchCtx, since)
	if err != nil {
		metrics.RecordSourceFetchError(provider)
		logging.Warn(ctx, "billing feed fetch failed, retrying next cycle",
			"since", since, "error", err.Error())
		return nil
	}

	keys := make(map[models.SampleKey]struct{})
	highWater := since

	for i := range samples {
		sample := samples[i]
		sample.Provider = provider

		if err := sample.Validate(); err != nil {
			metrics.RecordSampleRejected(provider)
			logging.Warn(ctx, "dropping malformed sample",
				"service", sample.Service, "error", err.Error())
			continue
		}

		if err := p.samples.Append(ctx, &sample); err != nil {
			logging.Error(ctx, "failed to persist sample",
				"service", sample.Service, "error", err.Error())
			continue
		}

		metrics.RecordSampleIngested(provider)
		keys[models.SampleKey{Provider: sample.Provider, Service: sample.Service}] = struct{}{}
		if sample.Timestamp.After(highWater) {
			highWater = sample.Timestamp
		}
	}

	p.advanceMark(provider, highWater)
	logging.Debug(ctx, "source ingested", "samples", len(samples), "series", len(keys))

	return keys
}

// evaluateSeries runs baseline, detection and proposal for one series
func (p *Poller) evaluateSeries(ctx context.Context, key models.SampleKey) {
	now := p.now()

	observed, err := p.observedToday(ctx, key, now)
	if err != nil {
		logging.Error(ctx, "failed to read observed cost",
			"provider", key.Provider, "service", key.Service, "error", err.Error())
		return
	}

	result, err := p.evaluator.Evaluate(ctx, key.Provider, key.Service, observed, now)
	if err != nil {
		logging.Error(ctx, "detection failed",
			"provider", key.Provider, "service", key.Service, "error", err.Error())
		return
	}

	if result.Anomaly == nil || !result.New {
		return
	}

	p.alerts.AnomalyDetected(result.Anomaly)

	candidate := p.proposer.Propose(result.Anomaly)
	if _, err := p.engine.Propose(ctx, candidate); err != nil {
		logging.Error(logging.WithAnomalyID(ctx, result.Anomaly.ID),
			"failed to propose action", "error", err.Error())
	}
}

// observedToday returns the running total for the current UTC day
func (p *Poller) observedToday(ctx context.Context, key models.SampleKey, now time.Time) (float64, error) {
	day := now.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	totals, err := p.samples.GetDailyTotals(ctx, key.Provider, key.Service, start, end)
	if err != nil {
		return 0, err
	}

	var observed float64
	for _, t := range totals {
		observed += t.Total
	}
	return observed, nil
}

func (p *Poller) sinceFor(provider string) time.Time {
	p.marksMu.Lock()
	defer p.marksMu.Unlock()
	if mark, ok := p.marks[provider]; ok {
		return mark
	}
	return p.now().Add(-p.lookback)
}

func (p *Poller) advanceMark(provider string, mark time.Time) {
	p.marksMu.Lock()
	defer p.marksMu.Unlock()
	if mark.After(p.marks[provider]) {
		p.marks[provider] = mark
	}
}
