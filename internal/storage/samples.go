package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/costsentry/costsentry/pkg/models"
)

// SampleStore handles cost sample persistence. Samples are append-only:
// there is no update path.
type SampleStore struct {
	db *DB
}

// NewSampleStore creates a new sample store
func NewSampleStore(db *DB) *SampleStore {
	return &SampleStore{db: db}
}

// Append inserts a new cost sample. Re-inserting the same
// (provider, service, timestamp) point is a no-op, which makes ingestion
// safe to replay after a crash.
func (s *SampleStore) Append(ctx context.Context, sample *models.CostSample) error {
	if sample.ID == "" {
		sample.ID = uuid.New().String()
	}

	var metadata []byte
	if len(sample.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(sample.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal sample metadata: %w", err)
		}
	}

	query := `
		INSERT INTO samples (id, provider, service, timestamp, cost, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		sample.ID,
		sample.Provider,
		sample.Service,
		sample.Timestamp.UTC(),
		sample.Cost,
		string(metadata),
	)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil // Duplicate point, already recorded
		}
		return fmt.Errorf("failed to append sample: %w", err)
	}

	return nil
}

// GetDailyTotals returns per-day aggregated cost for a (provider, service)
// series over [start, end), ordered by day ascending. Days with no samples
// are simply absent.
func (s *SampleStore) GetDailyTotals(ctx context.Context, provider, service string, start, end time.Time) ([]models.DailyTotal, error) {
	query := `
		SELECT date(timestamp) as day, SUM(cost) as total
		FROM samples
		WHERE provider = ? AND service = ? AND timestamp >= ? AND timestamp < ?
		GROUP BY date(timestamp)
		ORDER BY day ASC
	`

	rows, err := s.db.QueryContext(ctx, query, provider, service, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to get daily totals: %w", err)
	}
	defer rows.Close()

	var totals []models.DailyTotal
	for rows.Next() {
		var dayStr string
		var total float64
		if err := rows.Scan(&dayStr, &total); err != nil {
			return nil, fmt.Errorf("failed to scan daily total: %w", err)
		}
		day, err := time.Parse("2006-01-02", dayStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse day %q: %w", dayStr, err)
		}
		totals = append(totals, models.DailyTotal{Day: day, Total: total})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily totals: %w", err)
	}

	return totals, nil
}

// GetSummary returns aggregated cost information for the given query
func (s *SampleStore) GetSummary(ctx context.Context, query models.CostQuery) (*models.CostSummary, error) {
	where, args := buildSampleWhere(query)

	summary := &models.CostSummary{
		ByProvider:  make(map[string]float64),
		ByService:   make(map[string]float64),
		PeriodStart: query.StartTime,
		PeriodEnd:   query.EndTime,
	}

	totalQuery := `
		SELECT COALESCE(SUM(cost), 0), COUNT(*)
		FROM samples
	` + where

	err := s.db.QueryRowContext(ctx, totalQuery, args...).Scan(
		&summary.TotalCost,
		&summary.SampleCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get cost summary: %w", err)
	}

	providerQuery := `
		SELECT provider, COALESCE(SUM(cost), 0)
		FROM samples
	` + where + ` GROUP BY provider`

	rows, err := s.db.QueryContext(ctx, providerQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get provider breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var provider string
		var amount float64
		if err := rows.Scan(&provider, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan provider row: %w", err)
		}
		summary.ByProvider[provider] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provider breakdown: %w", err)
	}

	serviceQuery := `
		SELECT service, COALESCE(SUM(cost), 0)
		FROM samples
	` + where + ` GROUP BY service`

	rows, err = s.db.QueryContext(ctx, serviceQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get service breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var service string
		var amount float64
		if err := rows.Scan(&service, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan service row: %w", err)
		}
		summary.ByService[service] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating service breakdown: %w", err)
	}

	return summary, nil
}

// GetActiveKeys returns the distinct (provider, service) series that
// received samples at or after the given time.
func (s *SampleStore) GetActiveKeys(ctx context.Context, since time.Time) ([]models.SampleKey, error) {
	query := `
		SELECT DISTINCT provider, service
		FROM samples
		WHERE timestamp >= ?
		ORDER BY provider, service
	`

	rows, err := s.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to get active keys: %w", err)
	}
	defer rows.Close()

	var keys []models.SampleKey
	for rows.Next() {
		var key models.SampleKey
		if err := rows.Scan(&key.Provider, &key.Service); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func buildSampleWhere(query models.CostQuery) (string, []interface{}) {
	where := " WHERE 1=1"
	var args []interface{}

	if query.Provider != "" {
		where += " AND provider = ?"
		args = append(args, query.Provider)
	}
	if query.Service != "" {
		where += " AND service = ?"
		args = append(args, query.Service)
	}
	if !query.StartTime.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, query.StartTime.UTC())
	}
	if !query.EndTime.IsZero() {
		where += " AND timestamp < ?"
		args = append(args, query.EndTime.UTC())
	}

	return where, args
}
