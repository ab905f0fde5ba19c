package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/costsentry/costsentry/pkg/models"
)

// AnomalyStore handles anomaly persistence
type AnomalyStore struct {
	db *DB
}

// NewAnomalyStore creates a new anomaly store
func NewAnomalyStore(db *DB) *AnomalyStore {
	return &AnomalyStore{db: db}
}

const anomalyColumns = `
	id, detected_at, updated_at, provider, service,
	observed_cost, expected_cost, deviation_percent,
	severity, description, status, resolved_at
`

// Create inserts a new anomaly. The partial unique index on open anomalies
// rejects a second open record for the same (provider, service) series.
func (s *AnomalyStore) Create(ctx context.Context, anomaly *models.Anomaly) error {
	if anomaly.ID == "" {
		anomaly.ID = uuid.New().String()
	}
	if anomaly.Status == "" {
		anomaly.Status = models.AnomalyOpen
	}

	query := `
		INSERT INTO anomalies (` + anomalyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		anomaly.ID, anomaly.DetectedAt.UTC(), anomaly.UpdatedAt.UTC(),
		anomaly.Provider, anomaly.Service,
		anomaly.ObservedCost, anomaly.ExpectedCost, anomaly.DeviationPercent,
		anomaly.Severity, anomaly.Description, anomaly.Status, nullTime(anomaly.ResolvedAt),
	)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create anomaly: %w", err)
	}

	return nil
}

// Get retrieves an anomaly by ID
func (s *AnomalyStore) Get(ctx context.Context, id string) (*models.Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE id = ?`

	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// GetOpenByKey returns the open anomaly for a (provider, service) series,
// or ErrNotFound if the series has none.
func (s *AnomalyStore) GetOpenByKey(ctx context.Context, provider, service string) (*models.Anomaly, error) {
	query := `
		SELECT ` + anomalyColumns + `
		FROM anomalies
		WHERE provider = ? AND service = ? AND status = 'open'
	`

	return s.scanOne(s.db.QueryRowContext(ctx, query, provider, service))
}

// UpdateObservation refreshes the observed cost, deviation and severity of
// an open anomaly after a repeat detection of the same sustained spike.
func (s *AnomalyStore) UpdateObservation(ctx context.Context, anomaly *models.Anomaly) error {
	query := `
		UPDATE anomalies SET
			observed_cost = ?,
			deviation_percent = ?,
			severity = ?,
			updated_at = ?
		WHERE id = ? AND status = 'open'
	`

	result, err := s.db.ExecContext(ctx, query,
		anomaly.ObservedCost,
		anomaly.DeviationPercent,
		anomaly.Severity,
		anomaly.UpdatedAt.UTC(),
		anomaly.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update anomaly observation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Resolve marks an open anomaly as resolved
func (s *AnomalyStore) Resolve(ctx context.Context, id string, resolvedAt time.Time) error {
	query := `
		UPDATE anomalies SET
			status = 'resolved',
			resolved_at = ?,
			updated_at = ?
		WHERE id = ? AND status = 'open'
	`

	result, err := s.db.ExecContext(ctx, query, resolvedAt.UTC(), resolvedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve anomaly: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// AnomalyFilter defines criteria for listing anomalies
type AnomalyFilter struct {
	Provider string
	Status   models.AnomalyStatus
	Limit    int
}

// List returns anomalies matching the filter, newest first
func (s *AnomalyStore) List(ctx context.Context, filter AnomalyFilter) ([]*models.Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE 1=1`

	var args []interface{}

	if filter.Provider != "" {
		query += " AND provider = ?"
		args = append(args, filter.Provider)
	}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY detected_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	defer rows.Close()

	var anomalies []*models.Anomaly
	for rows.Next() {
		anomaly, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		anomalies = append(anomalies, anomaly)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating anomalies: %w", err)
	}

	return anomalies, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *AnomalyStore) scanOne(row *sql.Row) (*models.Anomaly, error) {
	anomaly, err := scanAnomaly(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anomaly: %w", err)
	}
	return anomaly, nil
}

func (s *AnomalyStore) scanRow(rows *sql.Rows) (*models.Anomaly, error) {
	anomaly, err := scanAnomaly(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan anomaly: %w", err)
	}
	return anomaly, nil
}

func scanAnomaly(row rowScanner) (*models.Anomaly, error) {
	anomaly := &models.Anomaly{}
	var description sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&anomaly.ID, &anomaly.DetectedAt, &anomaly.UpdatedAt,
		&anomaly.Provider, &anomaly.Service,
		&anomaly.ObservedCost, &anomaly.ExpectedCost, &anomaly.DeviationPercent,
		&anomaly.Severity, &description, &anomaly.Status, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	anomaly.Description = description.String
	if resolvedAt.Valid {
		anomaly.ResolvedAt = resolvedAt.Time
	}

	return anomaly, nil
}

// nullTime converts a time to sql.NullTime
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
