package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/costsentry/costsentry/pkg/models"
)

// ActionStore handles optimization action persistence
type ActionStore struct {
	db *DB
}

// NewActionStore creates a new action store
func NewActionStore(db *DB) *ActionStore {
	return &ActionStore{db: db}
}

const actionColumns = `
	id, anomaly_id, action_type, description, estimated_savings,
	risk_level, requires_approval, auto_approved, status,
	approver, failure_reason, external_workflow_ref,
	created_at, updated_at, approved_at
`

// Create inserts a new action in its initial status
func (s *ActionStore) Create(ctx context.Context, action *models.Action) error {
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.Status == "" {
		action.Status = models.ActionProposed
	}

	query := `
		INSERT INTO actions (` + actionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		action.ID, action.AnomalyID, action.ActionType, action.Description,
		action.EstimatedSavings, action.RiskLevel,
		action.RequiresApproval, action.AutoApproved, action.Status,
		nullString(action.Approver), nullString(action.FailureReason),
		nullString(action.ExternalWorkflowRef),
		action.CreatedAt.UTC(), action.UpdatedAt.UTC(), nullTime(action.ApprovedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create action: %w", err)
	}

	return nil
}

// Get retrieves an action by ID
func (s *ActionStore) Get(ctx context.Context, id string) (*models.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE id = ?`

	action, err := scanAction(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}

	return action, nil
}

// Transition commits a state change conditioned on the status the caller
// read. If another writer moved the action first the update matches zero
// rows and ErrStatusConflict is returned; ErrNotFound if the action does
// not exist at all. This conditional write is the lifecycle engine's
// commit point.
func (s *ActionStore) Transition(ctx context.Context, action *models.Action, fromStatus models.ActionStatus) error {
	query := `
		UPDATE actions SET
			status = ?,
			approver = ?,
			failure_reason = ?,
			external_workflow_ref = ?,
			updated_at = ?,
			approved_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		action.Status,
		nullString(action.Approver),
		nullString(action.FailureReason),
		nullString(action.ExternalWorkflowRef),
		action.UpdatedAt.UTC(),
		nullTime(action.ApprovedAt),
		action.ID,
		fromStatus,
	)
	if err != nil {
		return fmt.Errorf("failed to transition action: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a lost race from a missing action
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM actions WHERE id = ?`, action.ID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check action existence: %w", err)
		}
		return ErrStatusConflict
	}

	return nil
}

// ActionFilter defines criteria for listing actions
type ActionFilter struct {
	Status    models.ActionStatus
	AnomalyID string
	Limit     int
}

// List returns actions matching the filter, newest first
func (s *ActionStore) List(ctx context.Context, filter ActionFilter) ([]*models.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE 1=1`

	var args []interface{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	if filter.AnomalyID != "" {
		query += " AND anomaly_id = ?"
		args = append(args, filter.AnomalyID)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	return collectActions(rows)
}

// GetStale returns actions sitting in the given status whose last update
// is older than the cutoff. The timeout sweep uses this to find actions
// past their approval or execution SLA.
func (s *ActionStore) GetStale(ctx context.Context, status models.ActionStatus, cutoff time.Time) ([]*models.Action, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM actions
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, status, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to get stale actions: %w", err)
	}
	defer rows.Close()

	return collectActions(rows)
}

// CountByStatus returns the number of actions in each status
func (s *ActionStore) CountByStatus(ctx context.Context) (map[models.ActionStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM actions GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count actions: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ActionStatus]int)
	for rows.Next() {
		var status models.ActionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

func collectActions(rows *sql.Rows) ([]*models.Action, error) {
	var actions []*models.Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return actions, nil
}

func scanAction(row rowScanner) (*models.Action, error) {
	action := &models.Action{}
	var description, approver, failureReason, workflowRef sql.NullString
	var approvedAt sql.NullTime

	err := row.Scan(
		&action.ID, &action.AnomalyID, &action.ActionType, &description,
		&action.EstimatedSavings, &action.RiskLevel,
		&action.RequiresApproval, &action.AutoApproved, &action.Status,
		&approver, &failureReason, &workflowRef,
		&action.CreatedAt, &action.UpdatedAt, &approvedAt,
	)
	if err != nil {
		return nil, err
	}

	action.Description = description.String
	action.Approver = approver.String
	action.FailureReason = failureReason.String
	action.ExternalWorkflowRef = workflowRef.String
	if approvedAt.Valid {
		action.ApprovedAt = approvedAt.Time
	}

	return action, nil
}

// nullString converts a string to sql.NullString
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
