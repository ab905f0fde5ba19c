package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationSamples,
		migrationAnomalies,
		migrationActions,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	// Run index migrations that may fail if already exists
	indexMigrations := []string{
		migrationSampleDedup,
		migrationOpenAnomalyDedup,
	}

	for _, migration := range indexMigrations {
		_, _ = db.ExecContext(ctx, migration) // Ignore errors for idempotency
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationSamples = `
CREATE TABLE IF NOT EXISTS samples (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	service TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	cost REAL NOT NULL,
	metadata TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationAnomalies = `
CREATE TABLE IF NOT EXISTS anomalies (
	id TEXT PRIMARY KEY,
	detected_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	provider TEXT NOT NULL,
	service TEXT NOT NULL,
	observed_cost REAL NOT NULL,
	expected_cost REAL NOT NULL,
	deviation_percent REAL NOT NULL,
	severity TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'open',
	resolved_at DATETIME
);
`

const migrationActions = `
CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	anomaly_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	description TEXT,
	estimated_savings REAL NOT NULL DEFAULT 0,
	risk_level TEXT NOT NULL,
	requires_approval INTEGER NOT NULL DEFAULT 1,
	auto_approved INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'proposed',
	approver TEXT,
	failure_reason TEXT,
	external_workflow_ref TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	approved_at DATETIME,

	FOREIGN KEY (anomaly_id) REFERENCES anomalies(id)
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_samples_series ON samples(provider, service, timestamp);
CREATE INDEX IF NOT EXISTS idx_anomalies_series ON anomalies(provider, service);
CREATE INDEX IF NOT EXISTS idx_anomalies_status ON anomalies(status);
CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(status);
CREATE INDEX IF NOT EXISTS idx_actions_anomaly_id ON actions(anomaly_id);
CREATE INDEX IF NOT EXISTS idx_actions_updated_at ON actions(updated_at);
`

// migrationSampleDedup makes sample ingestion idempotent: re-fetching the
// same window after a crash inserts nothing new.
const migrationSampleDedup = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_samples_unique_point
ON samples(provider, service, timestamp);
`

// migrationOpenAnomalyDedup enforces the single-open-anomaly invariant per
// (provider, service) at the storage layer, catching detector races.
const migrationOpenAnomalyDedup = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_anomalies_open_series
ON anomalies(provider, service)
WHERE status = 'open';
`
