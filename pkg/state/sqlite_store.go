package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a store backed by the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: path}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if s.path == ":memory:" {
		// Each pooled connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// CreateRun records the start of a run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, topology, start_phase, phase_reached, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Topology, run.StartPhase, run.PhaseReached, string(run.Status), run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun records the final status of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, phaseReached string, errMsg *string) error {
	query := `
		UPDATE runs SET status = ?, phase_reached = ?, completed_at = ?, error = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, string(status), phaseReached, time.Now(), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// GetRun fetches one run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, topology, start_phase, phase_reached, status, started_at, completed_at, error
		FROM runs WHERE id = ?`
	run := &Run{}
	var status string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.Topology, &run.StartPhase, &run.PhaseReached,
		&status, &run.StartedAt, &run.CompletedAt, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	run.Status = RunStatus(status)
	return run, nil
}

// ListRuns returns recent runs for a topology, newest first. An empty
// topology lists runs across all topologies.
func (s *SQLiteStore) ListRuns(ctx context.Context, topology string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, topology, start_phase, phase_reached, status, started_at, completed_at, error
		FROM runs`
	args := []any{}
	if topology != "" {
		query += ` WHERE topology = ?`
		args = append(args, topology)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var status string
		if err := rows.Scan(
			&run.ID, &run.Topology, &run.StartPhase, &run.PhaseReached,
			&status, &run.StartedAt, &run.CompletedAt, &run.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Status = RunStatus(status)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpsertResource stores the provisioning outcome for one spec.
func (s *SQLiteStore) UpsertResource(ctx context.Context, rec *ResourceRecord) error {
	query := `
		INSERT INTO resources (topology, spec_id, name, role, platform_id, node, state, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(topology, spec_id) DO UPDATE SET
			name = excluded.name, role = excluded.role, platform_id = excluded.platform_id,
			node = excluded.node, state = excluded.state, error = excluded.error,
			updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		rec.Topology, rec.SpecID, rec.Name, rec.Role, rec.PlatformID,
		rec.Node, rec.State, rec.Error, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}
	return nil
}

// ListResources returns cached resources for a topology ordered by spec id.
func (s *SQLiteStore) ListResources(ctx context.Context, topology string) ([]*ResourceRecord, error) {
	query := `
		SELECT topology, spec_id, name, role, platform_id, node, state, error, updated_at
		FROM resources WHERE topology = ? ORDER BY spec_id ASC`
	rows, err := s.db.QueryContext(ctx, query, topology)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var recs []*ResourceRecord
	for rows.Next() {
		rec := &ResourceRecord{}
		if err := rows.Scan(
			&rec.Topology, &rec.SpecID, &rec.Name, &rec.Role, &rec.PlatformID,
			&rec.Node, &rec.State, &rec.Error, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UpsertAddress stores the latest discovered address for one spec.
func (s *SQLiteStore) UpsertAddress(ctx context.Context, rec *AddressRecord) error {
	query := `
		INSERT INTO addresses (topology, spec_id, address, interface, discovered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(topology, spec_id) DO UPDATE SET
			address = excluded.address, interface = excluded.interface,
			discovered_at = excluded.discovered_at`
	_, err := s.db.ExecContext(ctx, query,
		rec.Topology, rec.SpecID, rec.Address, rec.Interface, rec.DiscoveredAt)
	if err != nil {
		return fmt.Errorf("failed to upsert address: %w", err)
	}
	return nil
}

// ListAddresses returns cached addresses for a topology ordered by spec id.
func (s *SQLiteStore) ListAddresses(ctx context.Context, topology string) ([]*AddressRecord, error) {
	query := `
		SELECT topology, spec_id, address, interface, discovered_at
		FROM addresses WHERE topology = ? ORDER BY spec_id ASC`
	rows, err := s.db.QueryContext(ctx, query, topology)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	defer rows.Close()

	var recs []*AddressRecord
	for rows.Next() {
		rec := &AddressRecord{}
		if err := rows.Scan(
			&rec.Topology, &rec.SpecID, &rec.Address, &rec.Interface, &rec.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SaveInventory caches the rendered inventory document for a topology.
func (s *SQLiteStore) SaveInventory(ctx context.Context, rec *InventoryRecord) error {
	query := `
		INSERT INTO inventories (topology, document, resolved_at)
		VALUES (?, ?, ?)
		ON CONFLICT(topology) DO UPDATE SET
			document = excluded.document, resolved_at = excluded.resolved_at`
	_, err := s.db.ExecContext(ctx, query, rec.Topology, rec.Document, rec.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to save inventory: %w", err)
	}
	return nil
}

// GetInventory fetches the cached inventory for a topology, or nil when none
// has been resolved yet.
func (s *SQLiteStore) GetInventory(ctx context.Context, topology string) (*InventoryRecord, error) {
	query := `SELECT topology, document, resolved_at FROM inventories WHERE topology = ?`
	rec := &InventoryRecord{}
	err := s.db.QueryRowContext(ctx, query, topology).Scan(
		&rec.Topology, &rec.Document, &rec.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inventory: %w", err)
	}
	return rec, nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
