package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kandev/workspace/internal/db/dialect"
)

// SessionRecord is the persisted form of a session, used to survive restarts.
type SessionRecord struct {
	WorkspaceRef           string
	ExecutionID            string
	DurableInstanceID      string
	Name                   string
	RootPath               string
	Backend                string
	CloneScope             string
	EnabledTools           []string
	RequireReadBeforeWrite bool
	CommandTimeoutSeconds  int
	Sequence               int
	Status                 string
	CreatedAt              time.Time
	LastAccessed           time.Time
}

// Store persists session records.
type Store interface {
	Save(ctx context.Context, rec *SessionRecord) error
	Get(ctx context.Context, workspaceRef string) (*SessionRecord, error)
	GetByExecutionID(ctx context.Context, executionID string) (*SessionRecord, error)
	ListActive(ctx context.Context) ([]*SessionRecord, error)
	Delete(ctx context.Context, workspaceRef string) error
}

// SQLStore stores session records in SQLite or PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore creates the store and ensures its schema exists.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("ensure session schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) ensureSchema() error {
	timestampType := "DATETIME"
	if dialect.IsPostgres(s.driver) {
		timestampType = "TIMESTAMPTZ"
	}

	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS workspace_sessions (
			workspace_ref TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			durable_instance_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			root_path TEXT NOT NULL,
			backend TEXT NOT NULL,
			clone_scope TEXT NOT NULL DEFAULT '',
			enabled_tools TEXT NOT NULL DEFAULT '[]',
			require_read_before_write INTEGER NOT NULL DEFAULT 0,
			command_timeout_seconds INTEGER NOT NULL DEFAULT 0,
			sequence INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at %s NOT NULL,
			last_accessed %s NOT NULL
		)`, timestampType, timestampType))
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_workspace_sessions_execution
		ON workspace_sessions (execution_id)`)
	return err
}

// Save upserts a session record.
func (s *SQLStore) Save(ctx context.Context, rec *SessionRecord) error {
	tools, err := json.Marshal(rec.EnabledTools)
	if err != nil {
		return fmt.Errorf("marshal enabled tools: %w", err)
	}

	query := dialect.Rebind(s.driver, `
		INSERT INTO workspace_sessions (
			workspace_ref, execution_id, durable_instance_id, name, root_path,
			backend, clone_scope, enabled_tools, require_read_before_write,
			command_timeout_seconds, sequence, status, created_at, last_accessed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_ref) DO UPDATE SET
			execution_id = excluded.execution_id,
			durable_instance_id = excluded.durable_instance_id,
			name = excluded.name,
			root_path = excluded.root_path,
			backend = excluded.backend,
			clone_scope = excluded.clone_scope,
			enabled_tools = excluded.enabled_tools,
			require_read_before_write = excluded.require_read_before_write,
			command_timeout_seconds = excluded.command_timeout_seconds,
			sequence = excluded.sequence,
			status = excluded.status,
			last_accessed = excluded.last_accessed`)

	_, err = s.db.ExecContext(ctx, query,
		rec.WorkspaceRef, rec.ExecutionID, rec.DurableInstanceID, rec.Name,
		rec.RootPath, rec.Backend, rec.CloneScope, string(tools),
		dialect.BoolToInt(rec.RequireReadBeforeWrite), rec.CommandTimeoutSeconds,
		rec.Sequence, rec.Status, rec.CreatedAt.UTC(), rec.LastAccessed.UTC(),
	)
	return err
}

// Get loads one session record.
func (s *SQLStore) Get(ctx context.Context, workspaceRef string) (*SessionRecord, error) {
	query := dialect.Rebind(s.driver, `
		SELECT workspace_ref, execution_id, durable_instance_id, name,
			root_path, backend, clone_scope, enabled_tools,
			require_read_before_write, command_timeout_seconds, sequence,
			status, created_at, last_accessed
		FROM workspace_sessions WHERE workspace_ref = ?`)

	rec, err := scanSession(s.db.QueryRowContext(ctx, query, workspaceRef))
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return rec, err
}

// GetByExecutionID loads the most recently touched record bound to an
// execution.
func (s *SQLStore) GetByExecutionID(ctx context.Context, executionID string) (*SessionRecord, error) {
	query := dialect.Rebind(s.driver, `
		SELECT workspace_ref, execution_id, durable_instance_id, name,
			root_path, backend, clone_scope, enabled_tools,
			require_read_before_write, command_timeout_seconds, sequence,
			status, created_at, last_accessed
		FROM workspace_sessions WHERE execution_id = ?
		ORDER BY last_accessed DESC LIMIT 1`)

	rec, err := scanSession(s.db.QueryRowContext(ctx, query, executionID))
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return rec, err
}

// ListActive returns all records with active status.
func (s *SQLStore) ListActive(ctx context.Context) ([]*SessionRecord, error) {
	query := dialect.Rebind(s.driver, `
		SELECT workspace_ref, execution_id, durable_instance_id, name,
			root_path, backend, clone_scope, enabled_tools,
			require_read_before_write, command_timeout_seconds, sequence,
			status, created_at, last_accessed
		FROM workspace_sessions WHERE status = ?`)

	rows, err := s.db.QueryContext(ctx, query, StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes a session record.
func (s *SQLStore) Delete(ctx context.Context, workspaceRef string) error {
	query := dialect.Rebind(s.driver, `DELETE FROM workspace_sessions WHERE workspace_ref = ?`)
	_, err := s.db.ExecContext(ctx, query, workspaceRef)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		rec          SessionRecord
		tools        string
		readBefore   int
		createdAt    time.Time
		lastAccessed time.Time
	)
	err := row.Scan(
		&rec.WorkspaceRef, &rec.ExecutionID, &rec.DurableInstanceID, &rec.Name,
		&rec.RootPath, &rec.Backend, &rec.CloneScope, &tools, &readBefore,
		&rec.CommandTimeoutSeconds, &rec.Sequence, &rec.Status,
		&createdAt, &lastAccessed,
	)
	if err != nil {
		return nil, err
	}

	if tools != "" {
		if err := json.Unmarshal([]byte(tools), &rec.EnabledTools); err != nil {
			return nil, fmt.Errorf("unmarshal enabled tools: %w", err)
		}
	}
	rec.RequireReadBeforeWrite = readBefore != 0
	rec.CreatedAt = createdAt
	rec.LastAccessed = lastAccessed
	return &rec, nil
}
