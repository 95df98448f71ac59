package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kandev/workspace/internal/db/dialect"
	"github.com/kandev/workspace/internal/tracker"
)

// Repository persists artifact metadata.
type Repository interface {
	Insert(ctx context.Context, a *Artifact) error
	GetByID(ctx context.Context, id string) (*Artifact, error)
	ListByExecutionID(ctx context.Context, executionID string) ([]*Artifact, error)
	ListByWorkspaceRef(ctx context.Context, workspaceRef string) ([]*Artifact, error)
	DeleteByWorkspaceRef(ctx context.Context, workspaceRef string) ([]string, error)
}

// SQLRepository stores artifact metadata in SQLite or PostgreSQL.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// NewSQLRepository creates the repository and ensures its schema exists.
func NewSQLRepository(db *sql.DB, driver string) (*SQLRepository, error) {
	r := &SQLRepository{db: db, driver: driver}
	if err := r.ensureSchema(); err != nil {
		return nil, fmt.Errorf("ensure artifact schema: %w", err)
	}
	return r, nil
}

func (r *SQLRepository) ensureSchema() error {
	timestampType := "DATETIME"
	if dialect.IsPostgres(r.driver) {
		timestampType = "TIMESTAMPTZ"
	}

	_, err := r.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS change_artifacts (
			id TEXT PRIMARY KEY,
			workspace_ref TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			durable_instance_id TEXT NOT NULL DEFAULT '',
			operation TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			files TEXT NOT NULL DEFAULT '[]',
			additions INTEGER NOT NULL DEFAULT 0,
			deletions INTEGER NOT NULL DEFAULT 0,
			base_revision TEXT NOT NULL DEFAULT '',
			head_revision TEXT NOT NULL DEFAULT '',
			sha256 TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			original_size INTEGER NOT NULL DEFAULT 0,
			truncated INTEGER NOT NULL DEFAULT 0,
			compressed INTEGER NOT NULL DEFAULT 0,
			blob_key TEXT NOT NULL,
			excluded INTEGER NOT NULL DEFAULT 0,
			created_at %s NOT NULL
		)`, timestampType))
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_change_artifacts_execution
		ON change_artifacts (execution_id, sequence)`)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_change_artifacts_workspace
		ON change_artifacts (workspace_ref)`)
	return err
}

// Insert stores one artifact's metadata.
func (r *SQLRepository) Insert(ctx context.Context, a *Artifact) error {
	files, err := json.Marshal(a.Files)
	if err != nil {
		return fmt.Errorf("marshal file changes: %w", err)
	}

	query := dialect.Rebind(r.driver, `
		INSERT INTO change_artifacts (
			id, workspace_ref, execution_id, durable_instance_id, operation,
			sequence, files, additions, deletions, base_revision, head_revision,
			sha256, size_bytes, original_size, truncated, compressed, blob_key,
			excluded, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = r.db.ExecContext(ctx, query,
		a.ID, a.WorkspaceRef, a.ExecutionID, a.DurableInstanceID, a.Operation,
		a.Sequence, string(files), a.Additions, a.Deletions, a.BaseRevision,
		a.HeadRevision, a.SHA256, a.SizeBytes, a.OriginalSize,
		dialect.BoolToInt(a.Truncated), dialect.BoolToInt(a.Compressed),
		a.BlobKey, dialect.BoolToInt(a.Excluded), a.CreatedAt.UTC(),
	)
	return err
}

const artifactColumns = `id, workspace_ref, execution_id, durable_instance_id,
	operation, sequence, files, additions, deletions, base_revision,
	head_revision, sha256, size_bytes, original_size, truncated, compressed,
	blob_key, excluded, created_at`

// GetByID loads one artifact's metadata.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*Artifact, error) {
	query := dialect.Rebind(r.driver,
		`SELECT `+artifactColumns+` FROM change_artifacts WHERE id = ?`)
	row := r.db.QueryRowContext(ctx, query, id)

	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// ListByExecutionID returns an execution's artifacts ordered by sequence.
func (r *SQLRepository) ListByExecutionID(ctx context.Context, executionID string) ([]*Artifact, error) {
	query := dialect.Rebind(r.driver,
		`SELECT `+artifactColumns+` FROM change_artifacts
		WHERE execution_id = ? ORDER BY sequence ASC`)
	return r.list(ctx, query, executionID)
}

// ListByWorkspaceRef returns a workspace's artifacts ordered by sequence.
func (r *SQLRepository) ListByWorkspaceRef(ctx context.Context, workspaceRef string) ([]*Artifact, error) {
	query := dialect.Rebind(r.driver,
		`SELECT `+artifactColumns+` FROM change_artifacts
		WHERE workspace_ref = ? ORDER BY sequence ASC`)
	return r.list(ctx, query, workspaceRef)
}

func (r *SQLRepository) list(ctx context.Context, query string, arg any) ([]*Artifact, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// DeleteByWorkspaceRef removes a workspace's metadata rows and returns the
// blob keys so the caller can delete the payloads too.
func (r *SQLRepository) DeleteByWorkspaceRef(ctx context.Context, workspaceRef string) ([]string, error) {
	query := dialect.Rebind(r.driver,
		`SELECT blob_key FROM change_artifacts WHERE workspace_ref = ?`)
	rows, err := r.db.QueryContext(ctx, query, workspaceRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	del := dialect.Rebind(r.driver, `DELETE FROM change_artifacts WHERE workspace_ref = ?`)
	if _, err := r.db.ExecContext(ctx, del, workspaceRef); err != nil {
		return nil, err
	}
	return keys, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var (
		a         Artifact
		files     string
		truncated int
		compress  int
		excluded  int
		createdAt time.Time
	)
	err := row.Scan(
		&a.ID, &a.WorkspaceRef, &a.ExecutionID, &a.DurableInstanceID,
		&a.Operation, &a.Sequence, &files, &a.Additions, &a.Deletions,
		&a.BaseRevision, &a.HeadRevision, &a.SHA256, &a.SizeBytes,
		&a.OriginalSize, &truncated, &compress, &a.BlobKey, &excluded,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if files != "" {
		var changes []tracker.FileChange
		if err := json.Unmarshal([]byte(files), &changes); err != nil {
			return nil, fmt.Errorf("unmarshal file changes: %w", err)
		}
		a.Files = changes
	}
	a.Truncated = truncated != 0
	a.Compressed = compress != 0
	a.Excluded = excluded != 0
	a.CreatedAt = createdAt
	return &a, nil
}
