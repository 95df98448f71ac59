// Package artifact stores the change artifacts captured after workspace
// operations: patch payloads in a content-addressed blob store, metadata in
// the relational store.
package artifact

import (
	"errors"
	"time"

	"github.com/kandev/workspace/internal/tracker"
)

var (
	// ErrNotFound is returned when no artifact exists for an ID.
	ErrNotFound = errors.New("artifact not found")

	// ErrPatchTooLarge is returned when a patch exceeds the configured
	// maximum and the oversize policy is "reject".
	ErrPatchTooLarge = errors.New("patch exceeds maximum size")

	// ErrIntegrity is returned when a stored payload no longer matches its
	// recorded checksum.
	ErrIntegrity = errors.New("artifact payload failed integrity check")
)

// Artifact is the stored record of one operation's captured changes.
// The patch payload itself lives in the blob store under BlobKey.
type Artifact struct {
	ID                string               `json:"id"`
	WorkspaceRef      string               `json:"workspace_ref"`
	ExecutionID       string               `json:"execution_id"`
	DurableInstanceID string               `json:"durable_instance_id,omitempty"`
	Operation         string               `json:"operation"`
	Sequence          int                  `json:"sequence"`
	Files             []tracker.FileChange `json:"files,omitempty"`
	Additions         int                  `json:"additions"`
	Deletions         int                  `json:"deletions"`
	BaseRevision      string               `json:"base_revision"`
	HeadRevision      string               `json:"head_revision"`

	// Payload accounting. SizeBytes is the stored (possibly truncated)
	// uncompressed size; OriginalSize is only set when truncation applied.
	SHA256       string `json:"sha256"`
	SizeBytes    int64  `json:"size_bytes"`
	OriginalSize int64  `json:"original_size,omitempty"`
	Truncated    bool   `json:"truncated"`
	Compressed   bool   `json:"compressed"`
	BlobKey      string `json:"-"`

	// Excluded artifacts (repository clones) are skipped when assembling
	// the combined execution patch.
	Excluded bool `json:"excluded"`

	CreatedAt time.Time `json:"created_at"`
}
