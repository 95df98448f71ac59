package artifact

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/workspace/internal/common/config"
	"github.com/kandev/workspace/internal/common/logger"
	"github.com/kandev/workspace/internal/tracker"
)

// Oversize policies.
const (
	PolicyTruncate = "truncate"
	PolicyReject   = "reject"
)

const truncationNotice = "\n[patch truncated]\n"

// SaveInput carries everything needed to persist one captured change.
type SaveInput struct {
	WorkspaceRef      string
	ExecutionID       string
	DurableInstanceID string
	Operation         string
	Sequence          int
	Summary           *tracker.ChangeSummary
	Excluded          bool
}

// Store persists change artifacts: payloads in the blob store, metadata in
// the repository.
type Store struct {
	repo   Repository
	blobs  BlobStore
	config config.ArtifactConfig
	logger *logger.Logger
}

// NewStore creates an artifact store.
func NewStore(repo Repository, blobs BlobStore, cfg config.ArtifactConfig, log *logger.Logger) *Store {
	return &Store{
		repo:   repo,
		blobs:  blobs,
		config: cfg,
		logger: log.WithFields(zap.String("component", "artifact-store")),
	}
}

// Save stores one captured change. Oversize patches are truncated or
// rejected per configuration; payloads at or above the compression threshold
// are stored gzip-compressed. The checksum always covers the uncompressed
// stored text.
func (s *Store) Save(ctx context.Context, in SaveInput) (*Artifact, error) {
	patch := []byte(in.Summary.Patch)
	originalSize := int64(len(patch))
	truncated := false

	if s.config.MaxPatchBytes > 0 && len(patch) > s.config.MaxPatchBytes {
		switch s.config.OversizePolicy {
		case PolicyReject:
			return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrPatchTooLarge, len(patch), s.config.MaxPatchBytes)
		default:
			// The stored patch never exceeds the limit, notice included.
			cut := s.config.MaxPatchBytes - len(truncationNotice)
			if cut <= 0 {
				patch = patch[:s.config.MaxPatchBytes]
			} else {
				patch = append(patch[:cut:cut], truncationNotice...)
			}
			truncated = true
		}
	}

	sum := sha256.Sum256(patch)
	payload := patch
	compressed := false
	if s.config.CompressThreshold > 0 && len(patch) >= s.config.CompressThreshold {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(patch); err != nil {
			return nil, fmt.Errorf("compress patch: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("compress patch: %w", err)
		}
		payload = buf.Bytes()
		compressed = true
	}

	a := &Artifact{
		ID:                uuid.New().String(),
		WorkspaceRef:      in.WorkspaceRef,
		ExecutionID:       in.ExecutionID,
		DurableInstanceID: in.DurableInstanceID,
		Operation:         in.Operation,
		Sequence:          in.Sequence,
		Files:             in.Summary.Files,
		Additions:         in.Summary.Additions,
		Deletions:         in.Summary.Deletions,
		BaseRevision:      in.Summary.BaseRevision,
		HeadRevision:      in.Summary.HeadRevision,
		SHA256:            hex.EncodeToString(sum[:]),
		SizeBytes:         int64(len(patch)),
		Truncated:         truncated,
		Compressed:        compressed,
		Excluded:          in.Excluded,
		CreatedAt:         time.Now().UTC(),
	}
	if truncated {
		a.OriginalSize = originalSize
	}
	a.BlobKey = a.ID

	if err := s.blobs.Put(ctx, a.BlobKey, payload); err != nil {
		return nil, fmt.Errorf("store patch payload: %w", err)
	}
	if err := s.repo.Insert(ctx, a); err != nil {
		// Do not leave an orphaned payload behind.
		if delErr := s.blobs.Delete(ctx, a.BlobKey); delErr != nil {
			s.logger.Warn("failed to roll back payload blob",
				zap.String("blob_key", a.BlobKey), zap.Error(delErr))
		}
		return nil, fmt.Errorf("store artifact metadata: %w", err)
	}

	s.logger.Debug("artifact stored",
		zap.String("artifact_id", a.ID),
		zap.String("operation", a.Operation),
		zap.Int("sequence", a.Sequence),
		zap.Int64("size_bytes", a.SizeBytes),
		zap.Bool("compressed", compressed),
		zap.Bool("truncated", truncated))
	return a, nil
}

// Get loads an artifact and its patch text, verifying payload integrity.
func (s *Store) Get(ctx context.Context, id string) (*Artifact, string, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}

	payload, err := s.blobs.Get(ctx, a.BlobKey)
	if err != nil {
		return nil, "", fmt.Errorf("load patch payload: %w", err)
	}

	if a.Compressed {
		gz, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		payload, err = io.ReadAll(gz)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		if err := gz.Close(); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
	}

	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != a.SHA256 {
		return nil, "", fmt.Errorf("%w: checksum mismatch for artifact %s", ErrIntegrity, a.ID)
	}
	return a, string(payload), nil
}

// ListByExecutionID returns an execution's artifact metadata in sequence order.
func (s *Store) ListByExecutionID(ctx context.Context, executionID string) ([]*Artifact, error) {
	return s.repo.ListByExecutionID(ctx, executionID)
}

// ListByWorkspaceRef returns a workspace's artifact metadata in sequence order.
func (s *Store) ListByWorkspaceRef(ctx context.Context, workspaceRef string) ([]*Artifact, error) {
	return s.repo.ListByWorkspaceRef(ctx, workspaceRef)
}

// PatchOptions filters the combined execution patch.
type PatchOptions struct {
	// DurableInstanceID, when set, restricts the patch to artifacts bound
	// to that instance.
	DurableInstanceID string

	// IncludeExcluded folds clone artifacts into the patch as well.
	IncludeExcluded bool
}

// ExecutionPatch assembles the combined patch for an execution by
// concatenating the per-operation patches in sequence order.
func (s *Store) ExecutionPatch(ctx context.Context, executionID string, opts PatchOptions) (string, error) {
	artifacts, err := s.repo.ListByExecutionID(ctx, executionID)
	if err != nil {
		return "", err
	}

	var parts []string
	for _, a := range artifacts {
		if a.Excluded && !opts.IncludeExcluded {
			continue
		}
		if opts.DurableInstanceID != "" && a.DurableInstanceID != opts.DurableInstanceID {
			continue
		}
		_, patch, err := s.Get(ctx, a.ID)
		if err != nil {
			return "", fmt.Errorf("load artifact %s: %w", a.ID, err)
		}
		if patch == "" {
			continue
		}
		parts = append(parts, strings.TrimRight(patch, "\n"))
	}
	if len(parts) == 0 {
		return "", nil
	}
	return strings.Join(parts, "\n") + "\n", nil
}

// DeleteByWorkspaceRef removes a workspace's artifacts, payloads included.
func (s *Store) DeleteByWorkspaceRef(ctx context.Context, workspaceRef string) error {
	keys, err := s.repo.DeleteByWorkspaceRef(ctx, workspaceRef)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to delete payload blob",
				zap.String("blob_key", key), zap.Error(err))
		}
	}
	return nil
}
