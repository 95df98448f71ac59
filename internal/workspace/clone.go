package workspace

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/workspace/internal/artifact"
	"github.com/kandev/workspace/internal/events"
	"github.com/kandev/workspace/internal/sandbox"
	"github.com/kandev/workspace/internal/tracker"
)

// cloneTimeout bounds the git clone itself; large repositories over slow
// links need more headroom than regular commands.
const cloneTimeout = 10 * time.Minute

// tokenPlaceholder replaces credentials in anything surfaced to callers.
const tokenPlaceholder = "***"

// CloneRequest describes a repository clone into a session. The repository
// is addressed either by URL or by owner and name, which resolve against
// github.com.
type CloneRequest struct {
	URL       string `json:"url,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Repo      string `json:"repo,omitempty"`
	Branch    string `json:"branch,omitempty"`     // default branch when empty
	Token     string `json:"token,omitempty"`      // overrides host credentials
	TargetDir string `json:"target_dir,omitempty"` // defaults to the repository name
	Depth     int    `json:"depth,omitempty"`      // 0 uses the configured default
}

// CloneResult is the outcome of a successful clone.
type CloneResult struct {
	Repository    string             `json:"repository"`
	Branch        string             `json:"branch,omitempty"`
	TargetDir     string             `json:"target_dir"`
	CommitHash    string             `json:"commit_hash"`
	FileCount     int                `json:"file_count"`
	Change        *artifact.Artifact `json:"change,omitempty"`
	TrackingError string             `json:"tracking_error,omitempty"`
}

// CloneRepository clones a repository into a session subdirectory and makes
// that subdirectory the session's mutation scope. The clone's change
// artifact is stored but excluded from the combined execution patch.
func (m *Manager) CloneRepository(ctx context.Context, key string, req CloneRequest) (*CloneResult, error) {
	sess, err := m.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.touch()

	if !sess.toolEnabled(ToolCloneRepository) {
		return nil, fmt.Errorf("%w: %s", ErrToolDisabled, ToolCloneRepository)
	}
	if sess.CloneScope != "" {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCloned, sess.CloneScope)
	}

	repoURL, repository, err := resolveRepository(req)
	if err != nil {
		return nil, err
	}
	targetDir := req.TargetDir
	if targetDir == "" {
		targetDir = path.Base(repository)
	}

	root := sess.fs.Root()
	targetAbs, err := sandbox.RelativeWithinRoot(root, targetDir)
	if err != nil {
		return nil, err
	}
	targetRel := filepath.Clean(targetDir)

	// Clear any leftovers at the target so the clone starts clean.
	if err := sess.fs.Delete(ctx, targetRel, true); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return nil, fmt.Errorf("clear clone target: %w", err)
	}

	if result, err := sess.sandbox.Execute(ctx, "git --version", "", time.Minute); err != nil || !result.Success {
		return nil, tracker.ErrGitUnavailable
	}

	authURL, token, err := m.authenticateURL(ctx, repoURL, req.Token)
	if err != nil {
		return nil, err
	}

	depth := req.Depth
	if depth <= 0 {
		depth = m.config.Clone.Depth
	}
	cloneCmd := fmt.Sprintf("git clone --quiet --depth %d", depth)
	if req.Branch != "" {
		cloneCmd += fmt.Sprintf(" --branch %s --single-branch", shellQuote(req.Branch))
	}
	cloneCmd += fmt.Sprintf(" %s %s", shellQuote(authURL), shellQuote(targetAbs))

	result, err := sess.sandbox.Execute(ctx, cloneCmd, "", cloneTimeout)
	if err != nil {
		return nil, fmt.Errorf("clone repository: %w", err)
	}
	if result.TimedOut {
		return nil, fmt.Errorf("%w: timed out after %s", ErrCloneFailed, cloneTimeout)
	}
	if !result.Success {
		return nil, fmt.Errorf("%w: %s", ErrCloneFailed, redact(strings.TrimSpace(result.Stderr), token))
	}

	commitHash, err := m.cloneQuery(ctx, sess, targetAbs, "git rev-parse HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve clone commit: %w", err)
	}
	countOut, err := m.cloneQuery(ctx, sess, targetAbs, "git ls-files | wc -l")
	if err != nil {
		return nil, fmt.Errorf("count clone files: %w", err)
	}
	fileCount, _ := strconv.Atoi(countOut)

	branch := req.Branch
	if branch == "" {
		if head, err := m.cloneQuery(ctx, sess, targetAbs, "git rev-parse --abbrev-ref HEAD"); err == nil {
			branch = head
		}
	}

	if m.config.Clone.StripMetadata {
		stripCmd := fmt.Sprintf("rm -rf %s", shellQuote(targetAbs+"/.git"))
		if result, err := sess.sandbox.Execute(ctx, stripCmd, "", time.Minute); err != nil || !result.Success {
			m.logger.Warn("failed to strip clone metadata",
				zap.String("workspace_ref", sess.WorkspaceRef))
		}
	}

	sess.CloneScope = targetRel

	change, trackingErr := m.captureChange(ctx, sess, ToolCloneRepository, true)
	m.persist(ctx, sess)
	m.publish(ctx, events.CloneCompleted, map[string]interface{}{
		"workspace_ref": sess.WorkspaceRef,
		"execution_id":  sess.ExecutionID,
		"repository":    repository,
		"branch":        branch,
		"target_dir":    targetRel,
		"commit_hash":   commitHash,
		"file_count":    fileCount,
	})

	m.logger.Info("repository cloned",
		zap.String("workspace_ref", sess.WorkspaceRef),
		zap.String("repository", repository),
		zap.String("branch", branch),
		zap.String("target_dir", targetRel),
		zap.String("commit_hash", commitHash),
		zap.Int("file_count", fileCount))

	return &CloneResult{
		Repository:    repository,
		Branch:        branch,
		TargetDir:     targetRel,
		CommitHash:    commitHash,
		FileCount:     fileCount,
		Change:        change,
		TrackingError: trackingErr,
	}, nil
}

// resolveRepository normalizes the requested repository to a clone URL and a
// display name. Owner and repo take precedence and resolve against GitHub;
// otherwise the name is derived from the URL's trailing path segments.
func resolveRepository(req CloneRequest) (cloneURL, repository string, err error) {
	if req.Owner != "" && req.Repo != "" {
		repository = req.Owner + "/" + req.Repo
		return "https://github.com/" + repository + ".git", repository, nil
	}
	if req.URL == "" {
		return "", "", fmt.Errorf("%w: repository url or owner/repo is required", ErrCloneFailed)
	}

	trimmed := strings.TrimSuffix(strings.TrimRight(req.URL, "/"), ".git")
	segments := strings.Split(trimmed, "/")
	repository = segments[len(segments)-1]
	if len(segments) >= 2 {
		if owner := segments[len(segments)-2]; owner != "" && !strings.ContainsAny(owner, ":.") {
			repository = owner + "/" + repository
		}
	}
	return req.URL, repository, nil
}

// cloneQuery runs a command inside the fresh clone and returns its trimmed
// stdout.
func (m *Manager) cloneQuery(ctx context.Context, sess *Session, targetAbs, command string) (string, error) {
	result, err := sess.sandbox.Execute(ctx, command, targetAbs, time.Minute)
	if err != nil {
		return "", err
	}
	if !result.Success {
		return "", fmt.Errorf("%s: %s", command, strings.TrimSpace(result.Stderr))
	}
	return strings.TrimSpace(result.Stdout), nil
}

// authenticateURL embeds a token into an HTTP(S) clone URL. A caller-supplied
// token wins over host credentials. The token is returned so output
// containing it can be redacted.
func (m *Manager) authenticateURL(ctx context.Context, rawURL, callerToken string) (authURL, token string, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid repository url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return rawURL, "", nil
	}
	if parsed.User != nil {
		return rawURL, "", nil
	}

	token = callerToken
	if token == "" && m.creds != nil {
		token = m.creds.TokenForHost(ctx, parsed.Hostname())
	}
	if token == "" {
		return rawURL, "", nil
	}
	parsed.User = url.UserPassword("x-access-token", token)
	return parsed.String(), token, nil
}

// redact replaces a secret with a placeholder wherever it appears.
func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, tokenPlaceholder)
}

// shellQuote wraps s in single quotes, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
