package tracker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/workspace/internal/common/logger"
)

// gitTimeout bounds every shadow-repository git invocation.
const gitTimeout = 2 * time.Minute

// GitTracker tracks changes with a shadow git repository. The git directory
// lives next to the session root (never inside it), and every invocation
// pins --git-dir and --work-tree explicitly so no repository inside the
// workspace is ever touched.
type GitTracker struct {
	runner Runner
	root   string
	gitDir string
	logger *logger.Logger

	mu          sync.Mutex
	initialized bool
	disabled    bool
	disabledErr error
}

// NewGitTracker creates a tracker for the session rooted at root. The shadow
// repository is placed at root + ".shadow-git".
func NewGitTracker(runner Runner, root string, log *logger.Logger) *GitTracker {
	return &GitTracker{
		runner: runner,
		root:   root,
		gitDir: root + ".shadow-git",
		logger: log.WithFields(zap.String("component", "git-tracker")),
	}
}

// Init creates the shadow repository and commits the baseline state.
func (t *GitTracker) Init(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.rawGit(ctx, "--version"); err != nil {
		return t.disable(fmt.Errorf("%w: %v", ErrGitUnavailable, err))
	}

	// A bare git dir with an explicit work tree keeps all metadata outside
	// the session root.
	if _, err := t.rawGit(ctx, fmt.Sprintf("init --quiet --bare %s", shellQuote(t.gitDir))); err != nil {
		return t.disable(fmt.Errorf("init shadow repository: %w", err))
	}
	for _, cfg := range []string{
		"config user.email workspaced@localhost",
		"config user.name workspaced",
		"config core.bare false",
		"config commit.gpgsign false",
	} {
		if _, err := t.git(ctx, cfg); err != nil {
			return t.disable(fmt.Errorf("configure shadow repository: %w", err))
		}
	}

	if _, err := t.git(ctx, "add -A"); err != nil {
		return t.disable(fmt.Errorf("stage baseline: %w", err))
	}
	if _, err := t.git(ctx, "commit --quiet --allow-empty -m baseline"); err != nil {
		return t.disable(fmt.Errorf("commit baseline: %w", err))
	}

	t.initialized = true
	t.logger.Debug("shadow repository initialized", zap.String("git_dir", t.gitDir))
	return nil
}

// Track stages everything, diffs against the previous baseline, and commits
// the new state. An error disables the tracker for the rest of the session.
func (t *GitTracker) Track(ctx context.Context, operation string, sequence int) (*ChangeSummary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disabled {
		return nil, fmt.Errorf("%w: %v", ErrTrackingDisabled, t.disabledErr)
	}
	if !t.initialized {
		return nil, fmt.Errorf("%w: tracker not initialized", ErrTrackingDisabled)
	}

	summary, err := t.capture(ctx, operation, sequence)
	if err != nil {
		return nil, t.disable(err)
	}
	return summary, nil
}

func (t *GitTracker) capture(ctx context.Context, operation string, sequence int) (*ChangeSummary, error) {
	baseRev, err := t.git(ctx, "rev-parse HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve base revision: %w", err)
	}
	baseRev = strings.TrimSpace(baseRev)

	if _, err := t.git(ctx, "add -A"); err != nil {
		return nil, fmt.Errorf("stage changes: %w", err)
	}

	patch, err := t.git(ctx, "diff --cached -M --binary HEAD")
	if err != nil {
		return nil, fmt.Errorf("diff changes: %w", err)
	}
	if strings.TrimSpace(patch) == "" {
		return &ChangeSummary{
			Changed:      false,
			BaseRevision: baseRev,
			HeadRevision: baseRev,
		}, nil
	}

	nameStatus, err := t.git(ctx, "diff --cached -M --name-status HEAD")
	if err != nil {
		return nil, fmt.Errorf("list changed files: %w", err)
	}
	numstat, err := t.git(ctx, "diff --cached -M --numstat HEAD")
	if err != nil {
		return nil, fmt.Errorf("count changed lines: %w", err)
	}

	message := fmt.Sprintf("%s (seq %d)", operation, sequence)
	if _, err := t.git(ctx, fmt.Sprintf("commit --quiet -m %s", shellQuote(message))); err != nil {
		return nil, fmt.Errorf("commit changes: %w", err)
	}

	headRev, err := t.git(ctx, "rev-parse HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve head revision: %w", err)
	}

	additions, deletions := parseNumstat(numstat)
	return &ChangeSummary{
		Changed:      true,
		Patch:        patch,
		Files:        parseNameStatus(nameStatus),
		Additions:    additions,
		Deletions:    deletions,
		BaseRevision: baseRev,
		HeadRevision: strings.TrimSpace(headRev),
	}, nil
}

// Disabled reports whether tracking shut itself off.
func (t *GitTracker) Disabled() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disabled, t.disabledErr
}

// Cleanup removes the shadow repository.
func (t *GitTracker) Cleanup(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.run(ctx, fmt.Sprintf("rm -rf %s", shellQuote(t.gitDir)))
	t.initialized = false
	return err
}

// disable marks the tracker dead and returns the cause. Callers report the
// failure alongside the primary operation's result, they never fail it.
func (t *GitTracker) disable(err error) error {
	t.disabled = true
	t.disabledErr = err
	t.logger.Warn("change tracking disabled", zap.Error(err))
	return err
}

// git runs a git subcommand pinned to the shadow repository and work tree.
func (t *GitTracker) git(ctx context.Context, args string) (string, error) {
	cmd := fmt.Sprintf("git --git-dir=%s --work-tree=%s %s",
		shellQuote(t.gitDir), shellQuote(t.root), args)
	return t.run(ctx, cmd)
}

// rawGit runs a git command without the --git-dir/--work-tree pinning.
func (t *GitTracker) rawGit(ctx context.Context, args string) (string, error) {
	return t.run(ctx, "git "+args)
}

func (t *GitTracker) run(ctx context.Context, command string) (string, error) {
	result, err := t.runner.Execute(ctx, command, "", gitTimeout)
	if err != nil {
		return "", err
	}
	if result.TimedOut {
		return "", fmt.Errorf("git command timed out after %s", gitTimeout)
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("git exited with code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return result.Stdout, nil
}

// parseNameStatus converts `diff --name-status` output into FileChanges.
// Rename lines carry two tab-separated paths.
func parseNameStatus(out string) []FileChange {
	var changes []FileChange
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			continue
		}
		status := parts[0]
		switch {
		case strings.HasPrefix(status, "A"):
			changes = append(changes, FileChange{Path: parts[1], Status: StatusAdded})
		case strings.HasPrefix(status, "M"):
			changes = append(changes, FileChange{Path: parts[1], Status: StatusModified})
		case strings.HasPrefix(status, "D"):
			changes = append(changes, FileChange{Path: parts[1], Status: StatusDeleted})
		case strings.HasPrefix(status, "R") && len(parts) >= 3:
			changes = append(changes, FileChange{Path: parts[2], Status: StatusRenamed, OldPath: parts[1]})
		}
	}
	return changes
}

// parseNumstat sums additions and deletions. Binary files report "-" and
// contribute nothing to the counts.
func parseNumstat(out string) (additions, deletions int) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if a, err := strconv.Atoi(fields[0]); err == nil {
			additions += a
		}
		if d, err := strconv.Atoi(fields[1]); err == nil {
			deletions += d
		}
	}
	return additions, deletions
}

// shellQuote wraps s in single quotes, escaping embedded quotes, so paths
// and messages survive the shell the runner hands commands to.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
