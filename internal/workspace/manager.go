package workspace

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/workspace/internal/artifact"
	"github.com/kandev/workspace/internal/common/config"
	"github.com/kandev/workspace/internal/common/logger"
	"github.com/kandev/workspace/internal/credentials"
	"github.com/kandev/workspace/internal/events"
	"github.com/kandev/workspace/internal/events/bus"
	"github.com/kandev/workspace/internal/sandbox"
	"github.com/kandev/workspace/internal/tracker"
)

// ProfileSpec describes the session profile requested for a workspace.
type ProfileSpec struct {
	WorkspaceRef           string
	ExecutionID            string
	Name                   string
	Backend                string // optional override, defaults to configuration
	EnabledTools           []string
	RequireReadBeforeWrite bool
	CommandTimeoutSeconds  int
}

// Manager owns every live workspace session. It provisions sandboxes,
// routes operations to them, captures change artifacts, and evicts idle
// sessions on a TTL.
type Manager struct {
	config    *config.Config
	logger    *logger.Logger
	eventBus  bus.EventBus
	store     Store
	artifacts *artifact.Store
	creds     *credentials.Manager
	docker    *sandbox.DockerClient // nil when the remote backend is unavailable

	// Live sessions indexed by every lookup key.
	sessions    map[string]*Session // by workspace ref
	byExecution map[string]*Session
	byInstance  map[string]*Session
	mu          sync.RWMutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a workspace session manager.
func NewManager(
	cfg *config.Config,
	store Store,
	artifacts *artifact.Store,
	creds *credentials.Manager,
	docker *sandbox.DockerClient,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Manager {
	return &Manager{
		config:      cfg,
		logger:      log.WithFields(zap.String("component", "workspace-manager")),
		eventBus:    eventBus,
		store:       store,
		artifacts:   artifacts,
		creds:       creds,
		docker:      docker,
		sessions:    make(map[string]*Session),
		byExecution: make(map[string]*Session),
		byInstance:  make(map[string]*Session),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the eviction sweeper.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("starting workspace manager",
		zap.String("backend", m.config.Sandbox.Backend),
		zap.Duration("session_ttl", m.config.Workspace.SessionTTLDuration()))

	m.wg.Add(1)
	go m.sweepLoop()
	return nil
}

// Stop halts the sweeper. Live sessions are left in place so durable
// workspaces survive a restart; their records are already persisted.
func (m *Manager) Stop(ctx context.Context) {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("workspace manager stopped")
}

// CreateOrGetProfile returns the session for a workspace ref or execution
// ID, creating it if needed. The call is idempotent: an existing live
// session is returned untouched, a persisted one is rehydrated, and only
// then is a fresh sandbox provisioned. A request carrying only an execution
// ID gets a generated workspace ref.
func (m *Manager) CreateOrGetProfile(ctx context.Context, spec ProfileSpec) (*SessionInfo, error) {
	if spec.WorkspaceRef == "" && spec.ExecutionID == "" {
		return nil, fmt.Errorf("workspace ref or execution id is required")
	}

	m.mu.Lock()
	if sess, ok := m.lookupLocked(spec.WorkspaceRef, spec.ExecutionID); ok {
		sess.touch()
		info := sess.Info()
		m.mu.Unlock()
		return &info, nil
	}
	m.mu.Unlock()

	if spec.WorkspaceRef == "" {
		spec.WorkspaceRef = uuid.New().String()
	}

	sess, err := m.buildSession(ctx, spec)
	if err != nil {
		return nil, err
	}

	// A concurrent create for the same ref or execution may have won the
	// race while the sandbox was provisioning.
	m.mu.Lock()
	if existing, ok := m.lookupLocked(sess.WorkspaceRef, sess.ExecutionID); ok {
		m.mu.Unlock()
		m.discardDuplicate(ctx, sess)
		existing.touch()
		info := existing.Info()
		return &info, nil
	}
	m.index(sess)
	m.mu.Unlock()

	m.persist(ctx, sess)
	m.publish(ctx, events.SessionCreated, map[string]interface{}{
		"workspace_ref": sess.WorkspaceRef,
		"execution_id":  sess.ExecutionID,
		"backend":       sess.Backend,
	})

	m.logger.Info("workspace session created",
		zap.String("workspace_ref", sess.WorkspaceRef),
		zap.String("execution_id", sess.ExecutionID),
		zap.String("backend", sess.Backend))

	info := sess.Info()
	return &info, nil
}

// buildSession provisions a session, rehydrating from a persisted record
// when one exists.
func (m *Manager) buildSession(ctx context.Context, spec ProfileSpec) (*Session, error) {
	if m.store != nil {
		rec, err := m.store.Get(ctx, spec.WorkspaceRef)
		if err != nil && spec.ExecutionID != "" {
			rec, err = m.store.GetByExecutionID(ctx, spec.ExecutionID)
		}
		if err == nil && rec.Status == StatusActive {
			return m.rehydrate(ctx, rec)
		}
	}

	backend, err := m.resolveBackend(ctx, spec.Backend)
	if err != nil {
		return nil, err
	}

	root, err := m.rootPath(backend, spec.WorkspaceRef)
	if err != nil {
		return nil, err
	}

	tools := spec.EnabledTools
	if len(tools) == 0 {
		tools = AllTools
	}
	enabled := make(map[string]bool, len(tools))
	for _, tool := range tools {
		enabled[tool] = true
	}

	timeout := m.config.Sandbox.CommandTimeoutDuration()
	if spec.CommandTimeoutSeconds > 0 {
		timeout = time.Duration(spec.CommandTimeoutSeconds) * time.Second
	}

	now := time.Now().UTC()
	sess := &Session{
		WorkspaceRef:           spec.WorkspaceRef,
		ExecutionID:            spec.ExecutionID,
		Name:                   spec.Name,
		RootPath:               root,
		Backend:                backend,
		EnabledTools:           enabled,
		RequireReadBeforeWrite: spec.RequireReadBeforeWrite,
		CommandTimeout:         timeout,
		CreatedAt:              now,
		readPaths:              make(map[string]bool),
	}
	sess.touch()

	if err := m.attachBackend(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// rehydrate rebuilds a live session from its persisted record. Read-state is
// not persisted, so the read-before-write policy starts fresh.
func (m *Manager) rehydrate(ctx context.Context, rec *SessionRecord) (*Session, error) {
	enabled := make(map[string]bool, len(rec.EnabledTools))
	for _, tool := range rec.EnabledTools {
		enabled[tool] = true
	}

	sess := &Session{
		WorkspaceRef:           rec.WorkspaceRef,
		ExecutionID:            rec.ExecutionID,
		DurableInstanceID:      rec.DurableInstanceID,
		Name:                   rec.Name,
		RootPath:               rec.RootPath,
		Backend:                rec.Backend,
		CloneScope:             rec.CloneScope,
		EnabledTools:           enabled,
		RequireReadBeforeWrite: rec.RequireReadBeforeWrite,
		CommandTimeout:         time.Duration(rec.CommandTimeoutSeconds) * time.Second,
		CreatedAt:              rec.CreatedAt,
		sequence:               rec.Sequence,
		readPaths:              make(map[string]bool),
	}
	sess.touch()

	if err := m.attachBackend(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.Info("workspace session rehydrated",
		zap.String("workspace_ref", sess.WorkspaceRef),
		zap.String("backend", sess.Backend))
	return sess, nil
}

// attachBackend builds and starts the sandbox, filesystem, and tracker for
// a session. A tracker failure degrades the session, it never fails it.
func (m *Manager) attachBackend(ctx context.Context, sess *Session) error {
	switch sess.Backend {
	case sandbox.BackendRemote:
		if m.docker == nil {
			return fmt.Errorf("remote backend requested but docker is unavailable")
		}
		sb := sandbox.NewRemoteSandbox(m.docker, m.config.Sandbox, sess.WorkspaceRef, m.logger)
		sess.sandbox = sb
		sess.fs = sandbox.NewRemoteFilesystem(sb)
	default:
		sb := sandbox.NewLocalSandbox(sess.RootPath, m.config.Sandbox.Isolation, m.logger)
		sess.sandbox = sb
		sess.fs = sandbox.NewLocalFilesystem(sess.RootPath)
	}

	if err := sess.sandbox.Start(ctx); err != nil {
		return fmt.Errorf("start sandbox: %w", err)
	}

	sess.tracker = tracker.NewGitTracker(sess.sandbox, sess.fs.Root(),
		m.logger.WithWorkspaceRef(sess.WorkspaceRef))
	if err := sess.tracker.Init(ctx); err != nil {
		m.logger.Warn("change tracking unavailable for session",
			zap.String("workspace_ref", sess.WorkspaceRef),
			zap.Error(err))
	}
	return nil
}

// discardDuplicate tears down whatever is unique to a session that lost a
// provisioning race. A local session shares its root and shadow repository
// with the winner, so only the remote backend has resources of its own.
func (m *Manager) discardDuplicate(ctx context.Context, sess *Session) {
	if sess.Backend != sandbox.BackendRemote {
		return
	}
	if sess.tracker != nil {
		if err := sess.tracker.Cleanup(ctx); err != nil {
			m.logger.WithError(err).Warn("failed to clean up duplicate tracker",
				zap.String("workspace_ref", sess.WorkspaceRef))
		}
	}
	if err := sess.sandbox.Destroy(ctx); err != nil {
		m.logger.WithError(err).Warn("failed to destroy duplicate sandbox",
			zap.String("workspace_ref", sess.WorkspaceRef))
	}
}

// resolveBackend picks the execution backend, probing the Docker daemon for
// the auto setting.
func (m *Manager) resolveBackend(ctx context.Context, override string) (string, error) {
	backend := m.config.Sandbox.Backend
	if override != "" {
		backend = override
	}

	switch backend {
	case sandbox.BackendLocal, sandbox.BackendRemote:
		return backend, nil
	case "auto":
		if m.docker != nil {
			if err := m.docker.Ping(ctx); err == nil {
				return sandbox.BackendRemote, nil
			}
		}
		return sandbox.BackendLocal, nil
	default:
		return "", fmt.Errorf("unknown sandbox backend %q", backend)
	}
}

func (m *Manager) rootPath(backend, workspaceRef string) (string, error) {
	if backend == sandbox.BackendRemote {
		return m.config.Sandbox.RemoteWorkdir, nil
	}
	base, err := m.config.Sandbox.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, workspaceRef), nil
}

// index adds a session to all lookup maps. Callers must hold m.mu.
func (m *Manager) index(sess *Session) {
	m.sessions[sess.WorkspaceRef] = sess
	if sess.ExecutionID != "" {
		m.byExecution[sess.ExecutionID] = sess
	}
	if sess.DurableInstanceID != "" {
		m.byInstance[sess.DurableInstanceID] = sess
	}
}

// unindex removes a session from all lookup maps. Callers must hold m.mu.
func (m *Manager) unindex(sess *Session) {
	delete(m.sessions, sess.WorkspaceRef)
	if sess.ExecutionID != "" {
		delete(m.byExecution, sess.ExecutionID)
	}
	if sess.DurableInstanceID != "" {
		delete(m.byInstance, sess.DurableInstanceID)
	}
}

// lookupLocked resolves a live session by workspace ref or execution ID.
// Callers must hold m.mu.
func (m *Manager) lookupLocked(workspaceRef, executionID string) (*Session, bool) {
	if workspaceRef != "" {
		if sess, ok := m.sessions[workspaceRef]; ok {
			return sess, true
		}
	}
	if executionID != "" {
		if sess, ok := m.byExecution[executionID]; ok {
			return sess, true
		}
	}
	return nil, false
}

// Lookup resolves a session by workspace ref, durable instance ID, or
// execution ID, in that order. A key with no live session falls back to the
// persisted store and is rehydrated when its record is still active.
func (m *Manager) Lookup(ctx context.Context, key string) (*Session, error) {
	m.mu.RLock()
	if sess, ok := m.sessions[key]; ok {
		m.mu.RUnlock()
		return sess, nil
	}
	if sess, ok := m.byInstance[key]; ok {
		m.mu.RUnlock()
		return sess, nil
	}
	if sess, ok := m.byExecution[key]; ok {
		m.mu.RUnlock()
		return sess, nil
	}
	m.mu.RUnlock()

	sess, err := m.hydrate(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	return sess, nil
}

// hydrate rebuilds a session from its persisted record, keyed by workspace
// ref or execution ID.
func (m *Manager) hydrate(ctx context.Context, key string) (*Session, error) {
	if m.store == nil {
		return nil, ErrSessionNotFound
	}

	rec, err := m.store.Get(ctx, key)
	if err != nil {
		rec, err = m.store.GetByExecutionID(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusActive {
		return nil, ErrSessionNotFound
	}

	sess, err := m.rehydrate(ctx, rec)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.lookupLocked(sess.WorkspaceRef, sess.ExecutionID); ok {
		m.mu.Unlock()
		m.discardDuplicate(ctx, sess)
		return existing, nil
	}
	m.index(sess)
	m.mu.Unlock()
	return sess, nil
}

// GetSessionInfo returns the info view for a lookup key.
func (m *Manager) GetSessionInfo(ctx context.Context, key string) (*SessionInfo, error) {
	sess, err := m.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	info := sess.Info()
	return &info, nil
}

// ListSessions returns info for every live session.
func (m *Manager) ListSessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, sess.Info())
	}
	return infos
}

// BindDurableInstance binds a durable agent instance to a session so later
// operations can be routed by instance ID.
func (m *Manager) BindDurableInstance(ctx context.Context, workspaceRef, instanceID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[workspaceRef]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, workspaceRef)
	}
	if bound, exists := m.byInstance[instanceID]; exists && bound != sess {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceBound, instanceID)
	}
	if sess.DurableInstanceID != "" && sess.DurableInstanceID != instanceID {
		delete(m.byInstance, sess.DurableInstanceID)
	}
	sess.DurableInstanceID = instanceID
	m.byInstance[instanceID] = sess
	m.mu.Unlock()

	m.persist(ctx, sess)
	m.logger.Info("durable instance bound",
		zap.String("workspace_ref", workspaceRef),
		zap.String("instance_id", instanceID))
	return nil
}

// CleanupOutcome reports what a cleanup managed to tear down. Cleanup never
// fails: partial failures are collected and reported.
type CleanupOutcome struct {
	WorkspaceRef     string   `json:"workspace_ref"`
	Found            bool     `json:"found"`
	SandboxDestroyed bool     `json:"sandbox_destroyed"`
	TrackerRemoved   bool     `json:"tracker_removed"`
	Errors           []string `json:"errors,omitempty"`
}

// CleanupByWorkspaceRef tears down a session: shadow repository first (it
// runs through the sandbox), then the sandbox itself, then the record.
func (m *Manager) CleanupByWorkspaceRef(ctx context.Context, workspaceRef string) *CleanupOutcome {
	outcome := &CleanupOutcome{WorkspaceRef: workspaceRef}

	m.mu.Lock()
	sess, ok := m.sessions[workspaceRef]
	if ok {
		m.unindex(sess)
	}
	m.mu.Unlock()

	if !ok {
		return m.cleanupOrphan(ctx, workspaceRef, outcome)
	}
	outcome.Found = true

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.tracker != nil {
		if err := sess.tracker.Cleanup(ctx); err != nil {
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("tracker cleanup: %v", err))
		} else {
			outcome.TrackerRemoved = true
		}
	}

	if err := sess.sandbox.Destroy(ctx); err != nil {
		outcome.Errors = append(outcome.Errors, fmt.Sprintf("sandbox destroy: %v", err))
	} else {
		outcome.SandboxDestroyed = true
	}

	m.markEvicted(ctx, sess)
	m.publish(ctx, events.SessionEvicted, map[string]interface{}{
		"workspace_ref": workspaceRef,
		"execution_id":  sess.ExecutionID,
	})

	m.logger.Info("workspace session cleaned up",
		zap.String("workspace_ref", workspaceRef),
		zap.Bool("sandbox_destroyed", outcome.SandboxDestroyed),
		zap.Int("errors", len(outcome.Errors)))
	return outcome
}

// cleanupOrphan handles refs with no live session, removing any persisted
// record and any leftover container carrying the workspace label.
func (m *Manager) cleanupOrphan(ctx context.Context, workspaceRef string, outcome *CleanupOutcome) *CleanupOutcome {
	if m.store != nil {
		if rec, err := m.store.Get(ctx, workspaceRef); err == nil {
			outcome.Found = true
			rec.Status = StatusEvicted
			if err := m.store.Save(ctx, rec); err != nil {
				outcome.Errors = append(outcome.Errors, fmt.Sprintf("update record: %v", err))
			}
		}
	}

	if m.docker != nil {
		containers, err := m.docker.ListSandboxContainers(ctx)
		if err != nil {
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("list containers: %v", err))
			return outcome
		}
		for containerID, ref := range containers {
			if ref != workspaceRef {
				continue
			}
			outcome.Found = true
			if err := m.docker.RemoveContainer(ctx, containerID, true); err != nil {
				outcome.Errors = append(outcome.Errors, fmt.Sprintf("remove container: %v", err))
			} else {
				outcome.SandboxDestroyed = true
			}
		}
	}
	return outcome
}

// CleanupByExecutionID tears down the session bound to an execution. An
// execution with no live session is resolved against the persisted store so
// cleanup works across restarts.
func (m *Manager) CleanupByExecutionID(ctx context.Context, executionID string) *CleanupOutcome {
	m.mu.RLock()
	sess, ok := m.byExecution[executionID]
	m.mu.RUnlock()

	if ok {
		return m.CleanupByWorkspaceRef(ctx, sess.WorkspaceRef)
	}
	if m.store != nil {
		if rec, err := m.store.GetByExecutionID(ctx, executionID); err == nil {
			return m.CleanupByWorkspaceRef(ctx, rec.WorkspaceRef)
		}
	}
	return &CleanupOutcome{WorkspaceRef: "", Found: false}
}

// markEvicted flips the persisted record's status.
func (m *Manager) markEvicted(ctx context.Context, sess *Session) {
	if m.store == nil {
		return
	}
	rec := m.record(sess)
	rec.Status = StatusEvicted
	if err := m.store.Save(ctx, rec); err != nil {
		m.logger.Warn("failed to mark session evicted",
			zap.String("workspace_ref", sess.WorkspaceRef), zap.Error(err))
	}
}

// sweepLoop evicts sessions idle past the TTL.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Workspace.SweepIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	ttl := m.config.Workspace.SessionTTLDuration()
	cutoff := time.Now().UTC().Add(-ttl)

	m.mu.RLock()
	var expired []string
	for ref, sess := range m.sessions {
		if sess.LastAccessedAt().Before(cutoff) {
			expired = append(expired, ref)
		}
	}
	m.mu.RUnlock()

	for _, ref := range expired {
		m.logger.Info("evicting idle workspace session", zap.String("workspace_ref", ref))
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		m.CleanupByWorkspaceRef(ctx, ref)
		cancel()
	}
}

// record snapshots a session into its persisted form.
func (m *Manager) record(sess *Session) *SessionRecord {
	tools := make([]string, 0, len(sess.EnabledTools))
	for _, tool := range AllTools {
		if sess.EnabledTools[tool] {
			tools = append(tools, tool)
		}
	}
	return &SessionRecord{
		WorkspaceRef:           sess.WorkspaceRef,
		ExecutionID:            sess.ExecutionID,
		DurableInstanceID:      sess.DurableInstanceID,
		Name:                   sess.Name,
		RootPath:               sess.RootPath,
		Backend:                sess.Backend,
		CloneScope:             sess.CloneScope,
		EnabledTools:           tools,
		RequireReadBeforeWrite: sess.RequireReadBeforeWrite,
		CommandTimeoutSeconds:  int(sess.CommandTimeout.Seconds()),
		Sequence:               sess.sequence,
		Status:                 StatusActive,
		CreatedAt:              sess.CreatedAt,
		LastAccessed:           sess.LastAccessedAt(),
	}
}

// persist writes the session record, logging rather than failing on error.
func (m *Manager) persist(ctx context.Context, sess *Session) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, m.record(sess)); err != nil {
		m.logger.Warn("failed to persist session record",
			zap.String("workspace_ref", sess.WorkspaceRef), zap.Error(err))
	}
}

// publish emits an event, logging rather than failing on error.
func (m *Manager) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	if err := m.eventBus.Publish(ctx, subject, bus.NewEvent(subject, "workspaced", data)); err != nil {
		m.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
