package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/workspace/internal/common/config"
	"github.com/kandev/workspace/internal/common/logger"
)

// RemoteSandbox executes commands inside a container provisioned through the
// Docker control plane, talking to a fixed agent port over HTTP.
type RemoteSandbox struct {
	docker       *DockerClient
	config       config.SandboxConfig
	workspaceRef string
	logger       *logger.Logger

	containerID string
	address     string
	httpc       *http.Client
}

// NewRemoteSandbox creates a remote sandbox for a workspace session.
func NewRemoteSandbox(docker *DockerClient, cfg config.SandboxConfig, workspaceRef string, log *logger.Logger) *RemoteSandbox {
	return &RemoteSandbox{
		docker:       docker,
		config:       cfg,
		workspaceRef: workspaceRef,
		logger:       log.WithFields(zap.String("component", "remote-sandbox"), zap.String("workspace_ref", workspaceRef)),
		httpc:        &http.Client{},
	}
}

// Start provisions the container and polls until the agent address is
// assigned and healthy, bounded by the provisioning timeout.
func (s *RemoteSandbox) Start(ctx context.Context) error {
	containerID, err := s.docker.CreateSandboxContainer(ctx, s.workspaceRef)
	if err != nil {
		return err
	}
	s.containerID = containerID

	deadline := time.Now().Add(s.config.ProvisionTimeoutDuration())
	interval := s.config.PollIntervalDuration()
	if interval <= 0 {
		interval = 2 * time.Second
	}

	for {
		if time.Now().After(deadline) {
			// Leave no half-provisioned container behind.
			_ = s.docker.RemoveContainer(ctx, containerID, true)
			s.containerID = ""
			return fmt.Errorf("%w: no agent address after %s", ErrProvisionTimeout, s.config.ProvisionTimeoutDuration())
		}

		addr, resolveErr := s.docker.ResolveAddress(ctx, containerID)
		if resolveErr == nil && s.agentHealthy(ctx, addr) {
			s.address = addr
			s.logger.Info("sandbox provisioned",
				zap.String("container_id", containerID),
				zap.String("address", addr))
			return nil
		}

		select {
		case <-ctx.Done():
			_ = s.docker.RemoveContainer(context.Background(), containerID, true)
			s.containerID = ""
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (s *RemoteSandbox) agentHealthy(ctx context.Context, addr string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type remoteExecRequest struct {
	Command   string `json:"command"`
	Cwd       string `json:"cwd"`
	TimeoutMs int64  `json:"timeout_ms"`
}

type remoteExecResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

// Execute runs a shell command through the agent's exec endpoint.
func (s *RemoteSandbox) Execute(ctx context.Context, command, cwd string, timeout time.Duration) (*ExecResult, error) {
	if s.address == "" {
		return nil, ErrNotReady
	}

	workdir := s.config.RemoteWorkdir
	if cwd != "" {
		resolved, err := ResolveWithinRoot(s.config.RemoteWorkdir, cwd)
		if err != nil {
			return nil, err
		}
		workdir = resolved
	}

	// The HTTP call gets a grace period beyond the command timeout so the
	// agent reports the timeout itself instead of the transport aborting.
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout+30*time.Second)
		defer cancel()
	}

	var out remoteExecResponse
	err := s.postJSON(callCtx, "/exec", remoteExecRequest{
		Command:   command,
		Cwd:       workdir,
		TimeoutMs: timeout.Milliseconds(),
	}, &out)
	if err != nil {
		return nil, err
	}

	return &ExecResult{
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		Success:  out.ExitCode == 0 && !out.TimedOut,
		Duration: time.Duration(out.DurationMs) * time.Millisecond,
		TimedOut: out.TimedOut,
	}, nil
}

// Destroy stops and removes the container.
func (s *RemoteSandbox) Destroy(ctx context.Context) error {
	if s.containerID == "" {
		return nil
	}
	if err := s.docker.StopContainer(ctx, s.containerID, 10*time.Second); err != nil {
		s.logger.Warn("failed to stop sandbox container, forcing removal", zap.Error(err))
	}
	err := s.docker.RemoveContainer(ctx, s.containerID, true)
	s.containerID = ""
	s.address = ""
	return err
}

// Info returns backend diagnostics.
func (s *RemoteSandbox) Info() Info {
	return Info{
		Backend:     BackendRemote,
		Root:        s.config.RemoteWorkdir,
		ContainerID: s.containerID,
		Address:     s.address,
	}
}

// --- agent HTTP plumbing, shared with RemoteFilesystem ---

type remoteErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// mapRemoteError converts agent error codes into the package's typed errors.
func mapRemoteError(code, message string) error {
	var sentinel error
	switch code {
	case "NOT_FOUND":
		sentinel = ErrNotFound
	case "IS_DIRECTORY":
		sentinel = ErrIsDirectory
	case "ALREADY_EXISTS":
		sentinel = ErrExists
	case "PERMISSION_DENIED":
		sentinel = ErrPermission
	case "NOT_EMPTY":
		sentinel = ErrNotEmpty
	case "NOT_DIRECTORY":
		sentinel = ErrNotDirectory
	default:
		return fmt.Errorf("sandbox agent error %s: %s", code, message)
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}

func (s *RemoteSandbox) postJSON(ctx context.Context, endpoint string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+s.address+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox agent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeRemoteError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *RemoteSandbox) getRaw(ctx context.Context, endpoint string, query url.Values) (*http.Response, error) {
	u := "http://" + s.address + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox agent request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeRemoteError(resp)
	}
	return resp, nil
}

func decodeRemoteError(resp *http.Response) error {
	var envelope remoteErrorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Code == "" {
		return fmt.Errorf("sandbox agent returned status %d", resp.StatusCode)
	}
	return mapRemoteError(envelope.Error.Code, envelope.Error.Message)
}

// RemoteFilesystem performs file I/O through the sandbox agent. Files below
// the transfer threshold travel inline as base64; larger files use the
// streaming download and multipart upload endpoints.
type RemoteFilesystem struct {
	sandbox *RemoteSandbox
}

// NewRemoteFilesystem creates a filesystem bound to a remote sandbox.
func NewRemoteFilesystem(sb *RemoteSandbox) *RemoteFilesystem {
	return &RemoteFilesystem{sandbox: sb}
}

// Root returns the remote working directory.
func (f *RemoteFilesystem) Root() string {
	return f.sandbox.config.RemoteWorkdir
}

func (f *RemoteFilesystem) resolve(p string) (string, error) {
	return ResolveWithinRoot(f.sandbox.config.RemoteWorkdir, p)
}

type remotePathRequest struct {
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
}

type remoteReadResponse struct {
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

// Read returns file contents, choosing inline or streaming transfer by size.
func (f *RemoteFilesystem) Read(ctx context.Context, p string) ([]byte, error) {
	resolved, err := f.resolve(p)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if info.IsDir {
		return nil, wrapPath(ErrIsDirectory, p)
	}

	if info.Size >= f.sandbox.config.TransferThreshold {
		resp, err := f.sandbox.getRaw(ctx, "/fs/download", url.Values{"path": {resolved}})
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return io.ReadAll(resp.Body)
	}

	var out remoteReadResponse
	if err := f.sandbox.postJSON(ctx, "/fs/read", remotePathRequest{Path: resolved}, &out); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(out.Content)
}

// Write creates or overwrites a file.
func (f *RemoteFilesystem) Write(ctx context.Context, p string, data []byte) error {
	resolved, err := f.resolve(p)
	if err != nil {
		return err
	}

	if int64(len(data)) >= f.sandbox.config.TransferThreshold {
		return f.upload(ctx, resolved, data)
	}

	return f.sandbox.postJSON(ctx, "/fs/write", remotePathRequest{
		Path:    resolved,
		Content: base64.StdEncoding.EncodeToString(data),
	}, nil)
}

// upload sends a large file through the multipart endpoint.
func (f *RemoteFilesystem) upload(ctx context.Context, resolved string, data []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("path", resolved); err != nil {
		return err
	}
	part, err := writer.CreateFormFile("file", path.Base(resolved))
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+f.sandbox.address+"/fs/upload", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := f.sandbox.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox agent upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeRemoteError(resp)
	}
	return nil
}

// Append appends to a file.
func (f *RemoteFilesystem) Append(ctx context.Context, p string, data []byte) error {
	resolved, err := f.resolve(p)
	if err != nil {
		return err
	}
	return f.sandbox.postJSON(ctx, "/fs/append", remotePathRequest{
		Path:    resolved,
		Content: base64.StdEncoding.EncodeToString(data),
	}, nil)
}

// Delete removes a file or directory.
func (f *RemoteFilesystem) Delete(ctx context.Context, p string, recursive bool) error {
	resolved, err := f.resolve(p)
	if err != nil {
		return err
	}
	return f.sandbox.postJSON(ctx, "/fs/delete", remotePathRequest{Path: resolved, Recursive: recursive}, nil)
}

// Mkdir creates a directory.
func (f *RemoteFilesystem) Mkdir(ctx context.Context, p string) error {
	resolved, err := f.resolve(p)
	if err != nil {
		return err
	}
	return f.sandbox.postJSON(ctx, "/fs/mkdir", remotePathRequest{Path: resolved}, nil)
}

// Stat returns metadata for a path.
func (f *RemoteFilesystem) Stat(ctx context.Context, p string) (*FileInfo, error) {
	resolved, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	resp, err := f.sandbox.getRaw(ctx, "/fs/stat", url.Values{"path": {resolved}})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var info FileInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	info.Path = p
	return &info, nil
}

type remoteListResponse struct {
	Entries []FileInfo `json:"entries"`
}

// List returns directory entries.
func (f *RemoteFilesystem) List(ctx context.Context, p string) ([]FileInfo, error) {
	resolved, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	resp, err := f.sandbox.getRaw(ctx, "/fs/list", url.Values{"path": {resolved}})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out remoteListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}
