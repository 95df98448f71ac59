// Package api provides HTTP handlers for the workspaced API.
package api

// CreateProfileRequest creates or returns a workspace session. At least one
// of workspace_ref and execution_id must be set; a missing ref is generated.
type CreateProfileRequest struct {
	WorkspaceRef           string   `json:"workspace_ref"`
	ExecutionID            string   `json:"execution_id"`
	Name                   string   `json:"name,omitempty"`
	Backend                string   `json:"backend,omitempty"`
	EnabledTools           []string `json:"enabled_tools,omitempty"`
	RequireReadBeforeWrite bool     `json:"require_read_before_write"`
	CommandTimeoutSeconds  int      `json:"command_timeout_seconds,omitempty"`
}

// ExecuteCommandRequest runs a shell command in a session.
type ExecuteCommandRequest struct {
	Command        string `json:"command" binding:"required"`
	Cwd            string `json:"cwd,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// FileOperationRequest performs one file operation in a session.
type FileOperationRequest struct {
	Operation string `json:"operation" binding:"required"`
	Path      string `json:"path" binding:"required"`
	Content   string `json:"content,omitempty"`
	OldString string `json:"old_string,omitempty"`
	NewString string `json:"new_string,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
}

// CloneRepositoryRequest clones a repository into a session. The repository
// is addressed by url or by owner and repo.
type CloneRepositoryRequest struct {
	URL       string `json:"url,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Repo      string `json:"repo,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Token     string `json:"token,omitempty"`
	TargetDir string `json:"target_dir,omitempty"`
	Depth     int    `json:"depth,omitempty"`
}

// BindInstanceRequest binds a durable agent instance to a session.
type BindInstanceRequest struct {
	InstanceID string `json:"instance_id" binding:"required"`
}
