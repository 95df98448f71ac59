// Package config provides configuration management for workspaced.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for workspaced.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Artifact  ArtifactConfig  `mapstructure:"artifact"`
	Clone     CloneConfig     `mapstructure:"clone"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds relational store configuration.
// Driver "sqlite" uses Path; driver "postgres" uses the DSN fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`

	// Required makes a persistence failure fatal at startup. When false the
	// service starts with stores degraded to unavailable.
	Required bool `mapstructure:"required"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SandboxConfig holds execution backend configuration.
type SandboxConfig struct {
	// Backend selects the execution backend: "local", "remote", or "auto".
	// Auto picks remote when the Docker daemon is reachable.
	Backend string `mapstructure:"backend"`

	// BasePath is the base directory for local session roots.
	// Supports ~ expansion for home directory.
	BasePath string `mapstructure:"basePath"`

	// Isolation selects the local isolation backend: "auto", "bwrap",
	// "unshare", or "none".
	Isolation string `mapstructure:"isolation"`

	// CommandTimeout is the default per-command timeout in seconds.
	CommandTimeout int `mapstructure:"commandTimeout"`

	// Docker control-plane settings for the remote backend.
	DockerHost       string  `mapstructure:"dockerHost"`
	Image            string  `mapstructure:"image"`
	Network          string  `mapstructure:"network"`
	MemoryMB         int64   `mapstructure:"memoryMb"`
	CPUCores         float64 `mapstructure:"cpuCores"`
	AgentPort        int     `mapstructure:"agentPort"`        // fixed exec/file port inside the sandbox
	ProvisionTimeout int     `mapstructure:"provisionTimeout"` // in seconds
	PollInterval     int     `mapstructure:"pollInterval"`     // in seconds
	RemoteWorkdir    string  `mapstructure:"remoteWorkdir"`

	// TransferThreshold is the file size in bytes above which the remote
	// filesystem switches from inline base64 to upload/download transfer.
	TransferThreshold int64 `mapstructure:"transferThreshold"`
}

// WorkspaceConfig holds session lifecycle configuration.
type WorkspaceConfig struct {
	SessionTTL    int `mapstructure:"sessionTtl"`    // in seconds
	SweepInterval int `mapstructure:"sweepInterval"` // in seconds
}

// ArtifactConfig holds change artifact storage configuration.
type ArtifactConfig struct {
	// CompressThreshold is the patch size in bytes at or above which the
	// payload is stored gzip-compressed.
	CompressThreshold int `mapstructure:"compressThreshold"`

	// MaxPatchBytes is the maximum stored patch size. Zero disables the limit.
	MaxPatchBytes int `mapstructure:"maxPatchBytes"`

	// OversizePolicy decides what happens to a patch above MaxPatchBytes:
	// "truncate" stores a prefix and records the original size, "reject"
	// fails the save.
	OversizePolicy string `mapstructure:"oversizePolicy"`

	// BlobPath is the base directory for payload blobs.
	// Supports ~ expansion for home directory.
	BlobPath string `mapstructure:"blobPath"`
}

// CloneConfig holds repository clone configuration.
type CloneConfig struct {
	// StripMetadata removes version-control metadata from the clone after
	// checkout so the agent cannot inspect or rewrite history. Keeping the
	// metadata also makes change capture record the clone as a single
	// subproject entry instead of its files.
	StripMetadata bool `mapstructure:"stripMetadata"`

	// Depth is the shallow clone depth.
	Depth int `mapstructure:"depth"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CommandTimeoutDuration returns the default command timeout as a time.Duration.
func (s *SandboxConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(s.CommandTimeout) * time.Second
}

// ProvisionTimeoutDuration returns the provisioning timeout as a time.Duration.
func (s *SandboxConfig) ProvisionTimeoutDuration() time.Duration {
	return time.Duration(s.ProvisionTimeout) * time.Second
}

// PollIntervalDuration returns the provisioning poll interval as a time.Duration.
func (s *SandboxConfig) PollIntervalDuration() time.Duration {
	return time.Duration(s.PollInterval) * time.Second
}

// SessionTTLDuration returns the session TTL as a time.Duration.
func (w *WorkspaceConfig) SessionTTLDuration() time.Duration {
	return time.Duration(w.SessionTTL) * time.Second
}

// SweepIntervalDuration returns the eviction sweep interval as a time.Duration.
func (w *WorkspaceConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(w.SweepInterval) * time.Second
}

// ExpandedBasePath returns the sandbox base path with ~ expanded.
func (s *SandboxConfig) ExpandedBasePath() (string, error) {
	return expandHome(s.BasePath)
}

// ExpandedBlobPath returns the blob base path with ~ expanded.
func (a *ArtifactConfig) ExpandedBlobPath() (string, error) {
	return expandHome(a.BlobPath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		return home + path[1:], nil
	}
	return path, nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("WORKSPACE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file next to the service by default
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./workspaced.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "workspace")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "workspace")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.required", true)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "workspaced")
	v.SetDefault("nats.maxReconnects", 10)

	// Sandbox defaults
	v.SetDefault("sandbox.backend", "local")
	v.SetDefault("sandbox.basePath", "~/.workspaced/sessions")
	v.SetDefault("sandbox.isolation", "auto")
	v.SetDefault("sandbox.commandTimeout", 120)
	v.SetDefault("sandbox.dockerHost", "unix:///var/run/docker.sock")
	v.SetDefault("sandbox.image", "workspaced/sandbox:latest")
	v.SetDefault("sandbox.network", "workspaced-network")
	v.SetDefault("sandbox.memoryMb", 2048)
	v.SetDefault("sandbox.cpuCores", 2.0)
	v.SetDefault("sandbox.agentPort", 8088)
	v.SetDefault("sandbox.provisionTimeout", 120)
	v.SetDefault("sandbox.pollInterval", 2)
	v.SetDefault("sandbox.remoteWorkdir", "/workspace")
	v.SetDefault("sandbox.transferThreshold", 1024*1024)

	// Workspace defaults - one hour TTL, sweep every five minutes
	v.SetDefault("workspace.sessionTtl", 3600)
	v.SetDefault("workspace.sweepInterval", 300)

	// Artifact defaults
	v.SetDefault("artifact.compressThreshold", 10*1024)
	v.SetDefault("artifact.maxPatchBytes", 5*1024*1024)
	v.SetDefault("artifact.oversizePolicy", "truncate")
	v.SetDefault("artifact.blobPath", "~/.workspaced/blobs")

	// Clone defaults
	v.SetDefault("clone.stripMetadata", true)
	v.SetDefault("clone.depth", 1)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix WORKSPACE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/workspaced/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("WORKSPACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("workspace.sessionTtl", "WORKSPACE_SESSION_TTL")
	_ = v.BindEnv("workspace.sweepInterval", "WORKSPACE_SWEEP_INTERVAL")
	_ = v.BindEnv("artifact.compressThreshold", "WORKSPACE_ARTIFACT_COMPRESS_THRESHOLD")
	_ = v.BindEnv("artifact.maxPatchBytes", "WORKSPACE_ARTIFACT_MAX_PATCH_BYTES")
	_ = v.BindEnv("artifact.oversizePolicy", "WORKSPACE_ARTIFACT_OVERSIZE_POLICY")
	_ = v.BindEnv("artifact.blobPath", "WORKSPACE_ARTIFACT_BLOB_PATH")
	_ = v.BindEnv("clone.stripMetadata", "WORKSPACE_CLONE_STRIP_METADATA")
	_ = v.BindEnv("sandbox.agentPort", "WORKSPACE_SANDBOX_AGENT_PORT")
	_ = v.BindEnv("sandbox.provisionTimeout", "WORKSPACE_SANDBOX_PROVISION_TIMEOUT")
	_ = v.BindEnv("database.required", "WORKSPACE_DATABASE_REQUIRED")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/workspaced/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	switch cfg.Sandbox.Backend {
	case "local", "remote", "auto":
	default:
		errs = append(errs, "sandbox.backend must be one of: local, remote, auto")
	}

	switch cfg.Sandbox.Isolation {
	case "auto", "bwrap", "unshare", "none":
	default:
		errs = append(errs, "sandbox.isolation must be one of: auto, bwrap, unshare, none")
	}

	switch cfg.Artifact.OversizePolicy {
	case "truncate", "reject":
	default:
		errs = append(errs, "artifact.oversizePolicy must be one of: truncate, reject")
	}

	if cfg.Workspace.SessionTTL <= 0 {
		errs = append(errs, "workspace.sessionTtl must be positive")
	}
	if cfg.Workspace.SweepInterval <= 0 {
		errs = append(errs, "workspace.sweepInterval must be positive")
	}
	if cfg.Artifact.CompressThreshold < 0 {
		errs = append(errs, "artifact.compressThreshold must not be negative")
	}
	if cfg.Artifact.MaxPatchBytes < 0 {
		errs = append(errs, "artifact.maxPatchBytes must not be negative")
	}
	if cfg.Clone.Depth < 0 {
		errs = append(errs, "clone.depth must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
