// Package credentials resolves the access tokens used to clone private
// repositories into workspace sessions.
package credentials

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/workspace/internal/common/logger"
)

// ErrNoCredential is returned when no provider can resolve a key.
var ErrNoCredential = fmt.Errorf("credential not found")

// Credential represents a resolved secret.
type Credential struct {
	Key    string // Environment variable name (e.g., GITHUB_TOKEN)
	Value  string // The secret value (never logged)
	Source string // Where it came from
}

// Provider is one secret source.
type Provider interface {
	// GetCredential retrieves a credential by key.
	GetCredential(ctx context.Context, key string) (*Credential, error)

	// Name returns the provider name.
	Name() string
}

// hostTokenKeys maps well-known git hosts to their token variables.
var hostTokenKeys = map[string]string{
	"github.com":    "GITHUB_TOKEN",
	"gitlab.com":    "GITLAB_TOKEN",
	"bitbucket.org": "BITBUCKET_TOKEN",
}

// genericTokenKey is the fallback for hosts without a dedicated variable.
const genericTokenKey = "GIT_TOKEN"

// Manager resolves clone tokens across providers, caching hits.
type Manager struct {
	providers []Provider
	cache     map[string]*Credential
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewManager creates a credentials manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		providers: make([]Provider, 0),
		cache:     make(map[string]*Credential),
		logger:    log.WithFields(zap.String("component", "credentials-manager")),
	}
}

// AddProvider registers a secret source.
func (m *Manager) AddProvider(provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers = append(m.providers, provider)
	m.logger.Info("added credential provider", zap.String("provider", provider.Name()))
}

// GetCredential resolves a credential by key, trying providers in order.
func (m *Manager) GetCredential(ctx context.Context, key string) (*Credential, error) {
	m.mu.RLock()
	if cred, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return cred, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, provider := range m.providers {
		cred, err := provider.GetCredential(ctx, key)
		if err == nil {
			m.cache[key] = cred
			m.logger.Debug("credential retrieved",
				zap.String("key", key),
				zap.String("source", cred.Source))
			return cred, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNoCredential, key)
}

// TokenForHost resolves the clone token for a git host. Well-known hosts map
// to their dedicated token variable; anything else falls back to GIT_TOKEN.
// A missing token is not an error: public repositories clone without one.
func (m *Manager) TokenForHost(ctx context.Context, host string) string {
	host = strings.ToLower(host)

	if key, ok := hostTokenKeys[host]; ok {
		if cred, err := m.GetCredential(ctx, key); err == nil {
			return cred.Value
		}
	}
	if cred, err := m.GetCredential(ctx, genericTokenKey); err == nil {
		return cred.Value
	}
	return ""
}
