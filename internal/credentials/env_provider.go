package credentials

import (
	"context"
	"fmt"
	"os"
)

// EnvProvider resolves credentials from environment variables.
type EnvProvider struct {
	prefix string // Optional prefix filter (e.g., "WORKSPACE_")
}

// NewEnvProvider creates a new environment provider.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Name returns the provider name.
func (p *EnvProvider) Name() string {
	return "environment"
}

// GetCredential retrieves a credential from environment variables, trying
// the exact key first and the prefixed form second.
func (p *EnvProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	if value := os.Getenv(key); value != "" {
		return &Credential{Key: key, Value: value, Source: "environment"}, nil
	}

	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return &Credential{Key: key, Value: value, Source: "environment"}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNoCredential, key)
}
