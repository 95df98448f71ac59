package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/workspace/internal/common/logger"
)

func newTestManager(t *testing.T, prefix string) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	m := NewManager(log)
	m.AddProvider(NewEnvProvider(prefix))
	return m
}

func TestGetCredentialFromEnv(t *testing.T) {
	t.Setenv("TEST_CLONE_TOKEN", "secret-value")

	m := newTestManager(t, "")
	cred, err := m.GetCredential(context.Background(), "TEST_CLONE_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "secret-value", cred.Value)
	assert.Equal(t, "environment", cred.Source)
}

func TestGetCredentialPrefixedFallback(t *testing.T) {
	t.Setenv("WORKSPACE_TEST_PREFIXED", "prefixed-value")

	m := newTestManager(t, "WORKSPACE_")
	cred, err := m.GetCredential(context.Background(), "TEST_PREFIXED")
	require.NoError(t, err)
	assert.Equal(t, "prefixed-value", cred.Value)
}

func TestGetCredentialMissing(t *testing.T) {
	m := newTestManager(t, "")
	_, err := m.GetCredential(context.Background(), "DEFINITELY_NOT_SET_ANYWHERE")
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestTokenForHost(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "gh-token")
	t.Setenv("GIT_TOKEN", "generic-token")

	m := newTestManager(t, "")
	assert.Equal(t, "gh-token", m.TokenForHost(context.Background(), "github.com"))
	assert.Equal(t, "gh-token", m.TokenForHost(context.Background(), "GitHub.com"))
	assert.Equal(t, "generic-token", m.TokenForHost(context.Background(), "git.internal.example"))
}

func TestTokenForHostMissingIsEmpty(t *testing.T) {
	m := newTestManager(t, "")
	assert.Empty(t, m.TokenForHost(context.Background(), "nowhere.example"))
}
