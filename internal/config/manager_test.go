package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/routecore/internal/config"
	"github.com/blueberrycongee/routecore/internal/secret"
)

// staticProvider resolves every path to a fixed value, recording the paths
// it was asked to resolve.
type staticProvider struct {
	value string
	seen  []string
}

func (p *staticProvider) Get(_ context.Context, path string) (string, error) {
	p.seen = append(p.seen, path)
	return p.value, nil
}

func (p *staticProvider) Close() error { return nil }

const minimalUserConfig = `
providers:
  - name: acme
    api_base_url: https://acme.example.com
    api_key: test://openai-key
    models:
      - gpt-test
    serverCompatibility:
      use: openai
router:
  default: "acme,gpt-test"
`

func writeUserConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestManagerResolvesProviderAPIKeysThroughSecretManager(t *testing.T) {
	path := writeUserConfig(t, minimalUserConfig)

	stub := &staticProvider{value: "sk-live-resolved"}
	secrets := secret.NewManager()
	secrets.Register("test", stub)

	mgr, err := config.NewManager(path, "", nil, secrets)
	require.NoError(t, err)

	table := mgr.Get()
	require.Len(t, table.Pipelines, 1)
	pipeline, ok := table.Pipelines["acme-gpt-test-key0"]
	require.True(t, ok)
	require.Equal(t, "sk-live-resolved", pipeline.Layers.APIKey)
	require.Equal(t, []string{"openai-key"}, stub.seen)
}

func TestManagerLeavesUnscopedAPIKeysUnchangedWithoutAMatchingScheme(t *testing.T) {
	body := `
providers:
  - name: acme
    api_base_url: https://acme.example.com
    api_key: plain-literal-key
    models:
      - gpt-test
    serverCompatibility:
      use: openai
router:
  default: "acme,gpt-test"
`
	path := writeUserConfig(t, body)

	secrets := secret.NewManager()
	mgr, err := config.NewManager(path, "", nil, secrets)
	require.NoError(t, err)

	table := mgr.Get()
	pipeline, ok := table.Pipelines["acme-gpt-test-key0"]
	require.True(t, ok)
	require.Equal(t, "plain-literal-key", pipeline.Layers.APIKey)
}

func TestManagerSkipsSecretResolutionWhenNoManagerIsConfigured(t *testing.T) {
	path := writeUserConfig(t, minimalUserConfig)

	mgr, err := config.NewManager(path, "", nil, nil)
	require.NoError(t, err)

	table := mgr.Get()
	pipeline, ok := table.Pipelines["acme-gpt-test-key0"]
	require.True(t, ok)
	require.Equal(t, "test://openai-key", pipeline.Layers.APIKey)
}

func TestManagerSurfacesSecretResolutionFailure(t *testing.T) {
	path := writeUserConfig(t, minimalUserConfig)

	secrets := secret.NewManager()
	// No provider registered for the "test" scheme: resolution must fail
	// closed rather than silently falling back to the raw reference.
	_, err := config.NewManager(path, "", nil, secrets)
	require.Error(t, err)
}
