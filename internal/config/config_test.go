package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadBase(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", `
server:
  port: 9090
cache:
  ttl: 1800
rate_limiting:
  enabled: true
  tiers:
    premium:
      requests_per_minute: 300
      requests_per_hour: 10000
`)

	cfg, err := Load(dir, "")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.CacheTTL())
	assert.Equal(t, 300, cfg.RateLimiting.Tiers["premium"].RequestsPerMinute)

	// Keys absent from the file keep the defaults.
	assert.Equal(t, 0.95, cfg.Cache.SimilarityThreshold)
	assert.Equal(t, "monthly", cfg.Budget.DefaultPeriod)
	assert.Equal(t, 30*time.Second, cfg.ProviderTimeout())
}

func TestLoadEnvironmentOverlay(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", `
server:
  port: 8080
  env: production
budget:
  enabled: true
  default_limit: 1000
`)
	writeConfig(t, dir, "config.development.yaml", `
server:
  env: development
budget:
  default_limit: 50
`)

	cfg, err := Load(dir, "development")
	require.NoError(t, err)

	// Overlay wins on the keys it names, base survives on the rest.
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 50.0, cfg.Budget.DefaultLimit)
	assert.True(t, cfg.Budget.Enabled)
}

func TestLoadMissingOverlayIsFine(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", "server:\n  port: 8081\n")

	cfg, err := Load(dir, "staging")
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Server.Port)
}

func TestLoadEnvVarSubstitution(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", `
database:
  url: ${TEST_DATABASE_URL}
auth:
  admin_api_key: ${TEST_UNSET_VAR}
`)
	t.Setenv("TEST_DATABASE_URL", "postgres://test:test@db:5432/gw")

	cfg, err := Load(dir, "")
	require.NoError(t, err)

	assert.Equal(t, "postgres://test:test@db:5432/gw", cfg.Database.URL)
	// Unset variables keep the placeholder visible.
	assert.Equal(t, "${TEST_UNSET_VAR}", cfg.Auth.AdminAPIKey)
}

func TestLoadProvidersAndRules(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", `
providers:
  openai:
    api_key: ${TEST_OPENAI_KEY}
    default_model: gpt-3.5-turbo
    models: [gpt-3.5-turbo, gpt-4]
    pricing:
      gpt-4:
        prompt: 0.03
        completion: 0.06
guardrails:
  enabled: true
  block_on_violation: true
  rules:
    - name: no_sensitive_pii
      type: pii
      enabled: true
      action: block
      entity_types: [TCKN, IBAN]
`)
	t.Setenv("TEST_OPENAI_KEY", "sk-test")

	cfg, err := Load(dir, "")
	require.NoError(t, err)

	openai := cfg.Providers["openai"]
	assert.Equal(t, "sk-test", openai.APIKey)
	assert.Equal(t, []string{"gpt-3.5-turbo", "gpt-4"}, openai.Models)
	assert.Equal(t, 0.03, openai.Pricing["gpt-4"].Prompt)

	require.Len(t, cfg.Guardrails.Rules, 1)
	rule := cfg.Guardrails.Rules[0]
	assert.Equal(t, "no_sensitive_pii", rule.Name)
	assert.Equal(t, []string{"TCKN", "IBAN"}, rule.EntityTypes)
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", "server: [broken\n")

	_, err := Load(dir, "")
	assert.Error(t, err)
}

func TestDeepMergeNestedMaps(t *testing.T) {
	base := map[interface{}]interface{}{
		"a": map[interface{}]interface{}{"x": 1, "y": 2},
		"b": "keep",
	}
	override := map[interface{}]interface{}{
		"a": map[interface{}]interface{}{"y": 3},
		"c": "new",
	}

	merged := deepMerge(base, override)
	inner := merged["a"].(map[interface{}]interface{})
	assert.Equal(t, 1, inner["x"])
	assert.Equal(t, 3, inner["y"])
	assert.Equal(t, "keep", merged["b"])
	assert.Equal(t, "new", merged["c"])

	// deepMerge must not mutate its inputs' top level.
	assert.NotContains(t, base, "c")
}
