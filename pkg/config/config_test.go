package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_PlaintextPositionalOnly(t *testing.T) {
	cfg, err := Parse([]string{"8080"})
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Empty(t, cfg.CertFile)
	assert.Empty(t, cfg.KeyFile)
	assert.Equal(t, Default().CacheCapacity, cfg.CacheCapacity)
}

func TestParse_MITMPositionalArgs(t *testing.T) {
	cfg, err := Parse([]string{"8443", "cert.pem", "key.pem"})
	require.NoError(t, err)
	assert.Equal(t, 8443, cfg.Port)
	assert.Equal(t, "cert.pem", cfg.CertFile)
	assert.Equal(t, "key.pem", cfg.KeyFile)
}

func TestParse_RejectsWrongArgCount(t *testing.T) {
	_, err := Parse([]string{"8080", "cert.pem"})
	assert.Error(t, err)
}

func TestParse_RejectsInvalidPort(t *testing.T) {
	_, err := Parse([]string{"not-a-port"})
	assert.Error(t, err)

	_, err = Parse([]string{"70000"})
	assert.Error(t, err)
}

func TestParse_ExplicitFlagOverridesDefault(t *testing.T) {
	cfg, err := Parse([]string{"-cache-capacity", "2048", "8080"})
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.CacheCapacity)
}

func TestParse_YAMLOverridesDefaultButNotExplicitFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache_capacity: 4096
idle_timeout: 30s
log_level: debug
`), 0o644))

	cfg, err := Parse([]string{"-config", path, "-log-level", "warn", "8080"})
	require.NoError(t, err)

	assert.Equal(t, 4096, cfg.CacheCapacity, "YAML value applies when no flag was explicitly set")
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout)
	assert.Equal(t, "warn", cfg.LogLevel, "explicit flag wins over YAML")
}
