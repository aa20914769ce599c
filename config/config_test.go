package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vecrt.conf")
	require.NoError(t, os.WriteFile(path, []byte("cpu.workers=4\n# comment\n\ncpu.debug=false\n"), 0o644))

	ns, err := Load("cpu", path)
	require.NoError(t, err)

	assert.Equal(t, 4, ns.Int("workers", 1, 1, 64))

	t.Setenv("CPU_WORKERS", "8")
	assert.Equal(t, 8, ns.Int("workers", 1, 1, 64))
}

func TestIntClampsToBounds(t *testing.T) {
	ns, err := Load("cpu", "")
	require.NoError(t, err)
	t.Setenv("CPU_WORKERS", "999")
	assert.Equal(t, 64, ns.Int("workers", 1, 1, 64))

	t.Setenv("CPU_WORKERS", "-5")
	assert.Equal(t, 1, ns.Int("workers", 1, 1, 64))
}

func TestMissingFileIsNotAnError(t *testing.T) {
	ns, err := Load("cpu", "/nonexistent/vecrt.conf")
	require.NoError(t, err)
	assert.Equal(t, "default", ns.String("mode", "default"))
}

func TestMalformedFileLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.conf")
	require.NoError(t, os.WriteFile(path, []byte("not-a-kv-line\n"), 0o644))
	_, err := Load("cpu", path)
	assert.Error(t, err)
}

func TestBoolAndDoubleDefaults(t *testing.T) {
	ns, err := Load("gpu", "")
	require.NoError(t, err)
	assert.True(t, ns.Bool("enable", true))
	assert.Equal(t, 0.5, ns.Double("fraction", 0.5))
}
