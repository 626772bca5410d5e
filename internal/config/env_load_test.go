package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	body := "# comment\nA=1\n\n B = two words \nnot a pair\n=empty\nC=x=y\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	got, err := LoadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=two words", "C=x=y"}, got)

	_, err = LoadEnvFile(filepath.Join(dir, "missing.env"))
	assert.Error(t, err)
}

func TestGlobalEnvOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.env"), []byte("A=file\nB=file\n"), 0o644))
	path := filepath.Join(dir, "svcmon.toml")
	require.NoError(t, os.WriteFile(path, []byte("env_files = [\"base.env\"]\nenv = [\"B=inline\"]\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	got, err := c.GlobalEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"A=file", "B=file", "B=inline"}, got)
}

func TestGlobalEnvMissingFile(t *testing.T) {
	c := Default()
	c.EnvFiles = []string{filepath.Join(t.TempDir(), "nope.env")}
	_, err := c.GlobalEnv()
	assert.Error(t, err)
}
