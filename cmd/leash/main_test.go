package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStartupOptions(t *testing.T) {
	opts, err := parseStartupOptions([]string{
		"--config", "leash.yaml",
		"--server=wss://example.com/session",
		"--token", "secret",
		"--resume", "abc-123",
		"--remote",
		"--verbose", "--model", "opus",
	})
	require.NoError(t, err)
	assert.Equal(t, "leash.yaml", opts.configPath)
	assert.Equal(t, "wss://example.com/session", opts.serverURL)
	assert.Equal(t, "secret", opts.authToken)
	assert.Equal(t, "abc-123", opts.resumeSessionID)
	assert.True(t, opts.startRemote)
	assert.Equal(t, []string{"--verbose", "--model", "opus"}, opts.extraArgs)
}

func TestParseStartupOptionsMissingValue(t *testing.T) {
	_, err := parseStartupOptions([]string{"--config"})
	require.Error(t, err)

	_, err = parseStartupOptions([]string{"--resume"})
	require.Error(t, err)
}

func TestParseStartupOptionsVersion(t *testing.T) {
	opts, err := parseStartupOptions([]string{"-v"})
	require.NoError(t, err)
	assert.True(t, opts.showVersion)
	assert.Empty(t, opts.extraArgs)
}

func TestTranscriptDirSlug(t *testing.T) {
	dir := transcriptDir(filepath.Join("/home", "dev", "proj"))
	if dir == "" {
		t.Skip("no home directory in this environment")
	}
	assert.True(t, strings.HasSuffix(dir, filepath.Join(".claude", "projects", "-home-dev-proj")))
}
