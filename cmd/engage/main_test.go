package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/engage/pkg/cleanup"
	"github.com/nous-labs/engage/pkg/loop"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, logFormat, logLevel = "", "text", "error"
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func sandbox(t *testing.T) {
	t.Helper()
	t.Setenv("ENGAGE_STORE", "sqlite")
	t.Setenv("ENGAGE_DATA_DIR", t.TempDir())
	t.Setenv("ENGAGE_CONFIG_PATH", "")
	t.Setenv("ENGAGE_PRIVATE_CONFIG", "")
	t.Setenv("ENGAGE_EMBEDDINGS_ENABLED", "")
	t.Chdir(t.TempDir())
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "engage dev (unknown)\n", out)
}

func TestLoopsCmdEmptyScope(t *testing.T) {
	sandbox(t)
	out, err := execute(t, "loops", "--scope", "alice")
	require.NoError(t, err)

	var loops []loop.OpenLoop
	require.NoError(t, json.Unmarshal([]byte(out), &loops))
	assert.Empty(t, loops)
}

func TestLoopsCmdRejectsUnknownStatus(t *testing.T) {
	sandbox(t)
	_, err := execute(t, "loops", "--scope", "alice", "--status", "pending")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pending")
}

func TestCleanupCmd(t *testing.T) {
	sandbox(t)
	out, err := execute(t, "cleanup", "--scope", "alice")
	require.NoError(t, err)

	var report cleanup.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "alice", report.Scope)
	assert.Len(t, report.Passes, len(cleanup.Passes))
	assert.Zero(t, report.Expired())
}

func TestCleanupCmdRequiresScope(t *testing.T) {
	sandbox(t)
	out, err := execute(t, "cleanup")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "scope") || strings.Contains(out, "scope"))
}
