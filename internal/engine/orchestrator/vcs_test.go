package orchestrator

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com", "GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fleetedge.yaml"), []byte("name: proj\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestWorkspaceDirtyCleanRepo(t *testing.T) {
	requireGit(t)
	dir := initRepo(t)
	dirty, err := workspaceDirty(dir)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestWorkspaceDirtyWithUncommittedChanges(t *testing.T) {
	requireGit(t)
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fleetedge.yaml"), []byte("name: proj2\n"), 0o644))
	dirty, err := workspaceDirty(dir)
	require.NoError(t, err)
	assert.True(t, dirty)
}

func TestWorkspaceDirtyNonGitDirectoryIsNeverDirty(t *testing.T) {
	requireGit(t)
	dirty, err := workspaceDirty(t.TempDir())
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestCheckSafetyGateForceBypassesDirtyCheck(t *testing.T) {
	requireGit(t)
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fleetedge.yaml"), []byte("name: changed\n"), 0o644))
	assert.NoError(t, checkSafetyGate(dir, true))
}

func TestCheckSafetyGateBlocksOnDirtyWorkspace(t *testing.T) {
	requireGit(t)
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fleetedge.yaml"), []byte("name: changed\n"), 0o644))
	err := checkSafetyGate(dir, false)
	assert.Error(t, err)
}

func TestCheckSafetyGateAllowsCleanWorkspace(t *testing.T) {
	requireGit(t)
	dir := initRepo(t)
	assert.NoError(t, checkSafetyGate(dir, false))
}
