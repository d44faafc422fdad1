package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
gitops:
  dir: /srv/work/repo
  remote_url: https://github.com/acme/widgets.git
hosting:
  owner: acme
  repo: widgets
  token: ghp_filetoken
llm:
  api_key: sk-file
ci:
  max_wait: 45m
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	require.NoError(t, err)

	assert.Equal(t, "/srv/work/repo", cfg.Gitops.Dir)
	assert.Equal(t, "acme", cfg.Hosting.Owner)
	assert.Equal(t, "sk-file", cfg.LLM.APIKey)
	assert.Equal(t, 45*time.Minute, cfg.CI.MaxWait)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Engine.MaxIterations)
	assert.Equal(t, 3, cfg.Engine.MaxCIAttempts)
	assert.Equal(t, ":8090", cfg.Dashboard.Addr)
	assert.Equal(t, "main", cfg.Gitops.DefaultBranch)
	assert.Equal(t, 5*time.Minute, cfg.Runner.Interval)
}

func TestLoadDerivesPathsFromWorkspace(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	require.NoError(t, err)

	assert.Equal(t, "/srv/work/repo/.autodev/tasks.json", cfg.Tasks.Path)
	assert.Equal(t, "/srv/work/repo/.autodev/recovery.log", cfg.Recovery.LogPath)
	assert.Equal(t, "/srv/work/repo/.autodev/memory", cfg.Memory.Path)
	assert.Equal(t, "/srv/work/repo", cfg.Repostate.WorkspaceDir)
	assert.Equal(t, "main", cfg.Engine.DefaultBranch)
	assert.Equal(t, "main", cfg.Recovery.DefaultBranch)
}

func TestHostingTokenFlowsToGitops(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	require.NoError(t, err)
	assert.Equal(t, "ghp_filetoken", cfg.Gitops.Token)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("AUTODEV_LLM_API_KEY", "sk-env")
	t.Setenv("AUTODEV_DASHBOARD_ADDR", ":9999")
	t.Setenv("AUTODEV_ENGINE_MAX_ITERATIONS", "5")

	cfg, err := Load(writeConfig(t, baseYAML))
	require.NoError(t, err)

	assert.Equal(t, "sk-env", cfg.LLM.APIKey, "env wins over file")
	assert.Equal(t, ":9999", cfg.Dashboard.Addr)
	assert.Equal(t, 5, cfg.Engine.MaxIterations)
}

func TestLoadFromEnvOnly(t *testing.T) {
	t.Setenv("AUTODEV_GITOPS_DIR", "/srv/work/repo")
	t.Setenv("AUTODEV_GITOPS_REMOTE_URL", "https://github.com/acme/widgets.git")
	t.Setenv("AUTODEV_HOSTING_OWNER", "acme")
	t.Setenv("AUTODEV_HOSTING_REPO", "widgets")
	t.Setenv("AUTODEV_HOSTING_TOKEN", "ghp_envtoken")
	t.Setenv("AUTODEV_LLM_API_KEY", "sk-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Hosting.Owner)
	assert.Equal(t, "ghp_envtoken", cfg.Gitops.Token)
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"AUTODEV_GITOPS_REMOTE_URL", "gitops.remote_url"},
		{"AUTODEV_LLM_API_KEY", "llm.api_key"},
		{"AUTODEV_DASHBOARD_ADDR", "dashboard.addr"},
		{"AUTODEV_SCHEDULER_MIN_PENDING_TASKS", "scheduler.min_pending_tasks"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, envTransform(tt.in))
	}
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission checks are skipped on windows")
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseYAML), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadValidationFailure(t *testing.T) {
	_, err := Load(writeConfig(t, "gitops:\n  dir: /srv/work/repo\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}
