package repostate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestAnalyzer(t *testing.T, dir string) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(Config{
		WorkspaceDir:  dir,
		CachePath:     filepath.Join(t.TempDir(), "state.json"),
		RequiredTools: []string{},
	}, nil)
	require.NoError(t, err)
	return a
}

func TestAnalyzeCountsSizeAndDebt(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n// TODO: wire flags\nfunc main() {}\n")
	writeFile(t, dir, "main_test.go", "package main\n")
	writeFile(t, dir, "README.md", "not counted\n")

	snap, err := newTestAnalyzer(t, dir).Refresh(context.Background())
	require.NoError(t, err)

	assert.Greater(t, snap.CodebaseSize, 0.0)
	assert.InDelta(t, 50.0, snap.TestCoverage, 1e-9, "one test file of two source files")
	assert.Greater(t, snap.TechnicalDebt, 0.0)
	assert.False(t, snap.LastAnalysis.IsZero())
}

func TestAnalyzeSkipsVendoredDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")
	writeFile(t, dir, ".git/objects/x.go", "garbage\n")
	writeFile(t, dir, "vendor/dep/dep.go", strings.Repeat("x\n", 5000))

	snap, err := newTestAnalyzer(t, dir).Refresh(context.Background())
	require.NoError(t, err)
	assert.Less(t, snap.CodebaseSize, 1.0, "vendored lines must not count")
}

func TestAnalyzeDetectsCapabilities(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/x\n")
	writeFile(t, dir, ".github/workflows/ci.yml", "on: push\n")

	snap, err := newTestAnalyzer(t, dir).Refresh(context.Background())
	require.NoError(t, err)
	assert.Contains(t, snap.Capabilities, "go-modules")
	assert.Contains(t, snap.Capabilities, "github-actions")
}

func TestMissingToolsReported(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAnalyzer(Config{
		WorkspaceDir:  dir,
		CachePath:     filepath.Join(t.TempDir(), "state.json"),
		RequiredTools: []string{"definitely-not-a-real-binary-9000"},
	}, nil)
	require.NoError(t, err)

	snap, err := a.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"definitely-not-a-real-binary-9000"}, snap.MissingTools)
	assert.Contains(t, snap.OpportunityAreas, "install missing development tools")
}

func TestCurrentUsesFreshCache(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")
	a := newTestAnalyzer(t, dir)

	first, err := a.Current(context.Background())
	require.NoError(t, err)

	// Grow the workspace; a fresh cache must hide the change.
	writeFile(t, dir, "b.go", strings.Repeat("x\n", 2000))

	second, err := a.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.CodebaseSize, second.CodebaseSize)
}

func TestCurrentRefreshesStaleCache(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")
	a := newTestAnalyzer(t, dir)

	snap, err := a.Refresh(context.Background())
	require.NoError(t, err)

	// Backdate the cache past the TTL.
	snap.LastAnalysis = time.Now().Add(-2 * DefaultTTL)
	require.NoError(t, a.saveCache(snap))

	writeFile(t, dir, "b.go", strings.Repeat("x\n", 2000))
	refreshed, err := a.Current(context.Background())
	require.NoError(t, err)
	assert.Greater(t, refreshed.CodebaseSize, 1.0)
}

func TestSnapshotFresh(t *testing.T) {
	assert.False(t, (*Snapshot)(nil).Fresh(time.Hour))
	assert.True(t, (&Snapshot{LastAnalysis: time.Now()}).Fresh(time.Hour))
	assert.False(t, (&Snapshot{LastAnalysis: time.Now().Add(-2 * time.Hour)}).Fresh(time.Hour))
}

func TestValidateRequiresWorkspace(t *testing.T) {
	_, err := NewAnalyzer(Config{}, nil)
	require.Error(t, err)
}
