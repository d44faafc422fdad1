// Package repostate builds periodic snapshots of the target repository:
// size, test coverage proxy, technical-debt markers, detected capabilities
// and missing tooling. Snapshots are cached on disk with a one-day TTL so
// repeated scheduling cycles do not re-walk the tree.
package repostate

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTTL is how long a cached snapshot stays fresh.
const DefaultTTL = 24 * time.Hour

// Snapshot describes the repository at one point in time.
type Snapshot struct {
	// CodebaseSize is thousands of source lines.
	CodebaseSize float64 `json:"codebaseSize"`
	// TestCoverage is the test-file ratio as a percentage, a cheap proxy
	// that needs no build step.
	TestCoverage          float64   `json:"testCoverage"`
	TechnicalDebt         float64   `json:"technicalDebt"`
	Capabilities          []string  `json:"capabilities"`
	MissingTools          []string  `json:"missingTools"`
	ArchitecturalConcerns []string  `json:"architecturalConcerns"`
	OpportunityAreas      []string  `json:"opportunityAreas"`
	LastAnalysis          time.Time `json:"lastAnalysis"`
}

// Fresh reports whether the snapshot is younger than the TTL.
func (s *Snapshot) Fresh(ttl time.Duration) bool {
	return s != nil && time.Since(s.LastAnalysis) < ttl
}

// Config controls the analyzer.
type Config struct {
	WorkspaceDir string        `koanf:"workspace_dir"`
	CachePath    string        `koanf:"cache_path"`
	TTL          time.Duration `koanf:"ttl"`
	// RequiredTools are binaries the target project expects on PATH.
	RequiredTools []string `koanf:"required_tools"`
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.CachePath == "" && c.WorkspaceDir != "" {
		c.CachePath = filepath.Join(c.WorkspaceDir, ".autodev", "repostate.json")
	}
	if c.RequiredTools == nil {
		c.RequiredTools = []string{"git", "go", "gofmt"}
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.WorkspaceDir == "" {
		return fmt.Errorf("repostate: workspace_dir is required")
	}
	return nil
}

// Analyzer produces and caches snapshots.
type Analyzer struct {
	cfg    Config
	logger *zap.Logger
}

// NewAnalyzer creates an analyzer for the configured workspace.
func NewAnalyzer(cfg Config, logger *zap.Logger) (*Analyzer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{cfg: cfg, logger: logger}, nil
}

// Current returns a fresh snapshot, reading the cache when it is younger
// than the TTL and re-analyzing otherwise.
func (a *Analyzer) Current(ctx context.Context) (*Snapshot, error) {
	if cached := a.loadCache(); cached.Fresh(a.cfg.TTL) {
		a.logger.Debug("using cached repository snapshot",
			zap.Time("last_analysis", cached.LastAnalysis))
		return cached, nil
	}
	return a.Refresh(ctx)
}

// Refresh re-analyzes the workspace unconditionally and writes the cache.
func (a *Analyzer) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := a.analyze(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.saveCache(snap); err != nil {
		// A stale cache only costs an extra walk next cycle.
		a.logger.Warn("failed to persist repository snapshot", zap.Error(err))
	}
	return snap, nil
}

func (a *Analyzer) loadCache() *Snapshot {
	data, err := os.ReadFile(a.cfg.CachePath)
	if err != nil {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		a.logger.Warn("discarding unreadable snapshot cache", zap.Error(err))
		return nil
	}
	return &snap
}

func (a *Analyzer) saveCache(snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(a.cfg.CachePath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(a.cfg.CachePath, data, 0o644)
}

var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".rs": true,
	".java": true, ".rb": true, ".c": true, ".h": true, ".cpp": true,
}

var skippedDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".autodev": true,
}

func (a *Analyzer) analyze(ctx context.Context) (*Snapshot, error) {
	var (
		sourceFiles int
		testFiles   int
		totalLines  int
		debtMarkers int
		largeFiles  []string
		dirFiles    = map[string]int{}
	)

	err := filepath.WalkDir(a.cfg.WorkspaceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExtensions[filepath.Ext(d.Name())] {
			return nil
		}

		sourceFiles++
		if isTestFile(d.Name()) {
			testFiles++
		}
		dirFiles[filepath.Dir(path)]++

		data, err := os.ReadFile(path)
		if err != nil {
			return nil // unreadable files do not fail the walk
		}
		lines := strings.Count(string(data), "\n") + 1
		totalLines += lines
		debtMarkers += strings.Count(string(data), "TODO") + strings.Count(string(data), "FIXME")
		if lines > 800 {
			rel, relErr := filepath.Rel(a.cfg.WorkspaceDir, path)
			if relErr != nil {
				rel = path
			}
			largeFiles = append(largeFiles, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("analyzing workspace: %w", err)
	}

	snap := &Snapshot{
		CodebaseSize: float64(totalLines) / 1000.0,
		LastAnalysis: time.Now().UTC(),
	}
	if sourceFiles > 0 {
		snap.TestCoverage = float64(testFiles) / float64(sourceFiles) * 100.0
	}
	if snap.CodebaseSize > 0 {
		snap.TechnicalDebt = float64(debtMarkers) / snap.CodebaseSize
	}

	snap.Capabilities = a.detectCapabilities()
	snap.MissingTools = a.detectMissingTools()
	snap.ArchitecturalConcerns = architecturalConcerns(largeFiles, dirFiles)
	snap.OpportunityAreas = opportunityAreas(snap)

	a.logger.Info("repository analyzed",
		zap.Float64("kloc", snap.CodebaseSize),
		zap.Float64("test_coverage", snap.TestCoverage),
		zap.Float64("technical_debt", snap.TechnicalDebt),
		zap.Int("missing_tools", len(snap.MissingTools)),
	)
	return snap, nil
}

func isTestFile(name string) bool {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.HasSuffix(base, "_test") ||
		strings.HasPrefix(base, "test_") ||
		strings.HasSuffix(base, ".test") ||
		strings.HasSuffix(base, ".spec")
}

func (a *Analyzer) detectCapabilities() []string {
	var caps []string
	markers := []struct {
		path string
		name string
	}{
		{"go.mod", "go-modules"},
		{"Makefile", "make"},
		{"Dockerfile", "docker"},
		{".github/workflows", "github-actions"},
		{"package.json", "node"},
		{"Cargo.toml", "cargo"},
	}
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(a.cfg.WorkspaceDir, m.path)); err == nil {
			caps = append(caps, m.name)
		}
	}
	return caps
}

func (a *Analyzer) detectMissingTools() []string {
	var missing []string
	for _, tool := range a.cfg.RequiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	return missing
}

func architecturalConcerns(largeFiles []string, dirFiles map[string]int) []string {
	var concerns []string
	for _, f := range largeFiles {
		concerns = append(concerns, fmt.Sprintf("oversized file %s", f))
	}
	for dir, n := range dirFiles {
		if n > 30 {
			concerns = append(concerns, fmt.Sprintf("crowded package %s (%d files)", dir, n))
		}
	}
	return concerns
}

func opportunityAreas(snap *Snapshot) []string {
	var areas []string
	if snap.TestCoverage < 30 {
		areas = append(areas, "increase test coverage")
	}
	if snap.TechnicalDebt > 5 {
		areas = append(areas, "reduce TODO/FIXME backlog")
	}
	if len(snap.MissingTools) > 0 {
		areas = append(areas, "install missing development tools")
	}
	if len(snap.ArchitecturalConcerns) > 3 {
		areas = append(areas, "split oversized modules")
	}
	return areas
}
