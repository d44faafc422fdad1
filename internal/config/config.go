// Package config provides configuration loading for autodev.
//
// Configuration is loaded from a YAML file, then overridden by AUTODEV_*
// environment variables, then filled in with defaults.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/fyrsmithlabs/autodev/internal/ci"
	"github.com/fyrsmithlabs/autodev/internal/dashboard"
	"github.com/fyrsmithlabs/autodev/internal/engine"
	"github.com/fyrsmithlabs/autodev/internal/gitops"
	"github.com/fyrsmithlabs/autodev/internal/hosting"
	"github.com/fyrsmithlabs/autodev/internal/llm"
	"github.com/fyrsmithlabs/autodev/internal/logging"
	"github.com/fyrsmithlabs/autodev/internal/memory"
	"github.com/fyrsmithlabs/autodev/internal/recovery"
	"github.com/fyrsmithlabs/autodev/internal/repostate"
	"github.com/fyrsmithlabs/autodev/internal/scheduler"
)

// TasksConfig locates the task file.
type TasksConfig struct {
	// Path to the JSON task file. Default: <gitops dir>/.autodev/tasks.json.
	Path string `koanf:"path"`
	// Watch enables the fsnotify watcher that wakes the run loop early when
	// the task file is edited by hand.
	Watch bool `koanf:"watch"`
}

// Config holds the complete autodev configuration.
type Config struct {
	Logging   logging.Config      `koanf:"logging"`
	Tasks     TasksConfig         `koanf:"tasks"`
	Gitops    gitops.Config       `koanf:"gitops"`
	Hosting   hosting.Config      `koanf:"hosting"`
	LLM       llm.Config          `koanf:"llm"`
	Repostate repostate.Config    `koanf:"repostate"`
	Scheduler scheduler.Config    `koanf:"scheduler"`
	Engine    engine.Config       `koanf:"engine"`
	Runner    engine.RunnerConfig `koanf:"runner"`
	CI        ci.Config           `koanf:"ci"`
	Recovery  recovery.Config     `koanf:"recovery"`
	Memory    memory.Config       `koanf:"memory"`
	Dashboard dashboard.Config    `koanf:"dashboard"`
}

// stateDir is where autodev keeps its own files inside the workspace.
func (c *Config) stateDir() string {
	return filepath.Join(c.Gitops.Dir, ".autodev")
}

// ApplyDefaults fills in every unset field, including the cross-section
// derivations: the workspace directory anchors the task file, repository
// snapshot cache, memory store and recovery log, and the gitops default
// branch propagates to the engine and the recovery policy.
func (c *Config) ApplyDefaults() {
	c.Gitops.ApplyDefaults()

	if c.Tasks.Path == "" && c.Gitops.Dir != "" {
		c.Tasks.Path = filepath.Join(c.stateDir(), "tasks.json")
	}
	if c.Repostate.WorkspaceDir == "" {
		c.Repostate.WorkspaceDir = c.Gitops.Dir
	}
	if c.Engine.DefaultBranch == "" {
		c.Engine.DefaultBranch = c.Gitops.DefaultBranch
	}
	if c.Recovery.DefaultBranch == "" {
		c.Recovery.DefaultBranch = c.Gitops.DefaultBranch
	}
	if c.Recovery.LogPath == "" && c.Gitops.Dir != "" {
		c.Recovery.LogPath = filepath.Join(c.stateDir(), "recovery.log")
	}
	if c.Memory.Path == "" && c.Gitops.Dir != "" {
		c.Memory.Path = filepath.Join(c.stateDir(), "memory")
	}
	if c.Hosting.Token == "" {
		c.Hosting.Token = c.Gitops.Token
	}
	if c.Gitops.Token == "" {
		c.Gitops.Token = c.Hosting.Token
	}

	c.Logging.ApplyDefaults()
	c.LLM.ApplyDefaults()
	c.Repostate.ApplyDefaults()
	c.Scheduler.ApplyDefaults()
	c.Engine.ApplyDefaults()
	c.Runner.ApplyDefaults()
	c.CI.ApplyDefaults()
	c.Recovery.ApplyDefaults()
	c.Memory.ApplyDefaults()
	c.Hosting.Retry.ApplyDefaults()
	c.Dashboard.ApplyDefaults()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Gitops.Validate(); err != nil {
		return err
	}
	if err := c.Hosting.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Repostate.Validate(); err != nil {
		return err
	}
	if err := c.Memory.Validate(); err != nil {
		return err
	}
	if c.Tasks.Path == "" {
		return fmt.Errorf("tasks: path is required")
	}
	return nil
}
