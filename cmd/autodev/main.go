// Autodev is an autonomous development-task orchestrator. It selects work
// from a task file, drives each task through iterative patch generation on
// its own branch, opens a pull request, watches CI, merges on green, and
// recovers or escalates anything that gets stuck.
//
// Configuration is loaded from a YAML file and AUTODEV_* environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Run the orchestrator loop
//	autodev run --config /etc/autodev/config.yaml
//
//	# Run exactly one scheduling cycle and exit
//	autodev once
//
//	# Query a running orchestrator
//	autodev status
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "autodev",
	Short: "Autonomous development-task orchestrator",
	Long: `autodev picks tasks from a task file, iterates patches on a branch,
opens pull requests, watches CI and merges on green. Stuck branches are
nuked and repeat offenders demoted to research tasks.`,
	Version: version,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")
	rootCmd.SetVersionTemplate("autodev {{.Version}} (" + gitCommit + ", " + buildDate + ")\n")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(statusCmd)
}
