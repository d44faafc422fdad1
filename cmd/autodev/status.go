package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/autodev/internal/engine"
)

var statusServerURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what a running orchestrator is doing",
	Long: `Query the dashboard of a running autodev instance and print the
current workflow state.

Examples:
  autodev status
  autodev status --server http://localhost:9999`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusServerURL, "server", "http://localhost:8090", "dashboard URL")
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(statusServerURL + "/status")
	if err != nil {
		return fmt.Errorf("failed to reach dashboard at %s: %w", statusServerURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dashboard returned %d: %s", resp.StatusCode, string(body))
	}

	var snap engine.StatusSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return fmt.Errorf("failed to parse status response: %w", err)
	}

	fmt.Printf("State:     %s\n", snap.State)
	if snap.TaskID != 0 {
		fmt.Printf("Task:      #%d\n", snap.TaskID)
		fmt.Printf("Branch:    %s\n", snap.Branch)
		fmt.Printf("Iteration: %d\n", snap.Iteration)
	}
	if snap.PRNumber != 0 {
		fmt.Printf("PR:        #%d\n", snap.PRNumber)
	}
	if snap.CIFailureCount != 0 {
		fmt.Printf("CI fails:  %d\n", snap.CIFailureCount)
	}
	for _, d := range snap.Decisions {
		fmt.Printf("  %s  iter %d  %-10s %s\n",
			d.Timestamp.Format(time.RFC3339), d.Iteration, d.Decision, d.Reasoning)
	}
	return nil
}
