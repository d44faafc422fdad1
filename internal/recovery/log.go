package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Log is the append-only recovery log. Lines have the shape
//
//	<ISO timestamp> - Task #7: NUKE_BRANCH on task-7-fix-parser
//	<ISO timestamp> - System: EMERGENCY_RESET on workspace
type Log struct {
	mu   sync.Mutex
	path string
}

// NewLog creates the log at path, creating parent directories as needed.
func NewLog(path string) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("recovery: log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating recovery log directory: %w", err)
	}
	return &Log{path: path}, nil
}

// AppendTask records an action taken for a task.
func (l *Log) AppendTask(taskID int, action, target string) error {
	return l.append(fmt.Sprintf("Task #%d", taskID), action, target)
}

// AppendSystem records an action not tied to any task.
func (l *Log) AppendSystem(action, target string) error {
	return l.append("System", action, target)
}

func (l *Log) append(actor, action, target string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening recovery log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s - %s: %s on %s\n",
		time.Now().UTC().Format(time.RFC3339), actor, action, target)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("appending to recovery log: %w", err)
	}
	return nil
}
