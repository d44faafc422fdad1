package tasks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Store persists the task list as a single flat JSON file. The file is
// read at the start of each scheduling cycle and written back after every
// mutation; there is no optimistic-concurrency check, which is safe only
// because exactly one process owns the file.
type Store struct {
	path   string
	logger *zap.Logger
}

// NewStore creates a store for the given file path.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the task file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the task list. A missing file yields an empty list.
func (s *Store) Load() (*List, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &List{NextID: 1}, nil
		}
		return nil, fmt.Errorf("reading task file %s: %w", s.path, err)
	}

	var list List
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parsing task file %s: %w", s.path, err)
	}
	if list.NextID == 0 {
		list.NextID = 1
		for _, t := range list.Tasks {
			if t.ID >= list.NextID {
				list.NextID = t.ID + 1
			}
		}
	}
	return &list, nil
}

// Save writes the task list back, atomically replacing the file.
func (s *Store) Save(list *List) error {
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding task list: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating task directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tasks-*.json")
	if err != nil {
		return fmt.Errorf("creating temp task file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp task file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp task file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing task file: %w", err)
	}

	s.logger.Debug("task list saved",
		zap.String("path", s.path),
		zap.Int("tasks", len(list.Tasks)),
		zap.Int("super_tasks", len(list.SuperTasks)),
	)
	return nil
}
