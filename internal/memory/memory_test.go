package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodev/internal/tasks"
)

// stubEmbedding is a deterministic embedding over character histograms,
// good enough to make similar strings rank close without a network call.
func stubEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 64)
	for i, r := range text {
		vec[(int(r)+i)%64]++
	}
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		inv := 1.0 / sqrt32(norm)
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func sqrt32(v float32) float32 {
	x := v
	for i := 0; i < 20; i++ {
		x = (x + v/x) / 2
	}
	return x
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	progress := filepath.Join(dir, "PROGRESS.md")
	s, err := NewStore(Config{
		Path:         filepath.Join(dir, "vectors"),
		ProgressPath: progress,
	}, stubEmbedding, nil)
	require.NoError(t, err)
	return s, progress
}

func mergedTask(id int, desc string) *tasks.Task {
	return &tasks.Task{ID: id, Description: desc, Type: tasks.TypeFeature}
}

func TestRecordMergeWritesProgressLog(t *testing.T) {
	s, progress := newTestStore(t)

	err := s.RecordMerge(context.Background(), mergedTask(4, "add config loader"),
		"Implemented the YAML config loader with env overrides.")
	require.NoError(t, err)

	data, err := os.ReadFile(progress)
	require.NoError(t, err)
	assert.Contains(t, string(data), "task #4: add config loader")
	assert.Contains(t, string(data), "YAML config loader")
}

func TestRelatedReturnsStoredSummaries(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordMerge(ctx, mergedTask(1, "parser work"), "Built the config parser."))
	require.NoError(t, s.RecordMerge(ctx, mergedTask(2, "ci work"), "Fixed the CI pipeline caching."))

	entries, err := s.Related(ctx, "config parser", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotEmpty(t, e.Summary)
		assert.NotZero(t, e.TaskID)
	}
}

func TestRelatedClampsToCollectionSize(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordMerge(ctx, mergedTask(1, "only entry"), "The single summary."))

	entries, err := s.Related(ctx, "anything", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRelatedEmptyCollection(t *testing.T) {
	s, _ := newTestStore(t)
	entries, err := s.Related(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestNewStoreRequiresPath(t *testing.T) {
	_, err := NewStore(Config{}, stubEmbedding, nil)
	require.Error(t, err)
}
