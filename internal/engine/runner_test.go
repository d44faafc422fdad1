package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodev/internal/llm"
	"github.com/fyrsmithlabs/autodev/internal/repostate"
	"github.com/fyrsmithlabs/autodev/internal/tasks"
)

type memStore struct {
	list    *tasks.List
	saves   int
	loadErr error
}

func (m *memStore) Load() (*tasks.List, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.list, nil
}

func (m *memStore) Save(list *tasks.List) error {
	m.list = list
	m.saves++
	return nil
}

type fixedAnalyzer struct{ snap *repostate.Snapshot }

func (f *fixedAnalyzer) Current(context.Context) (*repostate.Snapshot, error) {
	return f.snap, nil
}

type scriptedScheduler struct {
	selected  *tasks.Task
	generate  bool
	generated []*tasks.Task
	genErr    error
}

func (s *scriptedScheduler) SelectNext(*tasks.List, *repostate.Snapshot) *tasks.Task {
	return s.selected
}

func (s *scriptedScheduler) ShouldGenerateNewTasks(*tasks.List, *repostate.Snapshot) bool {
	return s.generate
}

func (s *scriptedScheduler) GenerateTasks(_ context.Context, _ llm.Client, list *tasks.List, _ *repostate.Snapshot) ([]*tasks.Task, error) {
	if s.genErr != nil {
		return nil, s.genErr
	}
	for _, t := range s.generated {
		list.Add(t)
	}
	return s.generated, nil
}

func newRunner(t *testing.T, rig *testRig, store *memStore, sched *scriptedScheduler) *Runner {
	t.Helper()
	r, err := NewRunner(RunnerConfig{}, store, &fixedAnalyzer{snap: &repostate.Snapshot{}},
		sched, nil, rig.engine, rig.llm, nil, nil)
	require.NoError(t, err)
	return r
}

func TestCycle_ExecutesSelectedTask(t *testing.T) {
	rig := newRig(t, Config{})
	task := newTask()
	list := &tasks.List{}
	list.Add(task)
	store := &memStore{list: list}

	r := newRunner(t, rig, store, &scriptedScheduler{selected: task})
	require.NoError(t, r.Cycle(context.Background()))

	assert.Equal(t, tasks.StatusDone, task.Status)
	assert.Equal(t, 2, store.saves, "saved before and after execution")
}

func TestCycle_IdleWhenNothingSelectable(t *testing.T) {
	rig := newRig(t, Config{})
	store := &memStore{list: &tasks.List{}}

	r := newRunner(t, rig, store, &scriptedScheduler{})
	require.NoError(t, r.Cycle(context.Background()))
	assert.Equal(t, 0, store.saves, "nothing changed, nothing saved")
}

func TestCycle_GeneratesTasksWhenBacklogThin(t *testing.T) {
	rig := newRig(t, Config{})
	store := &memStore{list: &tasks.List{}}
	sched := &scriptedScheduler{
		generate:  true,
		generated: []*tasks.Task{{Description: "new work"}},
	}

	r := newRunner(t, rig, store, sched)
	require.NoError(t, r.Cycle(context.Background()))
	assert.Len(t, store.list.Tasks, 1)
	assert.Equal(t, 1, store.saves)
}

func TestCycle_GenerationFailureDoesNotAbort(t *testing.T) {
	rig := newRig(t, Config{})
	task := newTask()
	list := &tasks.List{}
	list.Add(task)
	store := &memStore{list: list}
	sched := &scriptedScheduler{
		selected: task,
		generate: true,
		genErr:   errors.New("llm down"),
	}

	r := newRunner(t, rig, store, sched)
	require.NoError(t, r.Cycle(context.Background()))
	assert.Equal(t, tasks.StatusDone, task.Status,
		"existing work still executes when generation fails")
}

func TestCycle_LoadFailure(t *testing.T) {
	rig := newRig(t, Config{})
	store := &memStore{loadErr: errors.New("disk gone")}

	r := newRunner(t, rig, store, &scriptedScheduler{})
	require.Error(t, r.Cycle(context.Background()))
}

func TestNextWaitBackoff(t *testing.T) {
	r := &Runner{cfg: RunnerConfig{
		Interval:         5 * time.Minute,
		TransientBackoff: 30 * time.Second,
		MaxBackoff:       4 * time.Minute,
	}}

	assert.Equal(t, 5*time.Minute, r.nextWait(), "healthy loop uses the interval")

	r.consecutiveFailures = 1
	assert.Equal(t, 30*time.Second, r.nextWait())
	r.consecutiveFailures = 2
	assert.Equal(t, time.Minute, r.nextWait())
	r.consecutiveFailures = 3
	assert.Equal(t, 2*time.Minute, r.nextWait())
	r.consecutiveFailures = 10
	assert.Equal(t, 4*time.Minute, r.nextWait(), "backoff caps at max")
}

func TestIsTransientUpstream(t *testing.T) {
	assert.True(t, isTransientUpstream(errors.New("llm request failed: 429 rate limit exceeded")))
	assert.True(t, isTransientUpstream(errors.New("upstream 503 Service Unavailable")))
	assert.True(t, isTransientUpstream(errors.New("dial tcp: connection refused")))
	assert.False(t, isTransientUpstream(errors.New("maximum iterations reached without completion")))
	assert.False(t, isTransientUpstream(errors.New("invalid diff")))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	rig := newRig(t, Config{})
	store := &memStore{list: &tasks.List{}}
	r := newRunner(t, rig, store, &scriptedScheduler{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
