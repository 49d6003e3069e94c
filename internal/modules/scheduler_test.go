package modules

import (
	"context"
	"testing"
	"time"

	"github.com/kaustavdm/momo-tasks/internal/config"
	"github.com/kaustavdm/momo-tasks/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startScheduler(t *testing.T, bus *memBus, strict bool) *Scheduler {
	t.Helper()
	s := NewScheduler(bus, config.SchedulerConfig{
		DispatchInterval: time.Hour,
		StrictInvariants: strict,
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = s.Stop()
	})
	return s
}

func TestScheduler_DispatchAndTrack(t *testing.T) {
	bus := newMemBus()
	s := startScheduler(t, bus, false)
	w := startWorker(t, bus)

	require.NoError(t, s.AddTask(testRequest("q1.1.0", 2)))
	require.NoError(t, s.AddTask(testRequest("q1.1.1", 4)))
	require.NoError(t, s.AddTask(testRequest("q2.1.0", 1)))

	assert.Equal(t, map[string]types.TaskState{
		"q1.1.0": types.TaskStateQueued,
		"q1.1.1": types.TaskStateQueued,
	}, s.TaskStates("q1"))
	assert.Empty(t, s.QueryStates("q1"))

	s.checkAndDispatchTasks()
	assert.Len(t, bus.messages(SubjectTaskDispatch), 3)
	assert.Equal(t, []types.TaskState{types.TaskStatePlanned, types.TaskStatePlanned}, s.QueryStates("q1"))

	// nothing left to dispatch
	s.checkAndDispatchTasks()
	assert.Len(t, bus.messages(SubjectTaskDispatch), 3)

	w.tick()
	w.tick()
	assert.Equal(t, []types.TaskState{types.TaskStateFinished, types.TaskStateRunning}, s.QueryStates("q1"))
	assert.False(t, s.Done("q1"))
	assert.True(t, s.Done("q2"))

	w.tick()
	assert.True(t, s.Done("q1"))

	info, ok := s.Task("q1.1.1")
	require.True(t, ok)
	assert.Equal(t, 4, info.CompletedSplits())

	tasks := s.Tasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, "q1.1.0", tasks[0].TaskID())
	assert.Equal(t, "q1.1.1", tasks[1].TaskID())
	assert.Equal(t, "q2.1.0", tasks[2].TaskID())
}

func TestScheduler_AddTaskRejects(t *testing.T) {
	s := startScheduler(t, newMemBus(), false)

	require.NoError(t, s.AddTask(testRequest("q1.1.0", 1)))
	assert.ErrorIs(t, s.AddTask(testRequest("q1.1.0", 1)), types.ErrInvalidArgument)
	assert.ErrorIs(t, s.AddTask(testRequest("q1.1.1", 0)), types.ErrInvalidArgument)
	assert.ErrorIs(t, s.AddTask(testRequest("bad", 1)), types.ErrInvalidArgument)
}

func TestScheduler_RetriesFailedDispatch(t *testing.T) {
	bus := newMemBus()
	s := startScheduler(t, bus, false)

	require.NoError(t, s.AddTask(testRequest("q1.1.0", 1)))
	bus.failPublish(SubjectTaskDispatch, 1)

	s.checkAndDispatchTasks()
	assert.Empty(t, bus.messages(SubjectTaskDispatch))

	s.checkAndDispatchTasks()
	assert.Len(t, bus.messages(SubjectTaskDispatch), 1)
}

func TestScheduler_Cancel(t *testing.T) {
	bus := newMemBus()
	s := startScheduler(t, bus, false)
	startWorker(t, bus)

	require.NoError(t, s.AddTask(testRequest("q1.1.0", 5)))
	require.NoError(t, s.AddTask(testRequest("q1.1.1", 5)))

	// canceled before dispatch: never reaches a worker
	require.NoError(t, s.Cancel("q1.1.1"))
	s.checkAndDispatchTasks()
	assert.Len(t, bus.messages(SubjectTaskDispatch), 1)

	require.NoError(t, s.Cancel("q1.1.0"))
	assert.Len(t, bus.messages(SubjectTaskCancel), 1)

	assert.Equal(t, map[string]types.TaskState{
		"q1.1.0": types.TaskStateCanceled,
		"q1.1.1": types.TaskStateCanceled,
	}, s.TaskStates("q1"))
	assert.True(t, s.Done("q1"))

	assert.ErrorIs(t, s.Cancel("q9.1.0"), types.ErrInvalidArgument)
}

func TestScheduler_KeepsLatestAndTerminalSnapshots(t *testing.T) {
	bus := newMemBus()
	s := startScheduler(t, bus, false)

	publish := func(state types.TaskState, completed int) *types.TaskInfo {
		p := snapshotParams(t, "q1.1.0")
		p.State = state
		p.StartedSplits = completed
		p.CompletedSplits = completed
		info, err := types.NewTaskInfo(p)
		require.NoError(t, err)
		publishJSON(t, bus, SubjectTaskStatus, info)
		return info
	}

	publish(types.TaskStateRunning, 1)
	first, ok := s.Task("q1.1.0")
	require.True(t, ok)

	publish(types.TaskStateRunning, 2)
	second, _ := s.Task("q1.1.0")
	assert.Equal(t, 2, second.CompletedSplits())
	assert.Equal(t, 1, first.CompletedSplits())

	publish(types.TaskStateFailed, 2)
	publish(types.TaskStateRunning, 3)
	latest, _ := s.Task("q1.1.0")
	assert.Equal(t, types.TaskStateFailed, latest.State())

	// snapshots from tasks this coordinator did not submit are tracked too
	assert.Equal(t, map[string]types.TaskState{"q1.1.0": types.TaskStateFailed}, s.TaskStates("q1"))
}

func TestScheduler_StrictInvariants(t *testing.T) {
	bus := newMemBus()
	s := startScheduler(t, bus, true)

	p := snapshotParams(t, "q1.1.0")
	p.CompletedSplits = p.StartedSplits + 1
	info, err := types.NewTaskInfo(p)
	require.NoError(t, err)
	publishJSON(t, bus, SubjectTaskStatus, info)

	_, ok := s.Task("q1.1.0")
	assert.False(t, ok)

	require.NoError(t, bus.Publish(SubjectTaskStatus, []byte(`{"taskId":"q1.1.0"}`)))
	_, ok = s.Task("q1.1.0")
	assert.False(t, ok)
}

func TestScheduler_DropsFinishedQueriesAfterRetention(t *testing.T) {
	bus := newMemBus()
	s := startScheduler(t, bus, false)
	s.retention = time.Hour
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	w := startWorker(t, bus)

	require.NoError(t, s.AddTask(testRequest("q1.1.0", 1)))
	require.NoError(t, s.AddTask(testRequest("q2.1.0", 4)))
	require.NoError(t, s.AddTask(testRequest("q3.1.0", 1)))
	require.NoError(t, s.Cancel("q3.1.0"))

	s.checkAndDispatchTasks()
	w.tick()
	w.tick()
	require.True(t, s.Done("q1"))
	require.True(t, s.Done("q3"))
	require.False(t, s.Done("q2"))

	s.cleanupQueries()
	now = now.Add(time.Hour)
	s.cleanupQueries()
	assert.NotEmpty(t, s.TaskStates("q1"), "kept until retention has passed")

	now = now.Add(time.Second)
	s.cleanupQueries()
	assert.Empty(t, s.TaskStates("q1"))
	assert.Empty(t, s.TaskStates("q3"))
	_, ok := s.Task("q1.1.0")
	assert.False(t, ok)
	assert.Equal(t, map[string]types.TaskState{"q2.1.0": types.TaskStateRunning}, s.TaskStates("q2"))

	// a forgotten task id may be submitted again
	assert.NoError(t, s.AddTask(testRequest("q1.1.0", 1)))
}

func TestScheduler_ZeroRetentionKeepsQueries(t *testing.T) {
	bus := newMemBus()
	s := startScheduler(t, bus, false)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.AddTask(testRequest("q1.1.0", 1)))
	require.NoError(t, s.Cancel("q1.1.0"))

	s.cleanupQueries()
	now = now.Add(1000 * time.Hour)
	s.cleanupQueries()
	assert.Equal(t, map[string]types.TaskState{"q1.1.0": types.TaskStateCanceled}, s.TaskStates("q1"))
}
