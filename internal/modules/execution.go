package modules

import (
	"net/url"
	"time"

	"github.com/kaustavdm/momo-tasks/internal/types"
)

// taskExecution holds the mutable counters of a task running on a worker.
// Callers hold the worker mutex. Every state change is published as a fresh
// TaskInfo built by snapshot.
type taskExecution struct {
	req     types.TaskRequest
	self    *url.URL
	state   types.TaskState
	buffers map[string]types.BufferState

	running         int
	startedSplits   int
	completedSplits int
	bufferedPages   int
	splitCPUTime    time.Duration

	inputDataSize          int64
	inputPositionCount     int64
	completedDataSize      int64
	completedPositionCount int64
	outputDataSize         int64
	outputPositionCount    int64

	latest *types.TaskInfo
	doneAt time.Time // first seen terminal by the worker loop
}

func newTaskExecution(req types.TaskRequest, self *url.URL) *taskExecution {
	buffers := make(map[string]types.BufferState, len(req.OutputIDs))
	for _, id := range req.OutputIDs {
		buffers[id] = types.BufferStateOpen
	}

	tupleInfos := req.TupleInfos
	if tupleInfos == nil {
		tupleInfos = []types.TupleInfo{}
	}
	req.TupleInfos = tupleInfos

	return &taskExecution{
		req:     req,
		self:    self,
		state:   types.TaskStatePlanned,
		buffers: buffers,
	}
}

// step completes the splits started on the previous step and starts up to
// concurrency new ones. It reports whether anything changed.
func (e *taskExecution) step(concurrency int) bool {
	if e.state.IsDone() {
		return false
	}

	// Consumers drained the pages of the previous step.
	e.bufferedPages = 0

	// Half of a split's input is read when it starts, the rest when it
	// completes, so input totals lead completed totals while splits run.
	halfSize, halfPositions := e.req.SplitDataSize/2, e.req.SplitPositions/2
	for ; e.running > 0; e.running-- {
		e.completedSplits++
		e.inputDataSize += e.req.SplitDataSize - halfSize
		e.inputPositionCount += e.req.SplitPositions - halfPositions
		e.completedDataSize += e.req.SplitDataSize
		e.completedPositionCount += e.req.SplitPositions
		e.outputDataSize += e.req.SplitDataSize / 2
		e.outputPositionCount += e.req.SplitPositions / 2
		e.splitCPUTime += splitCost(e.req)
		e.bufferedPages++
	}

	n := min(concurrency, e.req.Splits-e.startedSplits)
	for i := 0; i < n; i++ {
		e.startedSplits++
		e.running++
		e.inputDataSize += halfSize
		e.inputPositionCount += halfPositions
	}

	switch {
	case e.completedSplits >= e.req.Splits:
		e.state = types.TaskStateFinished
		e.bufferedPages = 0
		e.closeBuffers()
	case e.startedSplits > 0:
		e.state = types.TaskStateRunning
	}
	return true
}

// splitCost is the simulated CPU time charged for one split.
func splitCost(req types.TaskRequest) time.Duration {
	return time.Millisecond + time.Duration(req.SplitPositions)*time.Microsecond
}

func (e *taskExecution) cancel() {
	e.state = types.TaskStateCanceled
	e.running = 0
	e.bufferedPages = 0
	e.closeBuffers()
}

func (e *taskExecution) fail() {
	e.state = types.TaskStateFailed
	e.running = 0
	e.bufferedPages = 0
	e.closeBuffers()
}

func (e *taskExecution) closeBuffers() {
	for id := range e.buffers {
		e.buffers[id] = types.BufferStateFinished
	}
}

// snapshot builds a TaskInfo from the current counters and remembers it as
// the latest one.
func (e *taskExecution) snapshot() (*types.TaskInfo, error) {
	info, err := types.NewTaskInfo(types.TaskInfoParams{
		TaskID:                 e.req.TaskID,
		Self:                   e.self,
		OutputBufferStates:     e.buffers,
		TupleInfos:             e.req.TupleInfos,
		State:                  e.state,
		BufferedPages:          e.bufferedPages,
		Splits:                 e.req.Splits,
		StartedSplits:          e.startedSplits,
		CompletedSplits:        e.completedSplits,
		SplitCPUTime:           e.splitCPUTime,
		InputDataSize:          e.inputDataSize,
		InputPositionCount:     e.inputPositionCount,
		CompletedDataSize:      e.completedDataSize,
		CompletedPositionCount: e.completedPositionCount,
		OutputDataSize:         e.outputDataSize,
		OutputPositionCount:    e.outputPositionCount,
	})
	if err != nil {
		return nil, err
	}
	e.latest = info
	return info, nil
}
