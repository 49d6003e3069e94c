package types

import (
	"fmt"
	"maps"
	"net/url"
	"time"
)

// TaskInfo is a point-in-time snapshot of the execution progress of one task.
// It is never mutated after construction: a state change produces a new
// snapshot. Accessors return copies of reference-typed fields, so a TaskInfo
// may be shared and read from any number of goroutines without locking.
type TaskInfo struct {
	taskID                 string
	self                   url.URL
	outputBufferStates     map[string]BufferState
	tupleInfos             []TupleInfo
	state                  TaskState
	bufferedPages          int
	splits                 int
	startedSplits          int
	completedSplits        int
	splitCPUTime           time.Duration
	inputDataSize          int64
	inputPositionCount     int64
	completedDataSize      int64
	completedPositionCount int64
	outputDataSize         int64
	outputPositionCount    int64
}

// TaskInfoParams carries the fields of a TaskInfo into NewTaskInfo.
type TaskInfoParams struct {
	TaskID                 string
	Self                   *url.URL
	OutputBufferStates     map[string]BufferState
	TupleInfos             []TupleInfo
	State                  TaskState
	BufferedPages          int
	Splits                 int
	StartedSplits          int
	CompletedSplits        int
	SplitCPUTime           time.Duration
	InputDataSize          int64
	InputPositionCount     int64
	CompletedDataSize      int64
	CompletedPositionCount int64
	OutputDataSize         int64
	OutputPositionCount    int64
}

// NewTaskInfo builds a snapshot from p. The task id, location, buffer state
// map and tuple infos are required; an empty map or slice is fine, nil is
// not. Counters are stored as given, see CheckInvariants.
//
// Buffer states and value types must be known members. The task state must
// be a known member or empty. Decoding applies the same rules.
//
// The map and slice are copied, so p may be reused or mutated afterwards.
func NewTaskInfo(p TaskInfoParams) (*TaskInfo, error) {
	switch {
	case p.TaskID == "":
		return nil, fmt.Errorf("%w: taskId is null", ErrInvalidArgument)
	case p.Self == nil:
		return nil, fmt.Errorf("%w: self is null", ErrInvalidArgument)
	case p.OutputBufferStates == nil:
		return nil, fmt.Errorf("%w: outputBufferStates is null", ErrInvalidArgument)
	case p.TupleInfos == nil:
		return nil, fmt.Errorf("%w: tupleInfos is null", ErrInvalidArgument)
	}
	if err := validateEnums(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	tupleInfos := make([]TupleInfo, len(p.TupleInfos))
	for i, ti := range p.TupleInfos {
		tupleInfos[i] = ti.clone()
	}

	return &TaskInfo{
		taskID:                 p.TaskID,
		self:                   *cloneURL(p.Self),
		outputBufferStates:     maps.Clone(p.OutputBufferStates),
		tupleInfos:             tupleInfos,
		state:                  p.State,
		bufferedPages:          p.BufferedPages,
		splits:                 p.Splits,
		startedSplits:          p.StartedSplits,
		completedSplits:        p.CompletedSplits,
		splitCPUTime:           p.SplitCPUTime,
		inputDataSize:          p.InputDataSize,
		inputPositionCount:     p.InputPositionCount,
		completedDataSize:      p.CompletedDataSize,
		completedPositionCount: p.CompletedPositionCount,
		outputDataSize:         p.OutputDataSize,
		outputPositionCount:    p.OutputPositionCount,
	}, nil
}

func (t *TaskInfo) TaskID() string { return t.taskID }

// Self is the URI the full status of the task can be fetched from.
func (t *TaskInfo) Self() *url.URL { return cloneURL(&t.self) }

// OutputBufferStates returns the buffer state per output consumer id.
func (t *TaskInfo) OutputBufferStates() map[string]BufferState {
	return maps.Clone(t.outputBufferStates)
}

// TupleInfos returns the layout of each output channel, in channel order.
func (t *TaskInfo) TupleInfos() []TupleInfo {
	out := make([]TupleInfo, len(t.tupleInfos))
	for i, ti := range t.tupleInfos {
		out[i] = ti.clone()
	}
	return out
}

func (t *TaskInfo) State() TaskState              { return t.state }
func (t *TaskInfo) BufferedPages() int            { return t.bufferedPages }
func (t *TaskInfo) Splits() int                   { return t.splits }
func (t *TaskInfo) StartedSplits() int            { return t.startedSplits }
func (t *TaskInfo) CompletedSplits() int          { return t.completedSplits }
func (t *TaskInfo) SplitCPUTime() time.Duration   { return t.splitCPUTime }
func (t *TaskInfo) InputDataSize() int64          { return t.inputDataSize }
func (t *TaskInfo) InputPositionCount() int64     { return t.inputPositionCount }
func (t *TaskInfo) CompletedDataSize() int64      { return t.completedDataSize }
func (t *TaskInfo) CompletedPositionCount() int64 { return t.completedPositionCount }
func (t *TaskInfo) OutputDataSize() int64         { return t.outputDataSize }
func (t *TaskInfo) OutputPositionCount() int64    { return t.outputPositionCount }

// Params returns the fields of the snapshot as a TaskInfoParams, for
// building the next snapshot of the same task.
func (t *TaskInfo) Params() TaskInfoParams {
	return TaskInfoParams{
		TaskID:                 t.taskID,
		Self:                   t.Self(),
		OutputBufferStates:     t.OutputBufferStates(),
		TupleInfos:             t.TupleInfos(),
		State:                  t.state,
		BufferedPages:          t.bufferedPages,
		Splits:                 t.splits,
		StartedSplits:          t.startedSplits,
		CompletedSplits:        t.completedSplits,
		SplitCPUTime:           t.splitCPUTime,
		InputDataSize:          t.inputDataSize,
		InputPositionCount:     t.inputPositionCount,
		CompletedDataSize:      t.completedDataSize,
		CompletedPositionCount: t.completedPositionCount,
		OutputDataSize:         t.outputDataSize,
		OutputPositionCount:    t.outputPositionCount,
	}
}

// String is for logs only.
func (t *TaskInfo) String() string {
	return fmt.Sprintf("TaskInfo{taskId=%s, state=%s}", t.taskID, t.state)
}

// TaskStateOf returns the state of a snapshot.
func TaskStateOf(t *TaskInfo) TaskState {
	return t.state
}

// TaskStates maps TaskStateOf over tasks, keeping their order.
func TaskStates(tasks []*TaskInfo) []TaskState {
	states := make([]TaskState, len(tasks))
	for i, t := range tasks {
		states[i] = TaskStateOf(t)
	}
	return states
}

func validateEnums(p TaskInfoParams) error {
	if p.State != "" && !p.State.Valid() {
		return fmt.Errorf("%w: task state %q", ErrUnknownState, p.State)
	}
	for id, bs := range p.OutputBufferStates {
		if !bs.Valid() {
			return fmt.Errorf("%w: buffer state %q for %s", ErrUnknownState, bs, id)
		}
	}
	for i, ti := range p.TupleInfos {
		if err := ti.validate(); err != nil {
			return fmt.Errorf("tupleInfos[%d]: %w", i, err)
		}
	}
	return nil
}

func cloneURL(u *url.URL) *url.URL {
	c := *u
	return &c
}
