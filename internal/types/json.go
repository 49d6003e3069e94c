package types

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// taskInfoJSON is the wire form of a TaskInfo. The location travels as
// "self" and the output schemas as "tupleInfos". Reference fields are left
// nullable so that UnmarshalJSON can tell a missing field from an empty one.
type taskInfoJSON struct {
	TaskID                 string                 `json:"taskId"`
	Self                   *string                `json:"self"`
	OutputBufferStates     map[string]BufferState `json:"outputBufferStates"`
	TupleInfos             []TupleInfo            `json:"tupleInfos"`
	State                  TaskState              `json:"state"`
	BufferedPages          int                    `json:"bufferedPages"`
	Splits                 int                    `json:"splits"`
	StartedSplits          int                    `json:"startedSplits"`
	CompletedSplits        int                    `json:"completedSplits"`
	SplitCPUTime           time.Duration          `json:"splitCpuTime"`
	InputDataSize          int64                  `json:"inputDataSize"`
	InputPositionCount     int64                  `json:"inputPositionCount"`
	CompletedDataSize      int64                  `json:"completedDataSize"`
	CompletedPositionCount int64                  `json:"completedPositionCount"`
	OutputDataSize         int64                  `json:"outputDataSize"`
	OutputPositionCount    int64                  `json:"outputPositionCount"`
}

func (t *TaskInfo) MarshalJSON() ([]byte, error) {
	self := t.self.String()
	return json.Marshal(taskInfoJSON{
		TaskID:                 t.taskID,
		Self:                   &self,
		OutputBufferStates:     t.outputBufferStates,
		TupleInfos:             t.tupleInfos,
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
	})
}

// UnmarshalJSON decodes a snapshot through NewTaskInfo, so a payload missing
// a required field fails with ErrInvalidArgument.
func (t *TaskInfo) UnmarshalJSON(data []byte) error {
	var w taskInfoJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	// An empty string is an empty location; only a missing self is absent.
	var self *url.URL
	if w.Self != nil {
		u, err := url.Parse(*w.Self)
		if err != nil {
			return fmt.Errorf("%w: self: %v", ErrInvalidArgument, err)
		}
		self = u
	}

	info, err := NewTaskInfo(TaskInfoParams{
		TaskID:                 w.TaskID,
		Self:                   self,
		OutputBufferStates:     w.OutputBufferStates,
		TupleInfos:             w.TupleInfos,
		State:                  w.State,
		BufferedPages:          w.BufferedPages,
		Splits:                 w.Splits,
		StartedSplits:          w.StartedSplits,
		CompletedSplits:        w.CompletedSplits,
		SplitCPUTime:           w.SplitCPUTime,
		InputDataSize:          w.InputDataSize,
		InputPositionCount:     w.InputPositionCount,
		CompletedDataSize:      w.CompletedDataSize,
		CompletedPositionCount: w.CompletedPositionCount,
		OutputDataSize:         w.OutputDataSize,
		OutputPositionCount:    w.OutputPositionCount,
	})
	if err != nil {
		return err
	}

	*t = *info
	return nil
}

// DecodeTaskInfo decodes a snapshot published on the status subject.
func DecodeTaskInfo(data []byte) (*TaskInfo, error) {
	info := &TaskInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, err
	}
	return info, nil
}
