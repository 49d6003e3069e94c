package types

import (
	"fmt"
	"strings"
)

// TaskRequest is sent by the coordinator to assign a task to a worker.
type TaskRequest struct {
	TaskID         string      `json:"taskId"`
	Splits         int         `json:"splits"`
	OutputIDs      []string    `json:"outputIds"`
	TupleInfos     []TupleInfo `json:"tupleInfos"`
	SplitDataSize  int64       `json:"splitDataSize"`
	SplitPositions int64       `json:"splitPositions"`
}

// CancelRequest asks the worker running a task to cancel it.
type CancelRequest struct {
	TaskID string `json:"taskId"`
}

func (r TaskRequest) Validate() error {
	if _, err := ParseTaskID(r.TaskID); err != nil {
		return err
	}
	if r.Splits <= 0 {
		return fmt.Errorf("%w: task %s: splits must be positive", ErrInvalidArgument, r.TaskID)
	}
	if r.SplitDataSize < 0 || r.SplitPositions < 0 {
		return fmt.Errorf("%w: task %s: split sizes must not be negative", ErrInvalidArgument, r.TaskID)
	}
	for _, id := range r.OutputIDs {
		if id == "" {
			return fmt.Errorf("%w: task %s: empty output id", ErrInvalidArgument, r.TaskID)
		}
	}
	return nil
}

// TaskID identifies a task as <query>.<stage>.<partition>, e.g. "q1.1.0".
type TaskID struct {
	Query     string
	Stage     string
	Partition string
}

func ParseTaskID(s string) (TaskID, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return TaskID{}, fmt.Errorf("%w: malformed task id %q", ErrInvalidArgument, s)
	}
	return TaskID{Query: parts[0], Stage: parts[1], Partition: parts[2]}, nil
}

func (id TaskID) String() string {
	return id.Query + "." + id.Stage + "." + id.Partition
}

// QueryID returns the query part of a task id, or "" if it is malformed.
func QueryID(taskID string) string {
	id, err := ParseTaskID(taskID)
	if err != nil {
		return ""
	}
	return id.Query
}
