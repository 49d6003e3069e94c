package types

import (
	"encoding/json"
	"fmt"
)

// TaskState is the lifecycle state of a task. The set of members is owned by
// the worker; a snapshot only stores and reports it.
type TaskState string

// Possible task states
const (
	TaskStatePlanned  TaskState = "PLANNED"
	TaskStateQueued   TaskState = "QUEUED"
	TaskStateRunning  TaskState = "RUNNING"
	TaskStateFinished TaskState = "FINISHED"
	TaskStateCanceled TaskState = "CANCELED"
	TaskStateFailed   TaskState = "FAILED"
)

var taskStates = map[TaskState]bool{
	TaskStatePlanned:  false,
	TaskStateQueued:   false,
	TaskStateRunning:  false,
	TaskStateFinished: true,
	TaskStateCanceled: true,
	TaskStateFailed:   true,
}

// IsDone reports whether the state is terminal.
func (s TaskState) IsDone() bool {
	return taskStates[s]
}

func (s TaskState) Valid() bool {
	_, ok := taskStates[s]
	return ok
}

func (s *TaskState) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	// An empty state is a snapshot whose producer did not set one.
	if v != "" && !TaskState(v).Valid() {
		return fmt.Errorf("%w: task state %q", ErrUnknownState, v)
	}
	*s = TaskState(v)
	return nil
}

// BufferState is the state of a task's output buffer for one consumer.
type BufferState string

const (
	BufferStateOpen        BufferState = "OPEN"
	BufferStateNoMorePages BufferState = "NO_MORE_PAGES"
	BufferStateFinished    BufferState = "FINISHED"
)

func (s BufferState) Valid() bool {
	switch s {
	case BufferStateOpen, BufferStateNoMorePages, BufferStateFinished:
		return true
	}
	return false
}

func (s *BufferState) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if !BufferState(v).Valid() {
		return fmt.Errorf("%w: buffer state %q", ErrUnknownState, v)
	}
	*s = BufferState(v)
	return nil
}

// ValueType is the physical type of one column of a tuple.
type ValueType string

const (
	FixedInt64     ValueType = "FIXED_INT_64"
	VariableBinary ValueType = "VARIABLE_BINARY"
	Double         ValueType = "DOUBLE"
)

func (t ValueType) Valid() bool {
	switch t {
	case FixedInt64, VariableBinary, Double:
		return true
	}
	return false
}

func (t *ValueType) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if !ValueType(v).Valid() {
		return fmt.Errorf("%w: value type %q", ErrUnknownState, v)
	}
	*t = ValueType(v)
	return nil
}

// TupleInfo describes the column layout of one output channel.
type TupleInfo struct {
	Types []ValueType `json:"types"`
}

// NewTupleInfo returns a TupleInfo with the given column types.
func NewTupleInfo(types ...ValueType) TupleInfo {
	return TupleInfo{Types: append([]ValueType{}, types...)}
}

func (t TupleInfo) validate() error {
	for _, vt := range t.Types {
		if !vt.Valid() {
			return fmt.Errorf("%w: value type %q", ErrUnknownState, vt)
		}
	}
	return nil
}

func (t TupleInfo) clone() TupleInfo {
	if t.Types == nil {
		return t
	}
	return TupleInfo{Types: append([]ValueType{}, t.Types...)}
}
