package types

import (
	"errors"
	"fmt"
)

// CheckInvariants validates the counters of a snapshot. NewTaskInfo does not
// call it: producers may publish counters read while a split is completing.
func (t *TaskInfo) CheckInvariants() error {
	var errs []error
	nonNegative := func(name string, v int64) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s is negative: %d", name, v))
		}
	}
	atMost := func(name string, v int64, limitName string, limit int64) {
		if v > limit {
			errs = append(errs, fmt.Errorf("%s (%d) exceeds %s (%d)", name, v, limitName, limit))
		}
	}

	nonNegative("bufferedPages", int64(t.bufferedPages))
	nonNegative("splits", int64(t.splits))
	nonNegative("startedSplits", int64(t.startedSplits))
	nonNegative("completedSplits", int64(t.completedSplits))
	nonNegative("splitCpuTime", int64(t.splitCPUTime))
	nonNegative("inputDataSize", t.inputDataSize)
	nonNegative("inputPositionCount", t.inputPositionCount)
	nonNegative("completedDataSize", t.completedDataSize)
	nonNegative("completedPositionCount", t.completedPositionCount)
	nonNegative("outputDataSize", t.outputDataSize)
	nonNegative("outputPositionCount", t.outputPositionCount)

	atMost("completedSplits", int64(t.completedSplits), "startedSplits", int64(t.startedSplits))
	atMost("startedSplits", int64(t.startedSplits), "splits", int64(t.splits))
	atMost("completedDataSize", t.completedDataSize, "inputDataSize", t.inputDataSize)
	atMost("completedPositionCount", t.completedPositionCount, "inputPositionCount", t.inputPositionCount)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: task %s: %w", ErrInvariantViolation, t.taskID, errors.Join(errs...))
}
