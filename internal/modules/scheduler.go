package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kaustavdm/momo-tasks/internal/config"
	"github.com/kaustavdm/momo-tasks/internal/logging"
	"github.com/kaustavdm/momo-tasks/internal/types"
	"github.com/nats-io/nats.go"
)

// Scheduler is the coordinator side: it dispatches task requests to workers
// and keeps the latest status snapshot reported for every task.
type Scheduler struct {
	nc        Conn
	logger    *log.Logger
	interval  time.Duration
	strict    bool
	retention time.Duration
	now       func() time.Time

	mutex    sync.RWMutex
	pending  map[string]types.TaskRequest
	canceled map[string]bool
	tasks    map[string]*types.TaskInfo
	queries  map[string][]string // task ids per query, in submission order
	doneAt   map[string]time.Time
	subs     []Subscription
}

func NewScheduler(nc Conn, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		nc:        nc,
		logger:    logging.New("SCHEDULER"),
		interval:  cfg.DispatchInterval,
		strict:    cfg.StrictInvariants,
		retention: cfg.Retention,
		now:       time.Now,
		pending:   make(map[string]types.TaskRequest),
		canceled:  make(map[string]bool),
		tasks:     make(map[string]*types.TaskInfo),
		queries:   make(map[string][]string),
		doneAt:    make(map[string]time.Time),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe(SubjectTaskStatus, s.handleStatus)
	if err != nil {
		return fmt.Errorf("failed to subscribe to task status: %w", err)
	}

	s.mutex.Lock()
	s.subs = []Subscription{sub}
	s.mutex.Unlock()

	go s.scheduleLoop(ctx)

	return nil
}

func (s *Scheduler) handleStatus(msg *nats.Msg) {
	info, err := types.DecodeTaskInfo(msg.Data)
	if err != nil {
		s.logger.Error("error unmarshaling task status", "err", err)
		return
	}

	if s.strict {
		if err := info.CheckInvariants(); err != nil {
			s.logger.Warn("dropping inconsistent task status", "task", info, "err", err)
			return
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	// A task never leaves a terminal state.
	if current, exists := s.tasks[info.TaskID()]; exists && current.State().IsDone() {
		return
	}
	if !s.knownLocked(info.TaskID()) {
		s.trackLocked(info.TaskID())
	}
	s.tasks[info.TaskID()] = info
	s.logger.Debug("task status", "task", info)
}

func (s *Scheduler) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAndDispatchTasks()
			s.cleanupQueries()
		}
	}
}

// checkAndDispatchTasks publishes every pending request. Requests that fail
// to publish stay pending for the next tick.
func (s *Scheduler) checkAndDispatchTasks() {
	s.mutex.RLock()
	reqs := make([]types.TaskRequest, 0, len(s.pending))
	for _, req := range s.pending {
		reqs = append(reqs, req)
	}
	s.mutex.RUnlock()

	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].TaskID < reqs[j].TaskID
	})

	for _, req := range reqs {
		data, err := json.Marshal(req)
		if err != nil {
			s.logger.Error("error marshaling task request", "taskId", req.TaskID, "err", err)
			continue
		}
		if err := s.nc.Publish(SubjectTaskDispatch, data); err != nil {
			s.logger.Error("error dispatching task", "taskId", req.TaskID, "err", err)
			continue
		}

		s.mutex.Lock()
		_, stillPending := s.pending[req.TaskID]
		delete(s.pending, req.TaskID)
		s.mutex.Unlock()

		s.logger.Info("dispatched task", "taskId", req.TaskID)
		if !stillPending {
			// Canceled while being dispatched.
			if err := s.publishCancel(req.TaskID); err != nil {
				s.logger.Error("error canceling task", "taskId", req.TaskID, "err", err)
			}
		}
	}
}

// AddTask queues a task for dispatch on the next tick.
func (s *Scheduler) AddTask(req types.TaskRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.knownLocked(req.TaskID) {
		return fmt.Errorf("%w: task %s already exists", types.ErrInvalidArgument, req.TaskID)
	}
	s.pending[req.TaskID] = req
	s.trackLocked(req.TaskID)
	return nil
}

// Cancel asks the worker running a task to cancel it. A task still waiting
// for dispatch is dropped without reaching a worker.
func (s *Scheduler) Cancel(taskID string) error {
	s.mutex.Lock()
	if !s.knownLocked(taskID) {
		s.mutex.Unlock()
		return fmt.Errorf("%w: unknown task %s", types.ErrInvalidArgument, taskID)
	}
	if _, waiting := s.pending[taskID]; waiting {
		delete(s.pending, taskID)
		s.canceled[taskID] = true
		s.mutex.Unlock()
		s.logger.Info("canceled task before dispatch", "taskId", taskID)
		return nil
	}
	s.mutex.Unlock()

	return s.publishCancel(taskID)
}

func (s *Scheduler) publishCancel(taskID string) error {
	data, err := json.Marshal(types.CancelRequest{TaskID: taskID})
	if err != nil {
		return err
	}
	if err := s.nc.Publish(SubjectTaskCancel, data); err != nil {
		return fmt.Errorf("failed to publish cancel for task %s: %w", taskID, err)
	}
	return nil
}

func (s *Scheduler) knownLocked(taskID string) bool {
	for _, id := range s.queries[types.QueryID(taskID)] {
		if id == taskID {
			return true
		}
	}
	return false
}

func (s *Scheduler) trackLocked(taskID string) {
	q := types.QueryID(taskID)
	s.queries[q] = append(s.queries[q], taskID)
}

// Task returns the latest snapshot reported for a task.
func (s *Scheduler) Task(taskID string) (*types.TaskInfo, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	info, exists := s.tasks[taskID]
	return info, exists
}

// Tasks returns the latest snapshot of every task, sorted by task id.
func (s *Scheduler) Tasks() []*types.TaskInfo {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tasks := make([]*types.TaskInfo, 0, len(s.tasks))
	for _, info := range s.tasks {
		tasks = append(tasks, info)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].TaskID() < tasks[j].TaskID()
	})
	return tasks
}

// QueryTasks returns the reported snapshots of a query's tasks in
// submission order. Tasks that have not reported yet are left out.
func (s *Scheduler) QueryTasks(queryID string) []*types.TaskInfo {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var tasks []*types.TaskInfo
	for _, id := range s.queries[queryID] {
		if info, exists := s.tasks[id]; exists {
			tasks = append(tasks, info)
		}
	}
	return tasks
}

// QueryStates returns the states of a query's reported tasks, in the order of
// QueryTasks.
func (s *Scheduler) QueryStates(queryID string) []types.TaskState {
	return types.TaskStates(s.QueryTasks(queryID))
}

// TaskStates returns the state of every task of a query. Tasks waiting for
// dispatch or for their first report are QUEUED; tasks canceled before
// dispatch are CANCELED.
func (s *Scheduler) TaskStates(queryID string) map[string]types.TaskState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.taskStatesLocked(queryID)
}

func (s *Scheduler) taskStatesLocked(queryID string) map[string]types.TaskState {
	states := make(map[string]types.TaskState, len(s.queries[queryID]))
	for _, id := range s.queries[queryID] {
		switch info, exists := s.tasks[id]; {
		case exists:
			states[id] = types.TaskStateOf(info)
		case s.canceled[id]:
			states[id] = types.TaskStateCanceled
		default:
			states[id] = types.TaskStateQueued
		}
	}
	return states
}

// Done reports whether every task of a query reached a terminal state.
func (s *Scheduler) Done(queryID string) bool {
	return allDone(s.TaskStates(queryID))
}

// cleanupQueries forgets queries that have been done for longer than the
// retention period. A zero retention keeps every query.
func (s *Scheduler) cleanupQueries() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	for queryID, ids := range s.queries {
		if !allDone(s.taskStatesLocked(queryID)) {
			delete(s.doneAt, queryID)
			continue
		}
		doneAt, seen := s.doneAt[queryID]
		if !seen {
			s.doneAt[queryID] = now
			continue
		}
		if s.retention <= 0 || now.Sub(doneAt) <= s.retention {
			continue
		}
		for _, id := range ids {
			delete(s.tasks, id)
			delete(s.canceled, id)
		}
		delete(s.queries, queryID)
		delete(s.doneAt, queryID)
		s.logger.Debug("dropped finished query", "queryId", queryID)
	}
}

func allDone(states map[string]types.TaskState) bool {
	if len(states) == 0 {
		return false
	}
	for _, state := range states {
		if !state.IsDone() {
			return false
		}
	}
	return true
}

func (s *Scheduler) Stop() error {
	s.mutex.Lock()
	subs := s.subs
	s.subs = nil
	s.mutex.Unlock()

	return unsubscribeAll(subs)
}
