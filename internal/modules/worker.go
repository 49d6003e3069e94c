package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kaustavdm/momo-tasks/internal/config"
	"github.com/kaustavdm/momo-tasks/internal/logging"
	"github.com/kaustavdm/momo-tasks/internal/types"
	"github.com/nats-io/nats.go"
)

type Worker struct {
	nc          Conn
	logger      *log.Logger
	baseURL     *url.URL
	concurrency int
	interval    time.Duration
	retention   time.Duration
	now         func() time.Time

	mutex sync.RWMutex
	tasks map[string]*taskExecution
	subs  []Subscription
}

func NewWorker(nc Conn, cfg config.WorkerConfig) (*Worker, error) {
	baseURL, err := url.Parse(cfg.AdvertiseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid advertise url: %w", err)
	}

	return &Worker{
		nc:          nc,
		logger:      logging.New("WORKER").With("node", cfg.NodeID),
		baseURL:     baseURL,
		concurrency: cfg.Concurrency,
		interval:    cfg.SplitInterval,
		retention:   cfg.Retention,
		now:         time.Now,
		tasks:       make(map[string]*taskExecution),
	}, nil
}

func (w *Worker) Start(ctx context.Context) error {
	dispatchSub, err := w.nc.Subscribe(SubjectTaskDispatch, w.handleDispatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to task dispatch: %w", err)
	}

	cancelSub, err := w.nc.Subscribe(SubjectTaskCancel, w.handleCancel)
	if err != nil {
		_ = dispatchSub.Unsubscribe()
		return fmt.Errorf("failed to subscribe to task cancel: %w", err)
	}

	w.mutex.Lock()
	w.subs = []Subscription{dispatchSub, cancelSub}
	w.mutex.Unlock()

	go w.executeLoop(ctx)

	return nil
}

func (w *Worker) handleDispatch(msg *nats.Msg) {
	var req types.TaskRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.logger.Error("error unmarshaling task request", "err", err)
		return
	}

	w.mutex.Lock()
	if exec, exists := w.tasks[req.TaskID]; exists {
		// Redelivered dispatch: report where the task stands.
		latest := exec.latest
		w.mutex.Unlock()
		w.logger.Debug("task already accepted", "taskId", req.TaskID)
		if latest != nil {
			w.publish(latest)
		}
		return
	}

	exec := newTaskExecution(req, w.location(req.TaskID))
	if err := req.Validate(); err != nil {
		if req.TaskID == "" {
			w.mutex.Unlock()
			w.logger.Error("rejecting task request", "err", err)
			return
		}
		w.logger.Warn("failing invalid task", "taskId", req.TaskID, "err", err)
		exec.fail()
	}
	w.tasks[req.TaskID] = exec
	info, err := exec.snapshot()
	w.mutex.Unlock()

	if err != nil {
		w.logger.Error("error building task snapshot", "taskId", req.TaskID, "err", err)
		return
	}
	w.logger.Info("accepted task", "taskId", req.TaskID, "splits", req.Splits)
	w.publish(info)
}

func (w *Worker) handleCancel(msg *nats.Msg) {
	var req types.CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.logger.Error("error unmarshaling cancel request", "err", err)
		return
	}

	w.mutex.Lock()
	exec, exists := w.tasks[req.TaskID]
	if !exists || exec.state.IsDone() {
		w.mutex.Unlock()
		return
	}
	exec.cancel()
	info, err := exec.snapshot()
	w.mutex.Unlock()

	if err != nil {
		w.logger.Error("error building task snapshot", "taskId", req.TaskID, "err", err)
		return
	}
	w.logger.Info("canceled task", "taskId", req.TaskID)
	w.publish(info)
}

func (w *Worker) executeLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick advances every live task by one step and publishes the new snapshots.
// Finished tasks are forgotten once they have been done for longer than the
// retention period.
func (w *Worker) tick() {
	w.mutex.Lock()
	ids := make([]string, 0, len(w.tasks))
	for id := range w.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := w.now()
	var updates []*types.TaskInfo
	for _, id := range ids {
		exec := w.tasks[id]
		if exec.state.IsDone() {
			w.expireLocked(id, exec, now)
			continue
		}
		if !exec.step(w.concurrency) {
			continue
		}
		info, err := exec.snapshot()
		if err != nil {
			w.logger.Error("error building task snapshot", "taskId", id, "err", err)
			continue
		}
		updates = append(updates, info)
	}
	w.mutex.Unlock()

	for _, info := range updates {
		if info.State().IsDone() {
			w.logger.Info("task done", "taskId", info.TaskID(), "state", info.State())
		}
		w.publish(info)
	}
}

func (w *Worker) expireLocked(id string, exec *taskExecution, now time.Time) {
	switch {
	case exec.doneAt.IsZero():
		exec.doneAt = now
	case w.retention > 0 && now.Sub(exec.doneAt) > w.retention:
		delete(w.tasks, id)
		w.logger.Debug("dropped finished task", "taskId", id)
	}
}

func (w *Worker) publish(info *types.TaskInfo) {
	data, err := json.Marshal(info)
	if err != nil {
		w.logger.Error("error marshaling task snapshot", "task", info, "err", err)
		return
	}
	if err := w.nc.Publish(SubjectTaskStatus, data); err != nil {
		w.logger.Error("error publishing task snapshot", "task", info, "err", err)
	}
}

func (w *Worker) location(taskID string) *url.URL {
	return w.baseURL.JoinPath("v1", "task", taskID)
}

// TaskInfo returns the latest snapshot of a task run by this worker.
func (w *Worker) TaskInfo(taskID string) (*types.TaskInfo, bool) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	exec, exists := w.tasks[taskID]
	if !exists || exec.latest == nil {
		return nil, false
	}
	return exec.latest, true
}

func (w *Worker) Stop() error {
	w.mutex.Lock()
	subs := w.subs
	w.subs = nil
	w.mutex.Unlock()

	return unsubscribeAll(subs)
}
