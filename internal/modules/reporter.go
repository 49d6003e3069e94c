package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kaustavdm/momo-tasks/internal/config"
	"github.com/kaustavdm/momo-tasks/internal/logging"
	"github.com/kaustavdm/momo-tasks/internal/types"
	"github.com/nats-io/nats.go"
)

type Reporter struct {
	nc        Conn
	logger    *log.Logger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time

	metricsMutex sync.RWMutex
	latest       map[string]*types.TaskInfo
	doneAt       map[string]time.Time // queries whose tasks are all done
	lastUpdated  map[string]time.Time
	subs         []Subscription
}

// QueryMetrics sums the latest snapshots of the tasks of one query.
type QueryMetrics struct {
	Tasks                  int                     `json:"tasks"`
	States                 map[types.TaskState]int `json:"states"`
	Splits                 int                     `json:"splits"`
	CompletedSplits        int                     `json:"completedSplits"`
	SplitCPUTime           time.Duration           `json:"splitCpuTime"`
	InputDataSize          int64                   `json:"inputDataSize"`
	InputPositionCount     int64                   `json:"inputPositionCount"`
	CompletedDataSize      int64                   `json:"completedDataSize"`
	CompletedPositionCount int64                   `json:"completedPositionCount"`
	OutputDataSize         int64                   `json:"outputDataSize"`
	OutputPositionCount    int64                   `json:"outputPositionCount"`
	LastUpdated            time.Time               `json:"lastUpdated"`
}

func NewReporter(nc Conn, cfg config.ReporterConfig) *Reporter {
	return &Reporter{
		nc:          nc,
		logger:      logging.New("REPORTER"),
		interval:    cfg.PublishInterval,
		retention:   cfg.Retention,
		now:         time.Now,
		latest:      make(map[string]*types.TaskInfo),
		doneAt:      make(map[string]time.Time),
		lastUpdated: make(map[string]time.Time),
	}
}

func (r *Reporter) Start(ctx context.Context) error {
	sub, err := r.nc.Subscribe(SubjectTaskStatus, func(msg *nats.Msg) {
		info, err := types.DecodeTaskInfo(msg.Data)
		if err != nil {
			r.logger.Error("error unmarshaling task status", "err", err)
			return
		}

		r.updateMetrics(info)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to task status: %w", err)
	}

	r.metricsMutex.Lock()
	r.subs = []Subscription{sub}
	r.metricsMutex.Unlock()

	go r.publishMetrics(ctx)

	return nil
}

func (r *Reporter) updateMetrics(info *types.TaskInfo) {
	r.metricsMutex.Lock()
	defer r.metricsMutex.Unlock()

	if current, exists := r.latest[info.TaskID()]; exists && current.State().IsDone() {
		return
	}

	queryID := types.QueryID(info.TaskID())
	r.latest[info.TaskID()] = info
	r.lastUpdated[queryID] = r.now()

	if r.queryDoneLocked(queryID) {
		if _, exists := r.doneAt[queryID]; !exists {
			r.doneAt[queryID] = r.now()
		}
	} else {
		delete(r.doneAt, queryID)
	}
}

func (r *Reporter) queryDoneLocked(queryID string) bool {
	for id, info := range r.latest {
		if types.QueryID(id) == queryID && !info.State().IsDone() {
			return false
		}
	}
	return true
}

func (r *Reporter) publishMetrics(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cleanupMetrics()
			r.publish()
		}
	}
}

func (r *Reporter) publish() {
	reportData, err := json.Marshal(r.GetMetrics())
	if err != nil {
		r.logger.Error("error marshaling metrics", "err", err)
		return
	}
	if err := r.nc.Publish(SubjectMetricsReport, reportData); err != nil {
		r.logger.Error("error publishing metrics", "err", err)
	}
}

// cleanupMetrics forgets queries that have been done for longer than the
// retention period.
func (r *Reporter) cleanupMetrics() {
	r.metricsMutex.Lock()
	defer r.metricsMutex.Unlock()

	cutoff := r.now().Add(-r.retention)
	for queryID, doneAt := range r.doneAt {
		if !doneAt.Before(cutoff) {
			continue
		}
		for id := range r.latest {
			if types.QueryID(id) == queryID {
				delete(r.latest, id)
			}
		}
		delete(r.doneAt, queryID)
		delete(r.lastUpdated, queryID)
		r.logger.Debug("dropped metrics", "queryId", queryID)
	}
}

// GetMetrics returns the metrics of every known query, keyed by query id.
func (r *Reporter) GetMetrics() map[string]QueryMetrics {
	r.metricsMutex.RLock()
	defer r.metricsMutex.RUnlock()

	metrics := make(map[string]QueryMetrics)
	for id, info := range r.latest {
		queryID := types.QueryID(id)
		m, exists := metrics[queryID]
		if !exists {
			m = QueryMetrics{
				States:      make(map[types.TaskState]int),
				LastUpdated: r.lastUpdated[queryID],
			}
		}

		m.Tasks++
		m.States[types.TaskStateOf(info)]++
		m.Splits += info.Splits()
		m.CompletedSplits += info.CompletedSplits()
		m.SplitCPUTime += info.SplitCPUTime()
		m.InputDataSize += info.InputDataSize()
		m.InputPositionCount += info.InputPositionCount()
		m.CompletedDataSize += info.CompletedDataSize()
		m.CompletedPositionCount += info.CompletedPositionCount()
		m.OutputDataSize += info.OutputDataSize()
		m.OutputPositionCount += info.OutputPositionCount()

		metrics[queryID] = m
	}

	return metrics
}

func (r *Reporter) Stop() error {
	r.metricsMutex.Lock()
	subs := r.subs
	r.subs = nil
	r.metricsMutex.Unlock()

	// Publish final metrics before stopping
	r.publish()

	return unsubscribeAll(subs)
}
