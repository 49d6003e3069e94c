package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kaustavdm/momo-tasks/internal/logging"
	"github.com/kaustavdm/momo-tasks/internal/modules"
	"github.com/kaustavdm/momo-tasks/internal/types"
)

type APIServer struct {
	port      string
	scheduler *modules.Scheduler
	worker    *modules.Worker
	reporter  *modules.Reporter
	server    *http.Server
	logger    *log.Logger
}

// APIError represents an error response
type APIError struct {
	Error string `json:"error"`
}

// APIResponse represents a success response
type APIResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// QueryStatesResponse is the state of every task of a query. Reported lists
// the states of the tasks that reported a snapshot, in submission order.
type QueryStatesResponse struct {
	QueryID  string                     `json:"queryId"`
	States   map[string]types.TaskState `json:"states"`
	Reported []types.TaskState          `json:"reported"`
	Done     bool                       `json:"done"`
}

// NewAPIServer creates the API server. Any module may be nil when it does not
// run in this process; the routes that need it answer 503.
func NewAPIServer(port string, scheduler *modules.Scheduler, worker *modules.Worker, reporter *modules.Reporter) *APIServer {
	return &APIServer{
		port:      port,
		scheduler: scheduler,
		worker:    worker,
		reporter:  reporter,
		logger:    logging.New("API"),
	}
}

// Handler returns the routes of the API.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth())
	mux.HandleFunc("GET /v1/task", s.handleListTasks())
	mux.HandleFunc("POST /v1/task", s.handleCreateTask())
	mux.HandleFunc("GET /v1/task/{taskId}", s.handleGetTask())
	mux.HandleFunc("DELETE /v1/task/{taskId}", s.handleCancelTask())
	mux.HandleFunc("GET /v1/query/{queryId}/states", s.handleQueryStates())
	mux.HandleFunc("GET /metrics", s.handleMetrics())

	return s.logRequest(mux)
}

func (s *APIServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    ":" + s.port,
		Handler: s.Handler(),
	}

	// Start server
	go func() {
		s.logger.Info("API server starting", "port", s.port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", "err", err)
		}
	}()

	// Wait for context cancellation to stop server
	<-ctx.Done()
	return s.Stop()
}

func (s *APIServer) Stop() error {
	if s.server == nil {
		return nil
	}

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("Shutting down API server...")
	return s.server.Shutdown(ctx)
}

// Middleware for logging requests
func (s *APIServer) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

// Health check handler
func (s *APIServer) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, APIResponse{
			Message: "OK",
			Data: map[string]string{
				"status": "healthy",
				"time":   time.Now().Format(time.RFC3339),
			},
		})
	}
}

func (s *APIServer) handleListTasks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.scheduler == nil {
			s.writeError(w, "Scheduler not available", http.StatusServiceUnavailable)
			return
		}

		s.writeJSON(w, http.StatusOK, APIResponse{
			Message: "Tasks retrieved successfully",
			Data:    s.scheduler.Tasks(),
		})
	}
}

func (s *APIServer) handleCreateTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.scheduler == nil {
			s.writeError(w, "Scheduler not available", http.StatusServiceUnavailable)
			return
		}

		var req types.TaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		if err := s.scheduler.AddTask(req); err != nil {
			if errors.Is(err, types.ErrInvalidArgument) {
				s.writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			s.writeError(w, "Failed to create task", http.StatusInternalServerError)
			return
		}

		s.writeJSON(w, http.StatusCreated, APIResponse{
			Message: "Task created successfully",
			Data:    req,
		})
	}
}

// handleGetTask serves the snapshot found at a task's location. The body is
// the bare wire encoding so the location can be decoded as a TaskInfo.
func (s *APIServer) handleGetTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := r.PathValue("taskId")

		var info *types.TaskInfo
		var found bool
		if s.worker != nil {
			info, found = s.worker.TaskInfo(taskID)
		}
		if !found && s.scheduler != nil {
			info, found = s.scheduler.Task(taskID)
		}
		if !found {
			s.writeError(w, "Task not found", http.StatusNotFound)
			return
		}

		s.writeJSON(w, http.StatusOK, info)
	}
}

func (s *APIServer) handleCancelTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.scheduler == nil {
			s.writeError(w, "Scheduler not available", http.StatusServiceUnavailable)
			return
		}

		taskID := r.PathValue("taskId")
		if err := s.scheduler.Cancel(taskID); err != nil {
			if errors.Is(err, types.ErrInvalidArgument) {
				s.writeError(w, "Task not found", http.StatusNotFound)
				return
			}
			s.logger.Error("cancel failed", "taskId", taskID, "err", err)
			s.writeError(w, "Failed to cancel task", http.StatusBadGateway)
			return
		}

		s.writeJSON(w, http.StatusAccepted, APIResponse{Message: "Task cancel requested"})
	}
}

func (s *APIServer) handleQueryStates() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.scheduler == nil {
			s.writeError(w, "Scheduler not available", http.StatusServiceUnavailable)
			return
		}

		queryID := r.PathValue("queryId")
		// Terminal states never change, so reading done first keeps the
		// response consistent with it.
		done := s.scheduler.Done(queryID)
		states := s.scheduler.TaskStates(queryID)
		if len(states) == 0 {
			s.writeError(w, "Query not found", http.StatusNotFound)
			return
		}

		s.writeJSON(w, http.StatusOK, QueryStatesResponse{
			QueryID:  queryID,
			States:   states,
			Reported: s.scheduler.QueryStates(queryID),
			Done:     done,
		})
	}
}

// Metrics handler
func (s *APIServer) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.reporter == nil {
			s.writeError(w, "Metrics not available", http.StatusServiceUnavailable)
			return
		}

		metrics := s.reporter.GetMetrics()
		s.writeJSON(w, http.StatusOK, APIResponse{
			Message: "Metrics retrieved successfully",
			Data:    metrics,
		})
	}
}

// Helper function to write JSON response
func (s *APIServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("error encoding JSON", "err", err)
		s.writeError(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Helper function to write error response
func (s *APIServer) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{Error: message})
}
