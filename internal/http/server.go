package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskgrid/taskgrid/internal/log"
	"github.com/taskgrid/taskgrid/pkg/engine"
	"github.com/taskgrid/taskgrid/pkg/models"
	"github.com/taskgrid/taskgrid/pkg/service"
)

// createWorkflowRequest is the POST /workflows body.
type createWorkflowRequest struct {
	Name             string                  `json:"name"`
	Steps            []models.WorkflowStep   `json:"steps,omitempty"`
	Dependencies     []models.StepDependency `json:"dependencies,omitempty"`
	MaxParallelSteps int                     `json:"max_parallel_steps,omitempty"`
	TimeoutSeconds   int64                   `json:"timeout_seconds,omitempty"`
	RetryFailedSteps *bool                   `json:"retry_failed_steps,omitempty"`
	Context          models.Payload          `json:"context,omitempty"`
}

// NewHandler builds the API routes over a workflow service. reg, when
// non-nil, is additionally exposed on /metrics.
func NewHandler(svc *service.WorkflowService, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	tasks := svc.Tasks()

	mux.HandleFunc("GET /health", healthHandler)
	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("POST /workflows", createWorkflowHTTP(svc))
	mux.HandleFunc("GET /workflows", listWorkflowsHTTP(svc))
	mux.HandleFunc("GET /workflows/{id}", getWorkflowHTTP(svc))
	mux.HandleFunc("GET /workflows/{id}/audit", getAuditHTTP(svc))
	mux.HandleFunc("POST /workflows/{id}/start", workflowVerbHTTP(svc.StartWorkflow))
	mux.HandleFunc("POST /workflows/{id}/pause", workflowVerbHTTP(svc.PauseWorkflow))
	mux.HandleFunc("POST /workflows/{id}/resume", workflowVerbHTTP(svc.ResumeWorkflow))
	mux.HandleFunc("POST /workflows/{id}/cancel", workflowVerbHTTP(svc.CancelWorkflow))

	mux.HandleFunc("POST /workflows/{id}/webhooks/{stepID}/complete", completeWebhookHTTP(svc))
	mux.HandleFunc("POST /workflows/{id}/webhooks/{stepID}/fail", failWebhookHTTP(svc))

	mux.HandleFunc("POST /tasks", submitTaskHTTP(tasks))
	mux.HandleFunc("GET /tasks/{id}", getTaskHTTP(tasks))
	mux.HandleFunc("POST /tasks/{id}/cancel", cancelTaskHTTP(tasks))
	mux.HandleFunc("DELETE /tasks/{id}", deleteTaskHTTP(tasks))

	return mux
}

// StartServer runs the API on the given port until the listener fails.
func StartServer(port string, svc *service.WorkflowService, reg *prometheus.Registry) error {
	log.GetLogger().Infof("Starting taskgrid server on :%s", port)
	return http.ListenAndServe(":"+port, NewHandler(svc, reg))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "taskgrid server is running")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch err.(type) {
	case *engine.ValidationError, *engine.CycleError:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func createWorkflowHTTP(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createWorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		var opts []service.WorkflowOption
		if req.MaxParallelSteps > 0 {
			opts = append(opts, service.WithMaxParallelSteps(req.MaxParallelSteps))
		}
		if req.TimeoutSeconds > 0 {
			opts = append(opts, service.WithWorkflowTimeout(time.Duration(req.TimeoutSeconds)*time.Second))
		}
		if req.Context != nil {
			opts = append(opts, service.WithContext(req.Context))
		}
		if req.RetryFailedSteps != nil && !*req.RetryFailedSteps {
			opts = append(opts, service.WithoutStepRetries())
		}
		id, err := svc.CreateWorkflow(req.Name, req.Steps, req.Dependencies, opts...)
		if err != nil {
			log.GetLogger().Errorf("Failed to create workflow: %v", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
	}
}

func listWorkflowsHTTP(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflows, err := svc.ListWorkflows()
		if err != nil {
			log.GetLogger().Errorf("Failed to list workflows: %v", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, workflows)
	}
}

func getWorkflowHTTP(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			http.Error(w, "Invalid workflow id", http.StatusBadRequest)
			return
		}
		wf, err := svc.GetWorkflowGraph(id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, wf)
	}
}

func getAuditHTTP(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			http.Error(w, "Invalid workflow id", http.StatusBadRequest)
			return
		}
		entries, err := svc.GetAudit(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func workflowVerbHTTP(verb func(int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			http.Error(w, "Invalid workflow id", http.StatusBadRequest)
			return
		}
		if err := verb(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func completeWebhookHTTP(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			http.Error(w, "Invalid workflow id", http.StatusBadRequest)
			return
		}
		stepID := r.PathValue("stepID")
		var output models.Payload
		if r.Body != nil {
			// empty or absent body means completion without output
			_ = json.NewDecoder(r.Body).Decode(&output)
		}
		if err := svc.CompleteWebhookStep(id, stepID, output); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func failWebhookHTTP(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			http.Error(w, "Invalid workflow id", http.StatusBadRequest)
			return
		}
		stepID := r.PathValue("stepID")
		var body struct {
			Reason string `json:"reason"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		if body.Reason == "" {
			body.Reason = "failed by external caller"
		}
		if err := svc.FailWebhookStep(id, stepID, body.Reason); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func submitTaskHTTP(tasks *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t models.Task
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		id, err := tasks.SubmitTask(&t)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func getTaskHTTP(tasks *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := tasks.GetTask(r.PathValue("id"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func cancelTaskHTTP(tasks *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := tasks.CancelTask(r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func deleteTaskHTTP(tasks *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := tasks.DeleteTask(r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
