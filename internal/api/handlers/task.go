package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/service/task"
)

// TaskHandler handles task API requests
type TaskHandler struct {
	service *task.Service
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(service *task.Service) *TaskHandler {
	return &TaskHandler{
		service: service,
	}
}

// Create handles POST /tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var t types.Task
	if err := decodeJSON(r, &t); err != nil {
		handleError(w, r, err)
		return
	}

	created, err := h.service.Enqueue(r.Context(), &t)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type batchRequest struct {
	Tasks []*types.Task `json:"tasks"`
}

// CreateBatch handles POST /tasks/batch
func (h *TaskHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": h.service.EnqueueBatch(r.Context(), req.Tasks),
	})
}

// GetStatus handles GET /tasks/{id}
func (h *TaskHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.Get(mux.Vars(r)["id"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// List handles GET /tasks with an optional status filter
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	tasks := h.service.List()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
	})
}

// Pause handles POST /tasks/{id}/pause
func (h *TaskHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Pause)
}

// Resume handles POST /tasks/{id}/resume
func (h *TaskHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Resume)
}

// Cancel handles POST /tasks/{id}/cancel
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel)
}

func (h *TaskHandler) transition(w http.ResponseWriter, r *http.Request, op func(id string) (*types.Task, error)) {
	t, err := op(mux.Vars(r)["id"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ClearFinished handles DELETE /tasks/finished
func (h *TaskHandler) ClearFinished(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"removed": h.service.ClearFinished(),
	})
}

type limitsBody struct {
	GlobalLimit     int `json:"global_limit"`
	PerAccountLimit int `json:"per_account_limit"`
}

// GetLimits handles GET /limits
func (h *TaskHandler) GetLimits(w http.ResponseWriter, r *http.Request) {
	global, perAccount := h.service.Limits()
	stats := h.service.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"global_limit":      global,
		"per_account_limit": perAccount,
		"running":           stats.Running,
		"pending":           stats.Pending,
		"per_account":       stats.PerAccount,
	})
}

// SetLimits handles PUT /limits
func (h *TaskHandler) SetLimits(w http.ResponseWriter, r *http.Request) {
	var body limitsBody
	if err := decodeJSON(r, &body); err != nil {
		handleError(w, r, err)
		return
	}
	if err := h.service.SetLimits(body.GlobalLimit, body.PerAccountLimit); err != nil {
		handleError(w, r, err)
		return
	}
	global, perAccount := h.service.Limits()
	writeJSON(w, http.StatusOK, limitsBody{GlobalLimit: global, PerAccountLimit: perAccount})
}
