package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/crowdsense/crowdsense-backend/internal/pkg/logger"
)

// ListTasks handles GET /api/v1/tasks - non-blocking scheduler health.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	statuses := h.sched.Health()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": statuses,
		"count": len(statuses),
	})
}

// RunTask handles POST /api/v1/tasks/{name}/run - immediate out-of-band
// execution, subject to the same overlap protection as periodic ticks.
func (h *Handler) RunTask(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	name := mux.Vars(r)["name"]

	if err := h.sched.RunNow(name); err != nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound, err.Error(), reqID)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"task":   name,
		"status": "triggered",
	})
}

// ResetTask handles POST /api/v1/tasks/{name}/reset - revives a task
// from the terminal failed state.
func (h *Handler) ResetTask(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	name := mux.Vars(r)["name"]

	if err := h.sched.Reset(name); err != nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound, err.Error(), reqID)
		return
	}
	h.log.Info("task reset via api", "task", name, "request_id", reqID)
	respondJSON(w, http.StatusOK, map[string]string{
		"task":   name,
		"status": "reset",
	})
}
