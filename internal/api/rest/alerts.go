package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/crowdsense/crowdsense-backend/internal/models"
	"github.com/crowdsense/crowdsense-backend/internal/pkg/logger"
)

// ListAlerts handles GET /api/v1/alerts with optional type, status,
// since (RFC3339), and limit query parameters.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())

	filter := models.AlertFilter{
		DisasterType: r.URL.Query().Get("type"),
		Status:       models.AlertStatus(r.URL.Query().Get("status")),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
				"since must be RFC3339", reqID)
			return
		}
		filter.Since = ts
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
				"limit must be a positive integer", reqID)
			return
		}
		filter.Limit = limit
	}

	alerts, err := h.alerts.QueryRecentAlerts(r.Context(), filter)
	if err != nil {
		h.log.Error("failed to query alerts", "request_id", reqID, "err", err)
		respondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to query alerts", reqID)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert handles GET /api/v1/alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	id := mux.Vars(r)["id"]

	alert, err := h.alerts.GetAlert(r.Context(), id)
	if err != nil {
		respondErrorWithCode(w, http.StatusNotFound, ErrCodeNotFound,
			"alert not found", reqID)
		return
	}
	respondJSON(w, http.StatusOK, alert)
}
