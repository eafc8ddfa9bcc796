package rest

import (
	"net/http"
)

// Stats handles GET /api/v1/stats - an atomic snapshot of the pipeline
// counters and gauges, independent of the Prometheus scrape endpoint.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.reg.Snapshot())
}
