package rest

import (
	"encoding/json"
	"net/http"

	"github.com/crowdsense/crowdsense-backend/internal/models"
	"github.com/crowdsense/crowdsense-backend/internal/pkg/logger"
)

// simulateRequest injects samples or triggers a synthetic spike on the
// simulated source. Exactly one of Samples or Spike must be set.
type simulateRequest struct {
	Signal  string           `json:"signal"`
	Samples []models.Sample  `json:"samples,omitempty"`
	Spike   *spikeDefinition `json:"spike,omitempty"`
}

type spikeDefinition struct {
	Magnitude float64 `json:"magnitude"`
	Fetches   int     `json:"fetches"`
	Text      string  `json:"text,omitempty"`
}

// Simulate handles POST /api/v1/simulate. Injected samples travel the
// identical detection path as scheduled collection.
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())

	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"malformed request body", reqID)
		return
	}
	if req.Signal == "" || !h.keywords[req.Signal] {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"signal must be one of the monitored keywords", reqID)
		return
	}
	if (len(req.Samples) == 0) == (req.Spike == nil) {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"provide either samples or spike", reqID)
		return
	}

	if req.Spike != nil {
		if h.simulated == nil {
			respondErrorWithCode(w, http.StatusConflict, ErrCodeConflict,
				"spike triggering requires the simulated source", reqID)
			return
		}
		if req.Spike.Magnitude <= 0 || req.Spike.Fetches <= 0 {
			respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest,
				"spike magnitude and fetches must be positive", reqID)
			return
		}
		h.simulated.TriggerSpike(req.Signal, req.Spike.Magnitude, req.Spike.Fetches, req.Spike.Text)
		h.log.Info("spike triggered via api",
			"signal", req.Signal, "magnitude", req.Spike.Magnitude,
			"fetches", req.Spike.Fetches, "request_id", reqID)
		respondJSON(w, http.StatusAccepted, map[string]string{
			"signal": req.Signal,
			"status": "spike_armed",
		})
		return
	}

	events := h.injector.InjectSamples(r.Context(), req.Signal, req.Samples)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"signal": req.Signal,
		"events": events,
	})
}
