package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tankfarm/gateway/internal/config"
)

func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	doc := s.deps.Alarm.GetThresholds()
	s.writeJSON(w, &doc)
}

type thresholdsRequest struct {
	PH           config.Bounds              `json:"ph"`
	Temp         config.Bounds              `json:"temp"`
	Connectivity *config.ConnectivityToggle `json:"connectivity"`
}

// handleSetThresholds validates and persists new alarm thresholds
// (spec.md §4.7 "setThresholds"): both bounds must satisfy low < high
// and be finite. A request that omits connectivity entirely defaults
// it to {qcAlarmsEnabled: true} (spec.md §6), rather than silently
// disabling the qc_fail alarm via JSON's zero-value default.
func (s *Server) handleSetThresholds(w http.ResponseWriter, r *http.Request) {
	var req thresholdsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	connectivity := config.ConnectivityToggle{QCAlarmsEnabled: true}
	if req.Connectivity != nil {
		connectivity = *req.Connectivity
	}
	if err := s.deps.Alarm.SetThresholds(req.PH, req.Temp, connectivity, s.deps.ThresholdsPath); err != nil {
		if errors.Is(err, config.ErrInvalidBounds) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.fail(w, fmt.Errorf("%w: %v", ErrSaveFailed, err))
		return
	}
	s.writeJSON(w, s.deps.Alarm.GetThresholds())
}
