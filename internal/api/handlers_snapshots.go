package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleSnapshots returns the Live Cache in full, per spec.md §4.9
// "Snapshots read (all or by tank)".
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	all := s.deps.Cache.All()
	out := make(map[string]map[string]interface{}, len(all))
	for tankID, snap := range all {
		out[tankID] = s.annotateCO2(tankID, snap.Flatten())
	}
	s.writeJSON(w, out)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	tankID := chi.URLParam(r, "tankId")
	snap, ok := s.deps.Cache.Get(tankID)
	if !ok {
		s.fail(w, ErrNotFound)
		return
	}
	s.writeJSON(w, s.annotateCO2(tankID, snap.Flatten()))
}

// annotateCO2 adds the co2_target_lpm hint to a flattened snapshot, per
// SPEC_FULL.md's CO2 dosing-hint supplement.
func (s *Server) annotateCO2(tankID string, flat map[string]interface{}) map[string]interface{} {
	if s.deps.CO2 != nil {
		flat["co2_target_lpm"] = s.deps.CO2.LpmFor(tankID)
	}
	return flat
}

type tankInfo struct {
	TankID string `json:"tankId"`
	Family string `json:"family"`
	Ip     string `json:"ip"`
	Enable *bool  `json:"enabled,omitempty"`
}

// handleTanks returns the tank list joined with the ctrl enable map,
// per spec.md §4.9 "Tank list + enable map".
func (s *Server) handleTanks(w http.ResponseWriter, r *http.Request) {
	enable, _ := s.loadEnableMap()

	var out []tankInfo
	for _, f := range s.deps.Loader.Families() {
		for _, d := range f.Devices {
			info := tankInfo{TankID: d.TankID, Family: f.ID, Ip: d.IP}
			if f.ID == "ctrl" {
				v := enable[d.TankID]
				info.Enable = &v
			}
			out = append(out, info)
		}
	}
	s.writeJSON(w, out)
}

func (s *Server) enableMapPath() string {
	return filepath.Join(s.deps.ConfigDir, "enableMap.json")
}

func (s *Server) loadEnableMap() (map[string]bool, error) {
	data, err := os.ReadFile(s.enableMapPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	var m map[string]bool
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Server) handleGetEnableMap(w http.ResponseWriter, r *http.Request) {
	m, err := s.loadEnableMap()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, m)
}

// handleSetEnableMap accepts only boolean values (spec.md §6 "Enable
// map JSON"), writes the file, and lets the next Family Loader reload
// pick the change up — the API surface never mutates the loader's
// in-memory families directly.
func (s *Server) handleSetEnableMap(w http.ResponseWriter, r *http.Request) {
	var m map[string]bool
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := os.MkdirAll(s.deps.ConfigDir, 0o755); err != nil {
		s.fail(w, fmt.Errorf("%w: %v", ErrSaveFailed, err))
		return
	}
	tmp := s.enableMapPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.fail(w, fmt.Errorf("%w: %v", ErrSaveFailed, err))
		return
	}
	if err := os.Rename(tmp, s.enableMapPath()); err != nil {
		s.fail(w, fmt.Errorf("%w: %v", ErrSaveFailed, err))
		return
	}
	s.deps.Loader.Reload()
	s.writeJSON(w, map[string]bool{"ok": true})
}

// handleConnectivity reports, per tank, the Live Cache's last-seen QC
// plus the alarm engine's consecutiveFails/offlineMs bookkeeping
// (SPEC_FULL.md's "Per-tank connectivity status endpoint" supplement).
func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	type tankConnectivity struct {
		TankID           string      `json:"tankId"`
		QC               string      `json:"qc"`
		TsUTC            interface{} `json:"ts_utc"`
		ConsecutiveFails int         `json:"consecutiveFails"`
		OfflineMs        int64       `json:"offlineMs"`
	}
	all := s.deps.Cache.All()
	conn := s.deps.Alarm.ConnectivitySnapshot()
	now := time.Now().UTC()

	out := make([]tankConnectivity, 0, len(all))
	for tankID, snap := range all {
		var ts interface{}
		if snap.TsUTC != nil {
			ts = snap.TsUTC
		}
		tc := tankConnectivity{TankID: tankID, QC: snap.QC, TsUTC: ts}
		if cs, ok := conn[tankID]; ok {
			tc.ConsecutiveFails = cs.ConsecutiveFails
			since := now
			switch {
			case cs.LastOk != nil:
				since = *cs.LastOk
			case cs.FirstFail != nil:
				since = *cs.FirstFail
			}
			tc.OfflineMs = now.Sub(since).Milliseconds()
		}
		out = append(out, tc)
	}
	s.writeJSON(w, out)
}

func (s *Server) handleCO2(w http.ResponseWriter, r *http.Request) {
	tankID := chi.URLParam(r, "tankId")
	if s.deps.CO2 == nil {
		s.writeJSON(w, map[string]float64{"lpm": 0})
		return
	}
	s.writeJSON(w, map[string]float64{"lpm": s.deps.CO2.LpmFor(tankID)})
}
