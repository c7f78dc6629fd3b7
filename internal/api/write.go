package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/tankfarm/gateway/internal/familyloader"
	"github.com/tankfarm/gateway/internal/regmap"
)

// plannerCache holds one regmap.WritePlanner per register map, keyed
// by the map's pointer identity. Register maps are immutable and
// cached for the process lifetime (spec.md §4.1), so the planner's
// deadband state — which must outlive any single request — can safely
// be keyed the same way.
type plannerCache struct {
	mu       sync.Mutex
	planners map[*regmap.RegisterMap]*regmap.WritePlanner
}

func newPlannerCache() *plannerCache {
	return &plannerCache{planners: make(map[*regmap.RegisterMap]*regmap.WritePlanner)}
}

func (c *plannerCache) get(rm *regmap.RegisterMap) *regmap.WritePlanner {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.planners[rm]; ok {
		return p
	}
	p := regmap.NewWritePlanner(rm)
	c.planners[rm] = p
	return p
}

func (s *Server) findDevice(tankID string) (*familyloader.Family, familyloader.Device, bool) {
	for _, f := range s.deps.Loader.Families() {
		for _, d := range f.Devices {
			if d.TankID == tankID {
				return f, d, true
			}
		}
	}
	return nil, familyloader.Device{}, false
}

type writeRequest struct {
	Value      float64 `json:"value"`
	AllowClamp bool    `json:"allowClamp"`
}

type writeResponse struct {
	ValueApplied float64 `json:"valueApplied"`
	Reason       string  `json:"reason,omitempty"`
}

// handlePointWrite is the narrow write hook spec.md §1 reserves for an
// out-of-core command-dispatch subsystem: one point, one value, no
// batch or script semantics. It plans the write via the register map's
// WritePlanner and dispatches it through the shared Modbus transport,
// using the same pool and retry policy as the poller.
func (s *Server) handlePointWrite(w http.ResponseWriter, r *http.Request) {
	tankID := chi.URLParam(r, "tankId")
	point := chi.URLParam(r, "point")

	family, device, ok := s.findDevice(tankID)
	if !ok {
		s.fail(w, ErrNotFound)
		return
	}

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	planner := s.planners.get(family.RegisterMap)
	plan, err := planner.PlanWrite(point, req.Value, req.AllowClamp)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if plan.Reason != "deadband_skip" {
		if err := s.deps.Transport.WriteRegisters(device.IP, device.Port, device.UnitID, plan.FC, plan.Start, plan.Words); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	s.writeJSON(w, writeResponse{ValueApplied: plan.ValueApplied, Reason: plan.Reason})
}
