// Package api exposes the gateway's read/control HTTP surface
// (spec.md §4.9): snapshots, the device-enable map, alarm thresholds,
// historical log queries, and a narrow point-write hook.
//
// The mutex-guarded Start/Stop lifecycle is grounded in the teacher's
// api.Server (api/server.go); the router itself moves from the
// teacher's raw http.ServeMux to chi, following the www package's
// (www/router.go) use of chi for path parameters and route groups.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tankfarm/gateway/internal/alarm"
	"github.com/tankfarm/gateway/internal/co2"
	"github.com/tankfarm/gateway/internal/familyloader"
	"github.com/tankfarm/gateway/internal/livecache"
	"github.com/tankfarm/gateway/internal/logging"
	"github.com/tankfarm/gateway/internal/modbus"
)

// Deps bundles every collaborator the API surface reads from or
// mutates.
type Deps struct {
	Cache     *livecache.Cache
	Alarm     *alarm.Engine
	Loader    *familyloader.Loader
	Transport *modbus.Transport
	CO2       *co2.Hints
	Log       *logging.Logger

	LogDir         string
	ConfigDir      string
	ThresholdsPath string

	AuthEnabled      bool
	AuthUser         string
	AuthPasswordHash string
	SessionSecret    string

	HSTSDisable bool
}

// Server is the HTTP API server.
type Server struct {
	deps     Deps
	sessions *sessionStore
	planners *plannerCache

	mu      sync.Mutex
	server  *http.Server
	running bool
	addr    string
}

// NewServer builds an unstarted Server bound to addr ("host:port").
func NewServer(deps Deps, addr string) *Server {
	return &Server{
		deps:     deps,
		sessions: newSessionStore(deps.SessionSecret),
		planners: newPlannerCache(),
		addr:     addr,
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.newRouter(),
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.deps.Log.Errorf("api server stopped: %v", err)
		}
	}()
	s.running = true
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// Address returns the server's bound address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s", s.addr)
}

func securityHeaders(hstsDisable bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			if !hstsDisable {
				w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.writeError(w, statusFor(err), err.Error())
}
