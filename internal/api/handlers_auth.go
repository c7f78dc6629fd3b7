package api

import (
	"encoding/json"
	"net/http"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.deps.AuthEnabled {
		s.writeError(w, http.StatusBadRequest, "authentication is not enabled")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Username != s.deps.AuthUser || !checkPassword(req.Password, s.deps.AuthPasswordHash) {
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := s.sessions.login(w, r, req.Username); err != nil {
		s.writeError(w, http.StatusInternalServerError, "could not establish session")
		return
	}
	s.writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	_ = s.sessions.logout(w, r)
	s.writeJSON(w, map[string]bool{"ok": true})
}
