package api

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionName    = "gateway_session"
	sessionUserKey = "username"
)

// sessionStore wraps a gorilla/sessions cookie store the same way the
// teacher's www.sessionStore does: a random 32-byte key is generated
// when no secret is configured, since a lost session on restart is
// harmless here (there is only ever one API operator role).
type sessionStore struct {
	store *sessions.CookieStore
}

func newSessionStore(secret string) *sessionStore {
	var key []byte
	if secret != "" {
		key, _ = base64.StdEncoding.DecodeString(secret)
	}
	if len(key) < 32 {
		key = make([]byte, 32)
		rand.Read(key)
	}
	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &sessionStore{store: store}
}

func (s *sessionStore) get(r *http.Request) *sessions.Session {
	session, _ := s.store.Get(r, sessionName)
	return session
}

func (s *sessionStore) authenticated(r *http.Request) bool {
	session := s.get(r)
	user, ok := session.Values[sessionUserKey].(string)
	return ok && user != ""
}

func (s *sessionStore) login(w http.ResponseWriter, r *http.Request, username string) error {
	session := s.get(r)
	session.Values[sessionUserKey] = username
	return session.Save(r, w)
}

func (s *sessionStore) logout(w http.ResponseWriter, r *http.Request) error {
	session := s.get(r)
	delete(session.Values, sessionUserKey)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// requireAuth gates write endpoints when AuthEnabled is set (spec.md
// §6 API_AUTH_ENABLED). When disabled the gateway runs with the API
// fully open, matching its default "no auth configured" posture.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.AuthEnabled {
			next(w, r)
			return
		}
		if !s.sessions.authenticated(r) {
			s.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}
