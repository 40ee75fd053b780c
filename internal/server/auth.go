package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/contactpulse/contactpulse/internal/auth"
)

type principalKey struct{}

// requireAuth checks HTTP Basic credentials against the user
// list and stores the caller in the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="contactpulse"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		p, err := s.users.Authenticate(user, pass)
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			writeError(w, http.StatusForbidden, "no teams assigned")
			return
		case err != nil:
			w.Header().Set("WWW-Authenticate", `Basic realm="contactpulse"`)
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

// authorizeTeam returns the {team} path value when the caller
// may view it. It writes a 403 otherwise, before any payload is
// fetched or computed.
func authorizeTeam(w http.ResponseWriter, r *http.Request) (string, bool) {
	team := r.PathValue("team")
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	if err := auth.Authorize(p, team); err != nil {
		writeError(w, http.StatusForbidden, "not authorized for team "+team)
		return "", false
	}
	return team, true
}
