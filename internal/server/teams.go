package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/contactpulse/contactpulse/internal/dashboard"
	"github.com/contactpulse/contactpulse/internal/db"
	"github.com/contactpulse/contactpulse/internal/metrics"
)

// parseFollowing reads the include_following query parameter.
func parseFollowing(w http.ResponseWriter, r *http.Request) (bool, bool) {
	switch r.URL.Query().Get("include_following") {
	case "", "0", "false":
		return false, true
	case "1", "true":
		return true, true
	}
	writeError(w, http.StatusBadRequest, "include_following must be 0 or 1")
	return false, false
}

// loadState authorizes the team and returns its current view,
// fetching it on first use. It writes the error response itself.
func (s *Server) loadState(
	w http.ResponseWriter, r *http.Request,
) (*dashboard.State, bool) {
	team, ok := authorizeTeam(w, r)
	if !ok {
		return nil, false
	}
	following, ok := parseFollowing(w, r)
	if !ok {
		return nil, false
	}
	st, err := s.ctrl.Get(r.Context(), dashboard.Key{
		Team: team, IncludeFollowing: following,
	})
	if err != nil {
		if handleContextError(w, err) {
			return nil, false
		}
		writeStateError(w, err)
		return nil, false
	}
	return st, true
}

type viewMeta struct {
	Team             string             `json:"team"`
	IncludeFollowing bool               `json:"include_following"`
	FetchedAt        time.Time          `json:"fetched_at"`
	LastFailure      *dashboard.Failure `json:"last_failure,omitempty"`
}

func (s *Server) meta(st *dashboard.State) viewMeta {
	m := viewMeta{
		Team:             st.Key.Team,
		IncludeFollowing: st.Key.IncludeFollowing,
		FetchedAt:        st.FetchedAt,
	}
	if f, ok := s.ctrl.LastFailure(st.Key); ok {
		m.LastFailure = &f
	}
	return m
}

type teamInfo struct {
	Team  string      `json:"team"`
	Views []viewState `json:"views"`
}

type viewState struct {
	IncludeFollowing bool      `json:"include_following"`
	FetchedAt        time.Time `json:"fetched_at"`
}

func (s *Server) handleListTeams(
	w http.ResponseWriter, r *http.Request,
) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	teams := make([]teamInfo, 0, len(p.Teams))
	for _, team := range p.Teams {
		info := teamInfo{Team: team, Views: []viewState{}}
		for _, following := range []bool{false, true} {
			st, err := s.ctrl.State(dashboard.Key{
				Team: team, IncludeFollowing: following,
			})
			if err != nil {
				continue
			}
			info.Views = append(info.Views, viewState{
				IncludeFollowing: following,
				FetchedAt:        st.FetchedAt,
			})
		}
		teams = append(teams, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username": p.Username,
		"teams":    teams,
	})
}

func (s *Server) handleTeamSummary(
	w http.ResponseWriter, r *http.Request,
) {
	st, ok := s.loadState(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		viewMeta
		Summary metrics.Summary `json:"summary"`
	}{s.meta(st), st.Result.Summary})
}

type rosterEntry struct {
	metrics.Standing
	Stars   *int                 `json:"stars"`
	Metrics *metrics.UserMetrics `json:"metrics"`
}

func (s *Server) handleListUsers(
	w http.ResponseWriter, r *http.Request,
) {
	st, ok := s.loadState(w, r)
	if !ok {
		return
	}
	users := make([]rosterEntry, 0, len(st.Result.Ranked))
	for _, standing := range st.Result.Ranked {
		e := rosterEntry{
			Standing: standing,
			Metrics:  st.Result.Users[standing.Username],
		}
		if e.Metrics != nil {
			stars := e.Metrics.Stars()
			e.Stars = &stars
		}
		users = append(users, e)
	}
	writeJSON(w, http.StatusOK, struct {
		viewMeta
		Users []rosterEntry `json:"users"`
	}{s.meta(st), users})
}

func (s *Server) handleGetUser(
	w http.ResponseWriter, r *http.Request,
) {
	st, ok := s.loadState(w, r)
	if !ok {
		return
	}
	user := r.PathValue("user")
	detail, found := st.Result.Detail(user)
	if !found {
		writeError(w, http.StatusNotFound, "user not found: "+user)
		return
	}
	prev, next := st.Result.Neighbors(user)
	writeJSON(w, http.StatusOK, struct {
		viewMeta
		metrics.UserDetail
		Prev string `json:"prev,omitempty"`
		Next string `json:"next,omitempty"`
	}{s.meta(st), detail, prev, next})
}

func (s *Server) handleRefresh(
	w http.ResponseWriter, r *http.Request,
) {
	team, ok := authorizeTeam(w, r)
	if !ok {
		return
	}
	following, ok := parseFollowing(w, r)
	if !ok {
		return
	}
	st, err := s.ctrl.Refresh(r.Context(), dashboard.Key{
		Team: team, IncludeFollowing: following,
	})
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		viewMeta
		Generation    uint64 `json:"generation"`
		TotalUsers    int    `json:"total_users"`
		TotalContacts int    `json:"total_contacts"`
	}{
		s.meta(st), st.Generation,
		st.Result.Summary.TotalUsers, st.Result.Summary.TotalContacts,
	})
}

func (s *Server) handleListSnapshots(
	w http.ResponseWriter, r *http.Request,
) {
	team, ok := authorizeTeam(w, r)
	if !ok {
		return
	}
	if s.db == nil {
		writeError(w, http.StatusNotFound, "snapshot store disabled")
		return
	}
	f := db.SnapshotFilter{Team: team}
	q := r.URL.Query()
	if q.Has("include_following") {
		following, ok := parseFollowing(w, r)
		if !ok {
			return
		}
		f.IncludeFollowing = &following
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	snaps, err := s.db.ListSnapshots(r.Context(), f)
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snaps == nil {
		snaps = []db.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"team":      team,
		"snapshots": snaps,
	})
}
