package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/contactpulse/contactpulse/internal/auth"
	"github.com/contactpulse/contactpulse/internal/config"
	"github.com/contactpulse/contactpulse/internal/dashboard"
	"github.com/contactpulse/contactpulse/internal/db"
)

// VersionInfo holds build-time version metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Server is the HTTP server for the JSON API.
type Server struct {
	mu      gosync.RWMutex
	cfg     config.Config
	ctrl    *dashboard.Controller
	users   *auth.Store
	db      *db.DB
	mux     *http.ServeMux
	httpSrv *http.Server
	version VersionInfo

	// handlerDelay is injected before each timeout-wrapped
	// handler, used only by tests to guarantee handlers
	// exceed a short timeout. Zero in production.
	handlerDelay time.Duration
}

// New creates a new Server. database may be nil, in which case
// the snapshot history endpoint reports 404.
func New(
	cfg config.Config, ctrl *dashboard.Controller,
	users *auth.Store, database *db.DB, opts ...Option,
) *Server {
	s := &Server{
		cfg:   cfg,
		ctrl:  ctrl,
		users: users,
		db:    database,
		mux:   http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build-time version metadata.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

func (s *Server) routes() {
	s.mux.Handle("GET /api/v1/version",
		s.deadline(cachedRoute, s.handleGetVersion))

	s.mux.Handle("GET /api/v1/teams",
		s.api(cachedRoute, s.handleListTeams))
	s.mux.Handle("GET /api/v1/teams/{team}/snapshots",
		s.api(cachedRoute, s.handleListSnapshots))
	s.mux.Handle("GET /api/v1/teams/{team}/summary",
		s.api(fetchingRoute, s.handleTeamSummary))
	s.mux.Handle("GET /api/v1/teams/{team}/users",
		s.api(fetchingRoute, s.handleListUsers))
	s.mux.Handle("GET /api/v1/teams/{team}/users/{user}",
		s.api(fetchingRoute, s.handleGetUser))
	s.mux.Handle("POST /api/v1/teams/{team}/refresh",
		s.api(fetchingRoute, s.handleRefresh))
}

func (s *Server) handleGetVersion(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.version)
}

// Handler returns the http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(logMiddleware(s.mux))
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.mu.RLock()
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.mu.RUnlock()
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	log.Printf("Starting server at http://%s", addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// FindAvailablePort finds an available port starting from the
// given port, binding to the specified host.
func FindAvailablePort(host string, start int) int {
	for port := start; port < start+100; port++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return port
		}
	}
	return start
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set(
				"Access-Control-Allow-Origin", "*",
			)
			w.Header().Set(
				"Access-Control-Allow-Methods",
				"GET, POST, OPTIONS",
			)
			w.Header().Set(
				"Access-Control-Allow-Headers",
				"Content-Type, Authorization, X-Request-ID",
			)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

const requestIDHeader = "X-Request-ID"

// logMiddleware tags every API request with an ID, reusing the
// caller's X-Request-ID when it is a valid UUID.
func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		id, err := uuid.Parse(r.Header.Get(requestIDHeader))
		if err != nil {
			id = uuid.New()
		}
		w.Header().Set(requestIDHeader, id.String())
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s (%s)", id, r.Method, r.URL.Path,
			time.Since(start).Round(time.Millisecond))
	})
}

