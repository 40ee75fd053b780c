package server

import (
	"net/http"
	"time"
)

const (
	defaultWriteTimeout = 30 * time.Second
	timeoutBody         = `{"error":"request timed out"}`
)

// routeKind says what a handler may do before it responds.
type routeKind int

const (
	// cachedRoute only reads state that is already in memory or
	// in the snapshot store.
	cachedRoute routeKind = iota
	// fetchingRoute may fetch and compute a payload first.
	fetchingRoute
)

// budget is how long a handler of kind may run. Routes that can
// reach the payload source get the fetch timeout on top of the
// write timeout.
func (s *Server) budget(kind routeKind) time.Duration {
	d := s.cfg.WriteTimeout
	if d <= 0 {
		d = defaultWriteTimeout
	}
	if kind == fetchingRoute && s.cfg.FetchTimeout > 0 {
		d += s.cfg.FetchTimeout
	}
	return d
}

// api wraps an authenticated team handler: credentials are
// checked first, then the handler runs under its budget.
func (s *Server) api(kind routeKind, h http.HandlerFunc) http.Handler {
	return s.requireAuth(s.deadline(kind, h))
}

// deadline runs h under http.TimeoutHandler. On expiry the caller
// gets a 503 with a JSON error body.
func (s *Server) deadline(kind routeKind, h http.HandlerFunc) http.Handler {
	inner := h
	if s.handlerDelay > 0 {
		delay := s.handlerDelay
		inner = func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(delay)
			h(w, r)
		}
	}
	th := http.TimeoutHandler(inner, s.budget(kind), timeoutBody)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		th.ServeHTTP(&timeoutJSONWriter{ResponseWriter: w}, r)
	})
}

// timeoutJSONWriter labels the TimeoutHandler's 503 body as JSON.
// Handlers that set their own Content-Type keep it.
type timeoutJSONWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *timeoutJSONWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	h := w.ResponseWriter.Header()
	if code == http.StatusServiceUnavailable && h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	w.ResponseWriter.WriteHeader(code)
	w.wroteHeader = true
}

func (w *timeoutJSONWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
